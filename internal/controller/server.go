// Package controller 提供网关的运维接口：健康检查、熔断器、路由、刷新和指标
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/refresh"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// Refresher 运维接口依赖的刷新服务能力
type Refresher interface {
	Refresh(ctx context.Context) error
	Rollback(ctx context.Context, version uint64) error
	History() []refresh.Revision
	Version() uint64
	LastRefresh() time.Time
	EnabledRouteCount() int
}

// Dependencies 运维接口使用的组件，Metrics 可以为空
type Dependencies struct {
	Table     *router.Table
	Breakers  *circuitbreaker.Registry
	Refresher Refresher
	Metrics   metrics.Provider
	Logger    log.Logger
}

// Server 运维接口服务
type Server struct {
	config     config.AdminConfig
	engine     *gin.Engine
	httpServer *http.Server
	handler    *handler
	logger     log.Logger
}

// NewServer 创建运维接口服务并注册路由
func NewServer(cfg config.AdminConfig, deps Dependencies) (*Server, error) {
	if deps.Table == nil || deps.Breakers == nil || deps.Refresher == nil {
		return nil, errors.New("controller: table, breakers and refresher are required")
	}
	if deps.Logger == nil {
		deps.Logger = log.Component("controller")
	}
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(deps.Logger))

	h := &handler{
		table:     deps.Table,
		breakers:  deps.Breakers,
		refresher: deps.Refresher,
		logger:    deps.Logger,
		started:   time.Now(),
	}
	h.register(engine, deps.Metrics)

	return &Server{
		config:     cfg,
		engine:     engine,
		httpServer: &http.Server{Addr: cfg.Address, Handler: engine},
		handler:    h,
		logger:     deps.Logger,
	}, nil
}

// Handler 返回 gin 引擎，测试直接使用
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 监听配置的地址
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve 在已有监听上提供服务，正常关闭不返回错误
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin server listening", log.String("address", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down admin server")
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			log.String("method", c.Request.Method),
			log.String("path", c.FullPath()),
			log.Int(log.FieldStatusCode, c.Writer.Status()),
			log.Duration("elapsed", time.Since(start)))
	}
}
