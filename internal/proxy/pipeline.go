package proxy

import (
	"fmt"
	"net/http"
	"time"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/internal/governance/circuitbreaker"
	"github.com/songzhibin97/routegate/internal/middleware"
	"github.com/songzhibin97/routegate/internal/ratelimit"
	"github.com/songzhibin97/routegate/internal/router"
	"github.com/songzhibin97/routegate/pkg/log"
	"github.com/songzhibin97/routegate/pkg/metrics"
)

// Dependencies 组装请求处理管道所需的共享组件
type Dependencies struct {
	Table    *router.Table
	Breakers *circuitbreaker.Registry
	Limiters *ratelimit.Stores
	// Metrics 为 nil 时不注册指标阶段
	Metrics metrics.Provider
	Logger  log.Logger
	// Transport 覆盖到后端的基础传输层，测试时使用
	Transport http.RoundTripper
}

// Pipeline represents the request processing pipeline
//
// Stages from outermost to innermost: tracing, access log, metrics,
// response format, error handling, then the dispatcher.
type Pipeline struct {
	handler   http.Handler
	startTime time.Time
}

// NewPipeline creates a new request processing pipeline
func NewPipeline(cfg *config.Config, deps Dependencies) (*Pipeline, error) {
	if deps.Table == nil {
		return nil, fmt.Errorf("route table is required")
	}
	if deps.Breakers == nil {
		return nil, fmt.Errorf("circuit breaker registry is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Component("pipeline")
	}

	base := deps.Transport
	if base == nil {
		base = NewHTTPTransport(cfg.Proxy)
	}
	transport := NewResilientTransport(base, deps.Breakers, cfg.Proxy.MaxRetryBodyBytes)

	tracingMw := middleware.NewTracingMiddleware(cfg.Tracing.Enabled)
	forwarder := NewForwarder(transport, deps.Breakers, cfg.Proxy.FlushInterval,
		WithTraceInjector(tracingMw.InjectTraceContext),
		WithForwarderLogger(logger.With(log.String(log.FieldComponent, "proxy"))),
	)
	proxies, err := router.ParseTrustedProxies(cfg.Proxy.TrustedProxies)
	if err != nil {
		return nil, err
	}
	dispatcher := NewDispatcher(deps.Table, deps.Limiters, proxies, forwarder)

	stages := []middleware.Middleware{
		tracingMw.Handler(),
		middleware.NewAccessLogMiddleware(cfg.Logging.AccessLog, logger).Handler(),
	}
	if deps.Metrics != nil {
		metricsMw, err := middleware.NewMetricsMiddleware(deps.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		stages = append(stages, metricsMw.Handler())
	}
	stages = append(stages,
		middleware.NewResponseFormatMiddleware(cfg.CORS).Handler(),
		middleware.NewErrorHandlerMiddleware(logger).Handler(),
	)

	return &Pipeline{
		handler:   middleware.Chain(dispatcher, stages...),
		startTime: time.Now(),
	}, nil
}

// ServeHTTP implements http.Handler
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Uptime returns how long the pipeline has been serving
func (p *Pipeline) Uptime() time.Duration {
	return time.Since(p.startTime)
}
