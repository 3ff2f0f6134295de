package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/songzhibin97/routegate/internal/config"
	"github.com/songzhibin97/routegate/pkg/log"
)

// Server represents the proxy server
type Server struct {
	config     config.ServerConfig
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates the proxy listener around handler
func NewServer(cfg config.ServerConfig, handler http.Handler) *Server {
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{IdleTimeout: cfg.IdleTimeout})
	}

	return &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:           cfg.Address,
			Handler:        handler,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			MaxHeaderBytes: cfg.MaxHeaderBytes,
		},
		logger: log.Component("server"),
	}
}

// Start listens on the configured address and serves until shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener. A graceful shutdown is not an error.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("proxy server listening",
		log.String("address", ln.Addr().String()),
		log.Bool("h2c", s.config.H2C))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down proxy server")
	return s.httpServer.Shutdown(ctx)
}
