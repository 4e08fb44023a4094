// Package api serves the operational HTTP endpoints of the indexer:
// liveness, readiness, per-chain backfill status and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/0xmhha/transfer-indexer/internal/logger"
	apimiddleware "github.com/0xmhha/transfer-indexer/pkg/api/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options carries the optional collaborators of the server
type Options struct {
	// Sources are the chains reported by /status
	Sources []StatusSource

	// Checks are run by /ready, keyed by component name
	Checks map[string]Check

	// Gatherer backs /metrics; defaults to the global registry
	Gatherer prometheus.Gatherer

	Version string
}

// Server is the ops HTTP server
type Server struct {
	config    *Config
	logger    *zap.Logger
	router    *chi.Mux
	server    *http.Server
	sources   []StatusSource
	checks    map[string]Check
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time
}

// NewServer creates a new ops server
func NewServer(config *Config, log *zap.Logger, opts Options) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		config:    config,
		logger:    logger.WithComponent(log, "api"),
		router:    chi.NewRouter(),
		sources:   opts.Sources,
		checks:    opts.Checks,
		gatherer:  opts.Gatherer,
		version:   opts.Version,
		startTime: time.Now(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.checks == nil {
		s.checks = make(map[string]Check)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:           config.Addr,
		Handler:        s.router,
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: config.MaxHeaderBytes,
	}

	return s, nil
}

// setupMiddleware configures the middleware stack
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	// Recovery must wrap everything below it
	s.router.Use(apimiddleware.Recovery(s.logger))
	s.router.Use(middleware.RealIP)
	s.router.Use(apimiddleware.Logger(s.logger))
}

// setupRoutes configures the ops routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/status/{chain}", s.handleChainStatus)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// Start serves until Stop is called
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Stop is called
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting ops server",
		zap.String("address", ln.Addr().String()),
		zap.Int("chains", len(s.sources)),
		zap.Int("checks", len(s.checks)),
	)

	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping ops server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("ops server stopped gracefully")
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
