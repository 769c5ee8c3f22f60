// Package server owns the HTTP listener: middleware assembly,
// startup and graceful shutdown.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/voxelcare/volumetry-agent/internal/app/metrics"
	"github.com/voxelcare/volumetry-agent/internal/config"
	"github.com/voxelcare/volumetry-agent/internal/logging"
	"github.com/voxelcare/volumetry-agent/internal/middleware"
	"github.com/voxelcare/volumetry-agent/pkg/logger"
)

// Server wraps the standard HTTP server with the agent middleware
// chain.
type Server struct {
	cfg        config.Config
	log        *logger.Logger
	httpServer *http.Server
}

// New assembles the middleware chain around handler and returns a
// server ready to start. Outermost first: panic recovery, tracing,
// CORS, rate limiting, Prometheus instrumentation.
func New(cfg config.Config, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("server")
	}
	requestLog := logging.New("volumetry-agent", cfg.Logging.Level, cfg.Logging.Format)

	chain := metrics.InstrumentHandler(handler)

	if !cfg.RateLimit.Disabled && cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, requestLog)
		limiter.StartCleanup(10 * time.Minute)
		chain = limiter.Handler(chain)
	}

	origins := cfg.Server.AllowedOrigins
	if cfg.Server.DevMode {
		// Development convenience only; Validate rejects this in
		// production.
		log.Warn("dev_mode enabled: CORS is wide open and timeouts are advisory")
		origins = []string{"*"}
	}
	if len(origins) > 0 {
		chain = middleware.NewCORSMiddleware(origins).Handler(chain)
	}

	chain = middleware.NewTracingMiddleware(requestLog).Handler(chain)
	chain = middleware.NewRecoveryMiddleware(requestLog).Handler(chain)

	return &Server{
		cfg: cfg,
		log: log,
		httpServer: &http.Server{
			Addr:         cfg.ListenAddr(),
			Handler:      chain,
			ReadTimeout:  cfg.Server.ReadTimeout.Std(),
			WriteTimeout: cfg.Server.WriteTimeout.Std(),
			IdleTimeout:  cfg.Server.IdleTimeout.Std(),
		},
	}
}

// Handler exposes the assembled middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start blocks serving requests until Shutdown is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Infof("HTTP server listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
