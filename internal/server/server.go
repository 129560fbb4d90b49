// Package server provides the HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gourl/quotagate/internal/auth"
	"github.com/gourl/quotagate/internal/config"
	"github.com/gourl/quotagate/internal/handlers"
	"github.com/gourl/quotagate/internal/metrics"
	"github.com/gourl/quotagate/internal/middleware"
	"github.com/gourl/quotagate/internal/ratelimit"
	"github.com/gourl/quotagate/pkg/logger"
)

// Deps are the components the gated routes need. Routes whose dependencies
// are nil answer 503.
type Deps struct {
	Limiter  ratelimit.Limiter
	Resolver auth.SubjectResolver
}

// Server represents the HTTP server.
type Server struct {
	cfg           *config.Config
	log           *logger.Logger
	httpServer    *http.Server
	healthHandler *handlers.HealthHandler
	apiHandler    *handlers.APIHandler
	deps          Deps
	listener      net.Listener
	running       bool
	mu            sync.RWMutex
}

// New creates a new Server instance.
func New(cfg *config.Config, log *logger.Logger, deps Deps) *Server {
	s := &Server{
		cfg:           cfg,
		log:           log,
		healthHandler: handlers.NewHealthHandler(),
		deps:          deps,
	}
	if deps.Limiter != nil {
		s.apiHandler = handlers.NewAPIHandler(deps.Limiter, log)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.buildMiddlewareChain(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// buildMiddlewareChain wraps every route with metrics, request ID and client
// IP extraction.
func (s *Server) buildMiddlewareChain(handler http.Handler) http.Handler {
	return middleware.New(
		middleware.Metrics(),
		middleware.RequestID(),
		middleware.ClientIP(s.cfg.Server.TrustProxy, s.cfg.Server.TrustedProxies),
	).Then(handler)
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.healthHandler.Health)
	mux.HandleFunc("GET /ready", s.healthHandler.Ready)
	mux.Handle("GET /metrics", metrics.Handler())

	if s.apiHandler == nil || s.deps.Resolver == nil {
		mux.HandleFunc("POST /api", notConfigured)
		mux.HandleFunc("GET /api/quota", notConfigured)
		return
	}

	authenticated := middleware.New(middleware.Authenticate(s.deps.Resolver, middleware.AuthConfig{
		Header: s.cfg.Auth.Header,
		Logger: s.log,
	}))
	gated := authenticated.Append(middleware.RateLimit(s.deps.Limiter, middleware.RateLimitConfig{
		FailOpen: s.cfg.Rate.FailOpen,
		Logger:   s.log,
	}))

	mux.Handle("POST /api", gated.ThenFunc(s.apiHandler.Accept))
	mux.Handle("GET /api/quota", authenticated.ThenFunc(s.apiHandler.Quota))

	s.log.Info("rate limiting enabled",
		"requests", s.cfg.Rate.Requests,
		"window", s.cfg.Rate.Window.String(),
		"mode", s.cfg.Rate.Mode,
		"fail_open", s.cfg.Rate.FailOpen,
	)
}

func notConfigured(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "rate limiter not configured", http.StatusServiceUnavailable)
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	// Listen first so Addr reports the bound port when configured with 0.
	listener, err := net.Listen("tcp", s.cfg.Server.Address())
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.running = true
	s.mu.Unlock()

	s.log.Info("server starting", "address", listener.Addr().String())

	err = s.httpServer.Serve(listener)
	if err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server. Readiness is cleared first so
// load balancers stop routing new requests while in-flight ones finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("server shutting down")
	s.healthHandler.SetReady(false)

	err := s.httpServer.Shutdown(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if err != nil {
		s.log.Error("shutdown error", "error", err)
		return err
	}

	s.log.Info("server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Addr returns the server's address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// HealthHandler returns the health handler.
func (s *Server) HealthHandler() *handlers.HealthHandler {
	return s.healthHandler
}
