// Package api serves a read-only HTTP view of dispatch state: the live
// progress of the running session, session history, dispatch logs, probes,
// recipient lists and quota usage.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/rotasend/internal/allowlist"
	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/dispatch"
	"github.com/foxzi/rotasend/internal/metrics"
	"github.com/foxzi/rotasend/internal/quota"
	"github.com/foxzi/rotasend/internal/store"
)

// StatusSource reports the progress of the running dispatch
type StatusSource interface {
	Progress() dispatch.Progress
}

// Deps are the data sources of the API. Only Store is required.
type Deps struct {
	Store   store.Store
	Status  StatusSource
	Quota   *quota.Limiter
	Metrics *metrics.Metrics
	Version string
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	store      store.Store
	status     StatusSource
	quota      *quota.Limiter
	metrics    *metrics.Metrics
	allowed    *allowlist.List
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		router:    chi.NewRouter(),
		store:     deps.Store,
		status:    deps.Status,
		quota:     deps.Quota,
		metrics:   deps.Metrics,
		allowed:   allowlist.New(cfg.AllowedIPs, logger),
		config:    cfg,
		logger:    logger,
		version:   deps.Version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.allowed.Middleware)
	s.router.Use(s.metrics.HTTPMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/quota", s.handleQuota)

		r.Get("/lists", s.handleLists)
		r.Get("/lists/{ref}", s.handleList)

		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{id}", s.handleSession)
		r.Get("/sessions/{id}/logs", s.handleSessionLogs)
		r.Get("/sessions/{id}/probes", s.handleSessionProbes)
	})
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 30*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 30*time.Second),
		IdleTimeout:  orDefault(s.config.IdleTimeout, 60*time.Second),
	}

	s.logger.Info("starting HTTP API server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
