// Package app wires the configured components together and runs them
// under one signal-aware context.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/rotasend/internal/api"
	"github.com/foxzi/rotasend/internal/config"
	"github.com/foxzi/rotasend/internal/dispatch"
	"github.com/foxzi/rotasend/internal/metrics"
	"github.com/foxzi/rotasend/internal/probe"
	"github.com/foxzi/rotasend/internal/quota"
	"github.com/foxzi/rotasend/internal/render"
	"github.com/foxzi/rotasend/internal/store"
	"github.com/foxzi/rotasend/internal/transport"
)

// shutdownTimeout bounds how long servers get to drain
const shutdownTimeout = 10 * time.Second

// App is the main application
type App struct {
	config        *config.Config
	store         store.Store
	transport     transport.Transport
	renderer      *render.Renderer
	prober        *probe.Prober
	quota         *quota.Limiter
	metrics       *metrics.Metrics
	engine        *dispatch.Engine
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
	version       string
}

// Options tweak how the application is built
type Options struct {
	Version string
	// Logger overrides the logger built from the logging config
	Logger *slog.Logger
	// Transport overrides the configured transport
	Transport transport.Transport
}

// New creates the application. The caller must Close it.
func New(cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(cfg.Logging, os.Stderr)
	}

	st, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	tr := opts.Transport
	if tr == nil {
		tr, err = transport.New(cfg, logger.With("component", "transport"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
	}

	a := &App{
		config:    cfg,
		store:     st,
		transport: tr,
		logger:    logger,
		version:   opts.Version,
	}

	a.renderer = render.New(render.Options{
		Mailer: cfg.Server.Mailer,
		Rules:  cfg.HeaderRules,
	})

	if cfg.Dispatch.Probes() {
		a.prober = probe.NewProber(cfg.Dispatch.ProbeAudience, a.renderer, tr, st, logger.With("component", "probe"))
		logger.Debug("probes enabled", "audience", len(cfg.Dispatch.ProbeAudience), "interval", cfg.Dispatch.ProbeInterval)
	}

	a.quota = quota.New(cfg.Quota, st, nil)
	if a.quota != nil {
		logger.Info("sending quota enabled")
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		if err := a.metrics.Register(metrics.NewStoreCollector(st, logger.With("component", "metrics"))); err != nil {
			logger.Warn("failed to register store collector", "error", err)
		}
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics, logger.With("component", "metrics"))
	}

	a.engine, err = dispatch.New(cfg.Dispatch, dispatch.Deps{
		Store:     st,
		Transport: tr,
		Renderer:  a.renderer,
		Prober:    a.prober,
		Quota:     a.quota,
		Metrics:   a.metrics,
		Logger:    logger.With("component", "dispatch"),
		Hostname:  cfg.Server.Hostname,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(api.Deps{
			Store:   st,
			Status:  a.engine,
			Quota:   a.quota,
			Metrics: a.metrics,
			Version: opts.Version,
		}, &cfg.API, logger.With("component", "api"))
	}

	return a, nil
}

// Config returns the application configuration
func (a *App) Config() *config.Config { return a.config }

// Store returns the state store
func (a *App) Store() store.Store { return a.store }

// Renderer returns the message renderer
func (a *App) Renderer() *render.Renderer { return a.renderer }

// Transport returns the configured transport
func (a *App) Transport() transport.Transport { return a.transport }

// Engine returns the dispatch engine
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Logger returns the application logger
func (a *App) Logger() *slog.Logger { return a.logger }

// Dispatch runs one dispatch session with the status servers alongside.
// SIGINT and SIGTERM interrupt the session, which is then checkpointed as
// INTERRUPTED.
func (a *App) Dispatch(ctx context.Context, opts dispatch.Options) (*dispatch.Result, error) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := a.startServers()
	defer a.stopServers()

	// a failing status server never stops the dispatch
	go func() {
		select {
		case err := <-errCh:
			a.logger.Error("server error", "error", err)
		case <-ctx.Done():
		}
	}()

	return a.engine.Run(ctx, opts)
}

// Serve runs the status servers until ctx is cancelled or a signal arrives
func (a *App) Serve(ctx context.Context) error {
	if a.apiServer == nil && a.metricsServer == nil {
		return errors.New("neither api nor metrics is enabled")
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.logger.Info("starting rotasend status servers",
		"api", a.apiServer != nil,
		"api_addr", a.config.API.ListenAddr,
		"metrics", a.metricsServer != nil,
		"metrics_addr", a.config.Metrics.ListenAddr,
	)
	errCh := a.startServers()

	var err error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err = <-errCh:
		a.logger.Error("server error", "error", err)
	}

	a.stopServers()
	return err
}

func (a *App) startServers() <-chan error {
	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	return errCh
}

func (a *App) stopServers() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(ctx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}
}

// Close releases the transport and the store
func (a *App) Close() error {
	var errs []error
	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}

// NewLogger creates a logger based on configuration
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
