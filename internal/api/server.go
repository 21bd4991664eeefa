// Package api is the admin HTTP interface of scanqd: queue inspection and
// mutation, runtime settings, Prometheus metrics and a live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/scanq/internal/auth"
	"github.com/mattjoyce/scanq/internal/catalog"
	"github.com/mattjoyce/scanq/internal/events"
	"github.com/mattjoyce/scanq/internal/queue"
	"github.com/mattjoyce/scanq/internal/scheduler"
)

// Canceller removes an entry and stops its handler. *scheduler.Scheduler
// implements it.
type Canceller interface {
	Cancel(ctx context.Context, report string) (*queue.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single bearer token with full access.
	APIKey string
	Tokens []auth.TokenConfig
}

// Deps are the collaborators the handlers call into. Catalog, Events and
// Metrics are optional.
type Deps struct {
	Store     queue.Store
	Catalog   catalog.Catalog
	Canceller Canceller
	Settings  *scheduler.Settings
	Events    *events.Hub
	Metrics   http.Handler
}

type Server struct {
	config    Config
	deps      Deps
	keyring   *auth.Keyring
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

func New(config Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		deps:      deps,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler builds the router. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		read := s.requireScopes(auth.ScopeQueueRead, auth.ScopeQueueWrite)
		write := s.requireScopes(auth.ScopeQueueWrite)

		r.With(read).Get("/queue", s.handleListQueue)
		r.With(read).Get("/queue/length", s.handleQueueLength)
		r.With(read).Get("/queue/{report}", s.handleGetEntry)
		r.With(write).Post("/queue", s.handleEnqueue)
		r.With(write).Delete("/queue", s.handleClearQueue)
		r.With(write).Delete("/queue/{report}", s.handleCancel)
		r.With(write).Post("/queue/{report}/requeue", s.handleRequeue)

		r.With(read).Get("/settings", s.handleGetSettings)
		r.With(s.requireScopes(auth.ScopeSettingsWrite)).Put("/settings", s.handlePutSettings)

		r.With(read).Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
