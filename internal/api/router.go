package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/bcnelson/stack-provisioner/internal/api/handler"
	"github.com/bcnelson/stack-provisioner/internal/api/middleware"
	"github.com/bcnelson/stack-provisioner/internal/metrics"
	"github.com/bcnelson/stack-provisioner/internal/storage"
)

// Options configures the HTTP router.
type Options struct {
	Auth    middleware.AuthConfig
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// RequestTimeout bounds each API request; zero disables it.
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(store storage.Storage, stacks handler.StackService, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger, opts.Metrics))

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := store.Ping(r.Context()); err != nil {
			logger.Error("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes (auth required, JSON Content-Type)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ContentType)
		if opts.RequestTimeout > 0 {
			r.Use(chimw.Timeout(opts.RequestTimeout))
		}
		r.Use(middleware.Auth(store, opts.Auth, logger))

		// API Keys
		keyHandler := handler.NewAPIKeyHandler(store, logger)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Post("/keys", keyHandler.Create)
			r.Get("/keys", keyHandler.List)
			r.Delete("/keys/{id}", keyHandler.Delete)
		})

		stackHandler := handler.NewStackHandler(stacks, logger)
		r.Get("/templates", stackHandler.Templates)

		// Stacks
		r.Post("/stacks/deploy", stackHandler.Deploy)
		r.Get("/stacks", stackHandler.List)

		r.Get("/stacks/{stack_id}", stackHandler.Get)
		r.Delete("/stacks/{stack_id}", stackHandler.Delete)
		r.Post("/stacks/{stack_id}/stop", stackHandler.Stop)
		r.Post("/stacks/{stack_id}/restart", stackHandler.Restart)
		r.Get("/stacks/{stack_id}/status", stackHandler.Status)
		r.Get("/stacks/{stack_id}/logs", stackHandler.Logs)
		r.Get("/stacks/{stack_id}/events", stackHandler.Events)
	})

	return r
}
