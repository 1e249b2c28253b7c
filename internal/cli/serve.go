package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/bcnelson/stack-provisioner/internal/api"
	"github.com/bcnelson/stack-provisioner/internal/api/middleware"
	"github.com/bcnelson/stack-provisioner/internal/config"
	"github.com/bcnelson/stack-provisioner/internal/lock"
	"github.com/bcnelson/stack-provisioner/internal/metrics"
	"github.com/bcnelson/stack-provisioner/internal/notify"
	"github.com/bcnelson/stack-provisioner/internal/platform"
	"github.com/bcnelson/stack-provisioner/internal/render"
	"github.com/bcnelson/stack-provisioner/internal/service"
	sqlstore "github.com/bcnelson/stack-provisioner/internal/storage/sql"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the REST API and the reconciliation workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger := fromContext(cmd.Context())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := ensureDataDir(cfg.Database.Driver, cfg.Database.DSN); err != nil {
		return err
	}

	// Initialize storage
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	if n, err := store.CountAPIKeys(ctx); err == nil && n == 0 {
		logger.Info("no API keys configured; use the admin secret to create one")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	orch, err := newOrchestrator(cfg, m, logger)
	if err != nil {
		return err
	}

	renderer, err := render.New(cfg.Provisioner)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	locker, closeLocker, err := newLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer publisher.Close()

	svc := service.NewStackService(store, orch, renderer, service.Options{
		ProjectPrefix:    cfg.Provisioner.ProjectPrefix,
		PollInterval:     cfg.Provisioner.PollInterval,
		PollMaxAttempts:  cfg.Provisioner.PollMaxAttempts,
		OperationTimeout: cfg.Provisioner.OperationTimeout,
		Locker:           locker,
		Publisher:        publisher,
		Metrics:          m,
		Logger:           logger,
	})
	defer svc.Shutdown()

	router := api.NewRouter(store, svc, api.Options{
		Auth: middleware.AuthConfig{
			AdminSecret: cfg.Auth.AdminSecret,
			JWTSecret:   cfg.Auth.JWTSecret,
		},
		Metrics:        m,
		Logger:         logger,
		RequestTimeout: cfg.Provisioner.OperationTimeout,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Provisioner.OperationTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting stack provisioner", "addr", "http://"+cfg.Server.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", cfg.Server.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down server")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("server stopped")
	return runErr
}

func newOrchestrator(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (platform.Orchestrator, error) {
	if cfg.UseShim() {
		logger.Warn("using local platform shim", "dir", cfg.Platform.ShimDir)
		shim, err := platform.NewShim(cfg.Platform.ShimDir, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing platform shim: %w", err)
		}
		return shim, nil
	}
	return platform.New(cfg.Platform, platform.WithMetrics(m), platform.WithLogger(logger)), nil
}

func newLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lock.Locker, func(), error) {
	if cfg.Lock.RedisURL == "" {
		return lock.NewLocal(), func() {}, nil
	}

	client, err := lock.Connect(ctx, cfg.Lock.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("using redis stack locks", "ttl", cfg.Lock.TTL)
	return lock.NewRedis(client, cfg.Lock.TTL, logger), func() { _ = client.Close() }, nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (notify.Publisher, error) {
	if cfg.Events.AMQPURL == "" {
		return notify.Noop{}, nil
	}

	publisher, err := notify.DialAMQP(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("publishing lifecycle events", "exchange", cfg.Events.Exchange)
	return publisher, nil
}

// ensureDataDir creates the directory holding a SQLite database file.
func ensureDataDir(driver, dsn string) error {
	if driver != "sqlite3" || dsn == "" || strings.HasPrefix(dsn, ":memory:") {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %q: %w", dir, err)
		}
	}
	return nil
}
