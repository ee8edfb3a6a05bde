// jobs-service is the HTTP API server for managing container jobs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"containerops/internal/api"
	"containerops/internal/config"
	"containerops/internal/dispatcher"
	"containerops/internal/health"
	"containerops/internal/job"
	"containerops/internal/maintenance"
	"containerops/internal/notify"
	"containerops/internal/observability"
	dockerruntime "containerops/internal/runtime/docker"
	"containerops/internal/stats"
	"containerops/internal/store/memory"
	"containerops/internal/store/postgres"
	"containerops/internal/worker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load .env in development; ignore absence in production
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded .env file")
	}

	cfg := config.LoadServiceConfig()

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Create the job store
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Create the container runtime
	runtime, err := dockerruntime.NewRuntime(dockerruntime.Config{
		ImagePrefix: cfg.ImagePrefix,
	})
	if err != nil {
		return err
	}
	defer runtime.Close()

	slog.Info("Connected to Docker daemon")

	// Create health checker over the store and runtime
	healthChecker := health.NewChecker(map[string]health.ReadinessChecker{
		"store":   health.CheckFunc(store.Ping),
		"runtime": runtime,
	})

	// Create job service
	jobService := job.NewService(store, metrics, job.WithKeyTTL(cfg.KeyTTL))

	// Create the webhook notifier when a destination is configured
	var notifier *notify.Notifier
	var eventDispatcher *dispatcher.MemoryDispatcher
	if notifyCfg := notify.LoadConfigFromEnv(); notifyCfg.WebhookURL != "" {
		eventDispatcher = dispatcher.NewMemory(dispatcher.LoadConfigFromEnv(), metrics)
		notifier = notify.New(eventDispatcher, notifyCfg)
		slog.Info("Webhook notifications enabled", "destination", notifyCfg.WebhookURL)
	}

	// Start the maintenance sweeper
	sweeper := maintenance.New(store, metrics, maintenance.Config{
		RetentionDays: cfg.JobRetentionDays,
		Interval:      cfg.SweepInterval,
	})
	sweeper.Start()
	defer sweeper.Close()

	// Start the worker pool
	pool := worker.New(jobService, runtime, worker.Config{
		Workers:      cfg.Workers,
		PollInterval: cfg.PollInterval,
		Notifier:     notifier,
	})
	pool.Start()
	defer pool.Close()

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		JobService:    jobService,
		Stats:         stats.New(store),
		Metrics:       metrics,
		HealthChecker: healthChecker,
		Notifier:      notifier,
		APIKey:        cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY configured")
	}

	// Create API server
	apiServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting new connections, finish in-flight requests
	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Phase 3: Drain the webhook dispatcher
	if eventDispatcher != nil {
		slog.Info("Draining webhook dispatcher")
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer drainCancel()
		if err := eventDispatcher.Close(drainCtx); err != nil {
			slog.Warn("Dispatcher shutdown error", "error", err)
		}
		dispatchStats := eventDispatcher.Stats()
		slog.Info("Dispatcher stats",
			"delivered", dispatchStats.Delivered,
			"failed", dispatchStats.Failed,
			"dropped", dispatchStats.Dropped,
		)
	}

	// Workers and the sweeper drain via the deferred Close calls. Pending
	// jobs stay in the store and are picked up on the next start.
	slog.Info("Shutdown complete")
	return nil
}

// newStore builds the configured job store backend.
func newStore(ctx context.Context, cfg *config.ServiceConfig) (job.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		slog.Info("Using in-memory job store")
		return memory.New(), nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres backend")
		}
		store, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("Connected to Postgres job store")
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
