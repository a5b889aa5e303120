// dispatchd is the HTTP API server that dispatches generation jobs to a
// remote GPU host over SSH.
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

	"gpudispatch/internal/api"
	"gpudispatch/internal/config"
	"gpudispatch/internal/container"
	"gpudispatch/internal/job"
	"gpudispatch/internal/notify"
	"gpudispatch/internal/observability"
	"gpudispatch/internal/orchestrator"
	"gpudispatch/internal/sshconn"
	"gpudispatch/internal/transfer"
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

	// Load configuration
	cfg := config.Load()
	if cfg.Host == "" {
		return fmt.Errorf("GPU_HOST is required")
	}
	if cfg.KeyPath == "" {
		return fmt.Errorf("GPU_KEY_PATH is required")
	}

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	// Open the job store
	store, err := job.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect the primary SSH session
	conn := sshconn.NewManager(sshconn.Config{
		Host:           cfg.Host,
		User:           cfg.User,
		Port:           cfg.SSHPort,
		KeyPath:        cfg.KeyPath,
		ConnectTimeout: cfg.ConnectTimeout,
	}, metrics)
	if err := conn.Connect(); err != nil {
		return err
	}
	defer conn.Close()
	slog.Info("Connected to GPU host", "host", cfg.Host, "user", cfg.User)

	// Container runner and file transfer on the primary session
	runnerCfg := container.Config{
		Image:          cfg.Image,
		RemoteRoot:     cfg.RemoteRoot,
		WorkDir:        cfg.WorkDir,
		CommandTimeout: cfg.CommandTimeout,
		BatchTimeout:   cfg.BatchTimeout,
	}
	runner := container.NewRunner(conn, runnerCfg)
	if err := runner.EnsureHost(ctx); err != nil {
		return err
	}
	files := transfer.NewService(conn, cfg.RemoteRoot, cfg.LocalRoot, cfg.TransferTimeout, metrics)

	// Optional webhook notifier
	notifier := notify.New(cfg.NotifyURL, metrics)

	// Each monitor probes on its own connection
	probers := func() (orchestrator.Prober, func() error, error) {
		peer, err := conn.Dial()
		if err != nil {
			return nil, nil, err
		}
		return container.NewRunner(peer, runnerCfg), peer.Close, nil
	}

	deps := orchestrator.Deps{
		Store:   store,
		Runner:  runner,
		Files:   files,
		Probers: probers,
		Metrics: metrics,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	orch := orchestrator.New(cfg, deps)
	orch.Start()

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Store:      store,
		Orch:       orch,
		Containers: runner,
		Conn:       conn,
		Metrics:    metrics,
		APIKey:     cfg.APIKey,
	})

	if cfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
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

	go func() {
		slog.Info("Starting API server", "port", cfg.Port)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

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

	// Let load balancers stop sending traffic before closing listeners
	if cfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", cfg.ShutdownDrainWait)
		time.Sleep(cfg.ShutdownDrainWait)
	}

	slog.Info("Starting graceful shutdown")
	shutdown(25 * time.Second)

	// Stop monitors; containers on the GPU host keep running and their jobs
	// stay marked running for a later restart to pick up.
	orchCtx, orchCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer orchCancel()
	if err := orch.Close(orchCtx); err != nil {
		slog.Warn("Orchestrator shutdown error", "error", err)
	}

	if notifier != nil {
		notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer notifyCancel()
		if err := notifier.Close(notifyCtx); err != nil {
			slog.Warn("Notifier shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete")
	return nil
}
