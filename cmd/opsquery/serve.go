package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/aescanero/opsquery/internal/config"
	"github.com/aescanero/opsquery/pkg/api/http"
	"github.com/aescanero/opsquery/pkg/api/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API. Configuration comes from the environment
(OPSQUERY_HTTP_PORT, TRACE_STORE, EVENT_BUS, REDIS_*, BUDGET_*, EXECUTOR_*,
CONTROL_LOOP_*, NEO4J_*, HISTORY_DB_PATH, POLICY_FILE).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := initLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("starting opsquery",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("trace_store", cfg.TraceStore),
		zap.String("event_bus", cfg.EventBus))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.health.Start()
	defer a.health.Stop()

	a.sessions.StartEviction(cfg.ControlLoop.SessionSweepInterval, cfg.ControlLoop.SessionIdleTTL)
	defer a.sessions.Stop()

	httpServer := http.NewServer(&http.Config{
		Port:     cfg.HTTPPort,
		Manager:  a.manager,
		Health:   a.health,
		Gatherer: a.registry,
		Logger:   logger,
	})
	httpServer.SetupWebSocket(websocket.NewHandler(a.bus, a.store, logger))

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	logger.Info("opsquery started",
		zap.Int("http_port", cfg.HTTPPort),
		zap.Int("max_concurrent", cfg.Executor.MaxConcurrent))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := a.manager.Shutdown(shutdownCtx); err != nil {
		logger.Error("request manager shutdown error", zap.Error(err))
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	logger.Info("opsquery shut down complete")
	return nil
}
