// flowpay-realtime server — processes queued transactions, dispatches
// domain events, and serves the realtime WebSocket and admin API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowpay/realtime/pkg/api"
	"github.com/flowpay/realtime/pkg/config"
	"github.com/flowpay/realtime/pkg/events"
	"github.com/flowpay/realtime/pkg/hub"
	"github.com/flowpay/realtime/pkg/queue"
	"github.com/flowpay/realtime/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", "./config.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting flowpay-realtime",
		"version", version.GitCommit,
		"config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	// Wiring order follows the event flow: the hub receives dispatched
	// events, the bus dispatches into the hub, and the queue emits
	// lifecycle events through the bus.
	connHub := hub.NewConnectionHub(cfg.Hub, nil)
	bus := events.NewBus(cfg.Bus, connHub)
	txQueue, err := queue.New(cfg.Queue, bus)
	if err != nil {
		slog.Error("Failed to create transaction queue", "error", err)
		os.Exit(1)
	}

	connHub.Start(ctx)
	bus.Start(ctx)
	txQueue.Start(ctx)

	httpServer := api.NewServer(cfg, txQueue, bus, connHub)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("flowpay-realtime started",
		"max_concurrent", cfg.Queue.MaxConcurrentProcessing,
		"dispatch_interval", cfg.Bus.DispatchInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop intake first so no new work arrives while the queue drains.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Queue drain is bounded by its own graceful shutdown timeout.
	done := make(chan struct{})
	go func() {
		txQueue.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Transaction queue drained")
	case <-time.After(cfg.Queue.GracefulShutdownTimeout + time.Second):
		slog.Warn("Transaction queue shutdown timeout exceeded")
	}

	bus.Shutdown()
	connHub.Shutdown()

	slog.Info("Shutdown complete")
}
