// Livewire runtime server — accepts WebSocket client connections and hosts
// the server-authoritative component tree behind them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codeready-toolchain/livewire/pkg/config"
	"github.com/codeready-toolchain/livewire/pkg/server"
	"github.com/codeready-toolchain/livewire/pkg/store"
	"github.com/codeready-toolchain/livewire/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	addr := ":" + httpPort

	slog.Info("Starting livewire",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Configuration
	cfg, err := config.Load(filepath.Join(*configDir, "livewire.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Persistence sink
	var sink store.Sink = store.NopSink{}
	if cfg.Store.Enabled {
		pg, err := store.NewPostgresSink(ctx, cfg.StoreDSN(), slog.Default())
		if err != nil {
			slog.Error("Failed to connect to PostgreSQL sink", "error", err)
			os.Exit(1)
		}
		sink = pg
		slog.Info("Connected to PostgreSQL operation log")
	} else {
		slog.Info("Persistence disabled, operations are not retained")
	}

	// 3. Assemble the runtime
	srv := server.NewServer(cfg, addr, sink, slog.Default())

	// 4. Register the built-in component catalog
	if err := registerComponents(srv.Registry()); err != nil {
		slog.Error("Failed to register component types", "error", err)
		os.Exit(1)
	}

	// 5. Start (non-blocking) and wait for a signal or a listener error
	errCh := srv.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error triggered shutdown", "error", err)
		}
	}

	// 6. Graceful shutdown with a bounded budget
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
}
