package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/fisaks/obdgw/internal/config"
	"github.com/fisaks/obdgw/internal/connection"
	"github.com/fisaks/obdgw/internal/gateway"
	"github.com/fisaks/obdgw/internal/logging"
	"github.com/fisaks/obdgw/internal/storage"
	"github.com/joho/godotenv"
)

var version = "dev"

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logging.Warn("Failed to read .env", "error", err)
	}
	logging.Init()

	path := getenv("OBDGW_CONFIG_PATH", "/etc/obdgw/gateway.json")
	cfg, err := config.LoadGatewayConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		logging.Warn("No gateway config, using defaults", "path", path)
		cfg, err = config.Default(), nil
	}
	if err != nil {
		logging.Fatal("Gateway config error", "error", err)
	}
	if url := os.Getenv("MQTT_URL"); url != "" {
		cfg.MQTT.URL = url
	}

	logging.Info("Loaded config",
		"transport", cfg.Transport.Type,
		"pollMs", cfg.PollIntervalMs,
		"reportMs", cfg.ReportIntervalMs,
		"sink", cfg.Sink,
		"storage", cfg.Storage.Backend,
	)

	store, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Dir, cfg.Storage.BoltPath)
	if err != nil {
		logging.Fatal("Storage init failed", "error", err)
	}
	defer store.Close()

	gw, err := gateway.New(cfg, gateway.Deps{Store: store, Version: version})
	if err != nil {
		logging.Fatal("Gateway init failed", "error", err)
	}

	// Wait for SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = gw.Run(ctx)
	switch {
	case errors.Is(err, connection.ErrSleepRequested):
		// the host resumes with a fresh process
		logging.Info("Woke from sleep, exiting for restart")
	case errors.Is(err, context.Canceled):
		logging.Info("Shutting down")
	case err != nil:
		logging.Error("Gateway stopped", "error", err)
		store.Close()
		os.Exit(1)
	}
	logging.Info("bye")
}
