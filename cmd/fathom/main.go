// Fathom research server: hosts the session engine and its HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/fathomlabs/fathom/pkg/api"
	"github.com/fathomlabs/fathom/pkg/config"
	"github.com/fathomlabs/fathom/pkg/engine"
	"github.com/fathomlabs/fathom/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	configPath := flag.String("config",
		getEnv("FATHOM_CONFIG", "./config.yaml"),
		"Path to the YAML configuration file")
	envPath := flag.String("env",
		getEnv("FATHOM_ENV_FILE", ".env"),
		"Path to the .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Debug("No .env file loaded, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting fathom",
		"version", version.Full(),
		"listen_addr", cfg.HTTP.ListenAddr,
		"llm_vendor", cfg.Providers.LLM.Vendor)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	eng, err := engine.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}

	server := api.NewServer(eng, cfg.HTTP)
	if err := server.Run(ctx); err != nil {
		slog.Error("HTTP server error", "error", err)
	}

	eng.Close()
	slog.Info("Shutdown complete")
}
