// Corebank - Event-sourced account ledger with CQRS read models
package main

import (
	"context"
	"os"

	"github.com/mbd888/corebank/internal/config"
	"github.com/mbd888/corebank/internal/logging"
	"github.com/mbd888/corebank/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("starting corebank",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	storage := "in-memory"
	if cfg.UsePostgres() {
		storage = "postgres"
	}
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage", storage,
		"projector_batch_size", cfg.ProjectorBatchSize,
		"projector_poll_interval", cfg.ProjectorPollInterval,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
