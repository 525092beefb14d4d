package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/leaseq/leaseq/internal/backends"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("leaseq-maintenance")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	q, handle, err := backends.OpenQueue(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open queue backend", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = handle.Close() }()

	objectStore, err := backends.OpenObjectStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	svc := backends.NewMaintenance(cfg, q, backends.NewArchive(cfg, q, objectStore, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("maintenance worker started",
		slog.Duration("sweep_interval", cfg.Maintenance.SweepInterval),
		slog.Duration("snapshot_interval", cfg.Maintenance.SnapshotInterval),
		slog.Duration("integrity_interval", cfg.Maintenance.IntegrityInterval),
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("maintenance worker failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("maintenance worker stopped")
}
