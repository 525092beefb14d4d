package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaseq/leaseq/internal/backends"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/worker"
)

func main() {
	cfg, err := config.LoadFromEnv("leaseq-worker")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	shutdownTracing, err := observability.InitTracing(context.Background(), cfg, func(err error) {
		logger.Warn("tracing export failed", slog.Any("error", err))
	})
	if err != nil {
		logger.Error("failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	q, handle, err := backends.OpenQueue(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to open queue backend", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = handle.Close() }()
	if err := q.Create(context.Background()); err != nil {
		logger.Error("failed to provision queue table", slog.Any("error", err))
		os.Exit(1)
	}

	w, err := worker.New(q, worker.Config{
		Topic:        cfg.Worker.Topic,
		Concurrency:  cfg.Worker.Concurrency,
		WaitTimeout:  cfg.Worker.WaitTimeout,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, worker.LogPayload(logger), logger)
	if err != nil {
		logger.Error("failed to initialize worker", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", slog.Any("error", err))
		os.Exit(1)
	}
}
