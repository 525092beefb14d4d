package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leaseq/leaseq/internal/api"
	"github.com/leaseq/leaseq/internal/auth"
	"github.com/leaseq/leaseq/internal/backends"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/observability"
)

func main() {
	cfg, err := config.LoadFromEnv("leaseq-api")
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

	objectStore, err := backends.OpenObjectStore(context.Background(), cfg)
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}
	archiveService := backends.NewArchive(cfg, q, objectStore, logger)

	deps := api.Dependencies{
		Logger:      logger,
		Queue:       q,
		Maintenance: backends.NewMaintenance(cfg, q, archiveService, logger),
		Readiness: api.CombineReadinessChecks(
			api.CheckQueueBackend(q),
			api.CheckObjectStoreConfig(cfg),
		),
		DependencyTimeout: time.Second,
	}
	if archiveService != nil {
		deps.Archive = archiveService
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		if validator.Len() == 0 {
			logger.Warn("auth is required but no static keys are configured; every protected request will be rejected")
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("backend", handle.Driver),
			slog.Bool("snapshots", archiveService != nil),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
