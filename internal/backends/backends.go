// Package backends builds a queue.Backend from configuration.
package backends

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/queue/duckdb"
	"github.com/leaseq/leaseq/internal/queue/memory"
	"github.com/leaseq/leaseq/internal/queue/postgres"
	"github.com/leaseq/leaseq/internal/queue/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverDuckDB   = "duckdb"
	DriverMemory   = "memory"
)

// Handle owns an opened backend.
type Handle struct {
	Driver  string
	Backend queue.Backend
	close   func() error
}

func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	return h.close()
}

// Open connects the configured driver. applicationName tags Postgres
// sessions and is ignored elsewhere.
func Open(ctx context.Context, cfg config.BackendConfig, prefix, applicationName string) (*Handle, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverPostgres:
		store, err := postgres.Open(ctx, postgres.Config{
			DSN:             cfg.DSN,
			Prefix:          prefix,
			ApplicationName: applicationName,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		return &Handle{Driver: driver, Backend: store, close: store.Close}, nil
	case DriverSQLite:
		store, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.DSN, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		return &Handle{Driver: driver, Backend: store, close: store.Close}, nil
	case DriverDuckDB:
		store, err := duckdb.Open(ctx, duckdb.Config{Path: cfg.DSN, Prefix: prefix})
		if err != nil {
			return nil, err
		}
		return &Handle{Driver: driver, Backend: store, close: store.Close}, nil
	case DriverMemory:
		if _, err := queue.TableName(prefix); err != nil {
			return nil, err
		}
		return &Handle{Driver: driver, Backend: memory.New()}, nil
	default:
		return nil, fmt.Errorf("unsupported backend driver %q", cfg.Driver)
	}
}

// QueueOptions maps queue configuration onto queue.Options.
func QueueOptions(cfg config.QueueConfig, logger *slog.Logger) queue.Options {
	opts := queue.Options{
		AcquireTimeout:      cfg.AcquireTimeout,
		DefaultTimeout:      cfg.DefaultTimeout,
		DefaultPollInterval: cfg.PollInterval,
		MaxPayloadSize:      cfg.MaxPayloadSize,
		Logger:              logger,
	}
	if cfg.DefaultTimeout == config.WaitForever {
		opts.DefaultTimeout = queue.Forever
	}
	return opts
}

// OpenQueue opens the backend and wraps it in a Queue.
func OpenQueue(ctx context.Context, cfg config.Config, logger *slog.Logger) (*queue.Queue, *Handle, error) {
	handle, err := Open(ctx, cfg.Backend, cfg.Queue.Prefix, cfg.Service.Name)
	if err != nil {
		return nil, nil, err
	}
	q, err := queue.New(handle.Backend, QueueOptions(cfg.Queue, logger))
	if err != nil {
		_ = handle.Close()
		return nil, nil, err
	}
	return q, handle, nil
}
