package backends

import (
	"context"
	"log/slog"

	"github.com/leaseq/leaseq/internal/archive"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/maintenance"
	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/storage"
	storagememory "github.com/leaseq/leaseq/internal/storage/memory"
	s3store "github.com/leaseq/leaseq/internal/storage/s3"
)

// OpenObjectStore returns the snapshot store, or nil when none is
// configured. The test profile falls back to an in-process store.
func OpenObjectStore(ctx context.Context, cfg config.Config) (storage.ObjectStore, error) {
	if !cfg.ObjectStore.Enabled {
		if cfg.Profile == config.ProfileTest {
			return storagememory.New(), nil
		}
		return nil, nil
	}
	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewArchive returns nil when store is nil.
func NewArchive(cfg config.Config, q *queue.Queue, store storage.ObjectStore, logger *slog.Logger) *archive.Service {
	if store == nil {
		return nil
	}
	return &archive.Service{
		Queue:  q,
		Store:  store,
		Prefix: cfg.Queue.Prefix,
		Logger: logger,
	}
}

func NewMaintenance(cfg config.Config, q *queue.Queue, archiveService *archive.Service, logger *slog.Logger) *maintenance.Service {
	return &maintenance.Service{
		Queue:   q,
		Archive: archiveService,
		Config: maintenance.Config{
			SweepInterval:     cfg.Maintenance.SweepInterval,
			SnapshotInterval:  cfg.Maintenance.SnapshotInterval,
			IntegrityInterval: cfg.Maintenance.IntegrityInterval,
			KeepSnapshots:     cfg.Maintenance.KeepSnapshots,
		},
		Logger: logger,
	}
}
