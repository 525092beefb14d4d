package backends

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/queue"
)

func TestOpenMemoryAndSQLite(t *testing.T) {
	ctx := context.Background()
	for _, tc := range []struct {
		name string
		cfg  config.BackendConfig
	}{
		{name: "memory", cfg: config.BackendConfig{Driver: "memory"}},
		{name: "sqlite", cfg: config.BackendConfig{Driver: "SQLite", DSN: filepath.Join(t.TempDir(), "q.db")}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			handle, err := Open(ctx, tc.cfg, "leaseq", "test")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer func() { _ = handle.Close() }()
			if handle.Driver != tc.name {
				t.Fatalf("Driver = %q, want %q", handle.Driver, tc.name)
			}
			if err := handle.Backend.ProvisionSchema(ctx); err != nil {
				t.Fatalf("ProvisionSchema() error = %v", err)
			}
		})
	}
}

func TestOpenRejectsUnknownDriverAndBadPrefix(t *testing.T) {
	if _, err := Open(context.Background(), config.BackendConfig{Driver: "mysql"}, "leaseq", "test"); err == nil {
		t.Fatal("Open() expected error for unknown driver")
	}
	if _, err := Open(context.Background(), config.BackendConfig{Driver: "memory"}, "bad prefix", "test"); err == nil {
		t.Fatal("Open() expected error for invalid prefix")
	}
}

func TestQueueOptionsMapsWaitForever(t *testing.T) {
	opts := QueueOptions(config.QueueConfig{
		AcquireTimeout: 30 * time.Second,
		DefaultTimeout: config.WaitForever,
		PollInterval:   time.Second,
		MaxPayloadSize: 512,
	}, observability.DiscardLogger())
	if opts.DefaultTimeout != queue.Forever {
		t.Fatalf("DefaultTimeout = %s, want Forever", opts.DefaultTimeout)
	}
	if opts.AcquireTimeout != 30*time.Second || opts.MaxPayloadSize != 512 {
		t.Fatalf("QueueOptions() = %+v", opts)
	}
}

func TestOpenQueueUsesTestProfile(t *testing.T) {
	cfg, err := config.Load("leaseq-test", func(key string) (string, bool) {
		if key == "LEASEQ_PROFILE" {
			return "test", true
		}
		return "", false
	})
	if err != nil {
		t.Fatalf("config.Load() error = %v", err)
	}
	q, handle, err := OpenQueue(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}
	defer func() { _ = handle.Close() }()
	if q.Options().DefaultPollInterval != cfg.Queue.PollInterval {
		t.Fatalf("poll interval = %s, want %s", q.Options().DefaultPollInterval, cfg.Queue.PollInterval)
	}
}

func TestOpenObjectStoreByProfile(t *testing.T) {
	ctx := context.Background()

	cfg := config.Config{Profile: config.ProfileDev}
	store, err := OpenObjectStore(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenObjectStore() error = %v", err)
	}
	if store != nil {
		t.Fatalf("OpenObjectStore() = %T, want nil when disabled", store)
	}
	if svc := NewArchive(cfg, nil, store, nil); svc != nil {
		t.Fatal("NewArchive() expected nil without a store")
	}

	cfg.Profile = config.ProfileTest
	store, err = OpenObjectStore(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenObjectStore() error = %v", err)
	}
	if store == nil {
		t.Fatal("OpenObjectStore() expected in-process store for test profile")
	}
	cfg.Queue.Prefix = "leaseq"
	svc := NewArchive(cfg, nil, store, nil)
	if svc == nil || svc.Prefix != "leaseq" {
		t.Fatalf("NewArchive() = %+v", svc)
	}
}

func TestNewMaintenanceCopiesIntervals(t *testing.T) {
	cfg := config.Config{Maintenance: config.MaintenanceConfig{
		SweepInterval:     time.Second,
		SnapshotInterval:  time.Minute,
		KeepSnapshots:     2,
		IntegrityInterval: time.Hour,
	}}
	svc := NewMaintenance(cfg, nil, nil, nil)
	if svc.Config.SweepInterval != time.Second || svc.Config.SnapshotInterval != time.Minute ||
		svc.Config.KeepSnapshots != 2 || svc.Config.IntegrityInterval != time.Hour {
		t.Fatalf("Config = %+v", svc.Config)
	}
}
