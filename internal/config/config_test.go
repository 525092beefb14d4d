package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	lookup := mapLookup(map[string]string{})
	cfg, err := Load("leaseq-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Auth.Required {
		t.Fatal("Auth.Required should default to false in dev")
	}
	if cfg.Backend.Driver != "sqlite" {
		t.Fatalf("Backend.Driver = %q", cfg.Backend.Driver)
	}
	if cfg.Queue.Prefix != "leaseq" {
		t.Fatalf("Queue.Prefix = %q", cfg.Queue.Prefix)
	}
	if cfg.Queue.AcquireTimeout != 60*time.Second {
		t.Fatalf("Queue.AcquireTimeout = %s", cfg.Queue.AcquireTimeout)
	}
	if cfg.Queue.DefaultTimeout != WaitForever {
		t.Fatalf("Queue.DefaultTimeout = %s, want forever", cfg.Queue.DefaultTimeout)
	}
	if cfg.Queue.PollInterval != time.Second {
		t.Fatalf("Queue.PollInterval = %s", cfg.Queue.PollInterval)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.ObjectStore.Enabled {
		t.Fatal("ObjectStore.Enabled should default to false")
	}
	if cfg.Maintenance.SnapshotInterval != 0 {
		t.Fatalf("Maintenance.SnapshotInterval = %s", cfg.Maintenance.SnapshotInterval)
	}
}

func TestLoadProfileDefaults(t *testing.T) {
	prod, err := Load("leaseq-api", mapLookup(map[string]string{"LEASEQ_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load(prod) error = %v", err)
	}
	if !prod.Auth.Required {
		t.Fatal("Auth.Required should default to true in prod")
	}
	if prod.Backend.Driver != "postgres" {
		t.Fatalf("prod Backend.Driver = %q", prod.Backend.Driver)
	}
	if prod.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("prod LogLevel = %v", prod.Observability.LogLevel)
	}
	if !prod.ObjectStore.UseSSL || prod.ObjectStore.AutoCreateBucket {
		t.Fatalf("prod ObjectStore = %+v", prod.ObjectStore)
	}

	test, err := Load("leaseq-api", mapLookup(map[string]string{"LEASEQ_PROFILE": "TEST"}))
	if err != nil {
		t.Fatalf("Load(test) error = %v", err)
	}
	if test.Backend.Driver != "memory" {
		t.Fatalf("test Backend.Driver = %q", test.Backend.Driver)
	}
	if test.HTTP.Address != ":18080" {
		t.Fatalf("test HTTP.Address = %q", test.HTTP.Address)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"LEASEQ_PROFILE":                       "test",
		"LEASEQ_SERVICE_NAME":                  "leaseq-custom",
		"LEASEQ_HTTP_ADDR":                     ":9999",
		"LEASEQ_HTTP_READ_TIMEOUT":             "2s",
		"LEASEQ_BACKEND_DRIVER":                "postgres",
		"LEASEQ_BACKEND_DSN":                   "postgres://example",
		"LEASEQ_BACKEND_MAX_OPEN_CONNS":        "42",
		"LEASEQ_QUEUE_PREFIX":                  "jobs",
		"LEASEQ_QUEUE_ACQUIRE_TIMEOUT":         "15s",
		"LEASEQ_QUEUE_DEFAULT_TIMEOUT":         "3s",
		"LEASEQ_QUEUE_POLL_INTERVAL":           "250ms",
		"LEASEQ_QUEUE_MAX_PAYLOAD_SIZE":        "2048",
		"LEASEQ_WORKER_TOPIC":                  "7",
		"LEASEQ_WORKER_CONCURRENCY":            "9",
		"LEASEQ_WORKER_WAIT_TIMEOUT":           "forever",
		"LEASEQ_MAINTENANCE_SWEEP_INTERVAL":    "11s",
		"LEASEQ_MAINTENANCE_SNAPSHOT_INTERVAL": "1h",
		"LEASEQ_OBJECTSTORE_ENABLED":           "true",
		"LEASEQ_OBJECTSTORE_BUCKET":            "leaseq-prod",
		"LEASEQ_OBJECTSTORE_PREFIX":            "backups",
		"LEASEQ_LOG_LEVEL":                     "error",
		"LEASEQ_TRACING_ENDPOINT":              "http://otel:4318",
		"LEASEQ_TRACING_INSECURE":              "true",
		"LEASEQ_AUTH_REQUIRED":                 "true",
		"LEASEQ_AUTH_STATIC_KEYS":              "k1:svc:producer",
	})
	cfg, err := Load("leaseq-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "leaseq-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Backend.Driver != "postgres" || cfg.Backend.DSN != "postgres://example" || cfg.Backend.MaxOpenConns != 42 {
		t.Fatalf("Backend = %+v", cfg.Backend)
	}
	if cfg.Queue.Prefix != "jobs" {
		t.Fatalf("Queue.Prefix = %q", cfg.Queue.Prefix)
	}
	if cfg.Queue.AcquireTimeout != 15*time.Second {
		t.Fatalf("Queue.AcquireTimeout = %s", cfg.Queue.AcquireTimeout)
	}
	if cfg.Queue.DefaultTimeout != 3*time.Second {
		t.Fatalf("Queue.DefaultTimeout = %s", cfg.Queue.DefaultTimeout)
	}
	if cfg.Queue.PollInterval != 250*time.Millisecond {
		t.Fatalf("Queue.PollInterval = %s", cfg.Queue.PollInterval)
	}
	if cfg.Queue.MaxPayloadSize != 2048 {
		t.Fatalf("Queue.MaxPayloadSize = %d", cfg.Queue.MaxPayloadSize)
	}
	if cfg.Worker.Topic != 7 || cfg.Worker.Concurrency != 9 || cfg.Worker.WaitTimeout != WaitForever {
		t.Fatalf("Worker = %+v", cfg.Worker)
	}
	if cfg.Maintenance.SweepInterval != 11*time.Second || cfg.Maintenance.SnapshotInterval != time.Hour {
		t.Fatalf("Maintenance = %+v", cfg.Maintenance)
	}
	if !cfg.ObjectStore.Enabled || cfg.ObjectStore.Bucket != "leaseq-prod" || cfg.ObjectStore.Prefix != "backups" {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Observability.TracingEndpoint != "http://otel:4318" || !cfg.Observability.TracingInsecure {
		t.Fatalf("Observability = %+v", cfg.Observability)
	}
	if !cfg.Auth.Required || cfg.Auth.StaticKeys != "k1:svc:producer" {
		t.Fatalf("Auth = %+v", cfg.Auth)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"LEASEQ_PROFILE": "oops"},
		{"LEASEQ_HTTP_READ_TIMEOUT": "NaN"},
		{"LEASEQ_BACKEND_DRIVER": "mysql"},
		{"LEASEQ_BACKEND_DSN": ""},
		{"LEASEQ_BACKEND_MAX_OPEN_CONNS": "oops"},
		{"LEASEQ_QUEUE_PREFIX": ""},
		{"LEASEQ_QUEUE_ACQUIRE_TIMEOUT": "0s"},
		{"LEASEQ_QUEUE_DEFAULT_TIMEOUT": "-5s"},
		{"LEASEQ_QUEUE_POLL_INTERVAL": "0s"},
		{"LEASEQ_QUEUE_MAX_PAYLOAD_SIZE": "-1"},
		{"LEASEQ_WORKER_TOPIC": "-3"},
		{"LEASEQ_WORKER_CONCURRENCY": "0"},
		{"LEASEQ_AUTH_REQUIRED": "not-bool"},
		{"LEASEQ_LOG_LEVEL": "verbose"},
	}
	for _, env := range tests {
		_, err := Load("leaseq-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestParseYAMLFlattensSections(t *testing.T) {
	lookup, err := ParseYAML([]byte(`
profile: test
queue:
  prefix: jobs
  acquire_timeout: 45s
  default_timeout: forever
backend:
  driver: sqlite
  dsn: /var/lib/leaseq.db
worker:
  concurrency: 3
`))
	if err != nil {
		t.Fatalf("ParseYAML() error = %v", err)
	}
	cfg, err := Load("leaseq-worker", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileTest {
		t.Fatalf("Profile = %q", cfg.Profile)
	}
	if cfg.Queue.Prefix != "jobs" || cfg.Queue.AcquireTimeout != 45*time.Second || cfg.Queue.DefaultTimeout != WaitForever {
		t.Fatalf("Queue = %+v", cfg.Queue)
	}
	if cfg.Backend.Driver != "sqlite" || cfg.Backend.DSN != "/var/lib/leaseq.db" {
		t.Fatalf("Backend = %+v", cfg.Backend)
	}
	if cfg.Worker.Concurrency != 3 {
		t.Fatalf("Worker.Concurrency = %d", cfg.Worker.Concurrency)
	}
}

func TestChainPrefersEarlierLookups(t *testing.T) {
	env := mapLookup(map[string]string{"LEASEQ_QUEUE_PREFIX": "from_env"})
	path := filepath.Join(t.TempDir(), "leaseq.yaml")
	if err := os.WriteFile(path, []byte("queue:\n  prefix: from_file\n  poll_interval: 2s\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	file, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	cfg, err := Load("leaseq-api", Chain(env, file))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.Prefix != "from_env" {
		t.Fatalf("Queue.Prefix = %q, want from_env", cfg.Queue.Prefix)
	}
	if cfg.Queue.PollInterval != 2*time.Second {
		t.Fatalf("Queue.PollInterval = %s, want 2s", cfg.Queue.PollInterval)
	}
}

func TestParseYAMLRejectsLists(t *testing.T) {
	if _, err := ParseYAML([]byte("auth:\n  static_keys:\n    - a\n    - b\n")); err == nil {
		t.Fatal("ParseYAML() expected error for list value")
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
