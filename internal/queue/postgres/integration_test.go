//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/queue/queuetest"
)

func TestPostgresBackendContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("LEASEQ_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("LEASEQ_TEST_POSTGRES_DSN is not set")
	}

	var seq int
	queuetest.Run(t, queuetest.Harness{
		New: func(t *testing.T) queue.Backend {
			seq++
			prefix := fmt.Sprintf("it_%d_%d", time.Now().UnixNano()%1_000_000_000, seq)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			store, err := Open(ctx, Config{DSN: dsn, Prefix: prefix, ApplicationName: "leaseq-integration", MaxOpenConns: 16})
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			t.Cleanup(func() {
				cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cleanupCancel()
				_ = store.DropSchema(cleanupCtx)
				_ = store.Close()
			})
			return store
		},
	})
}
