package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/leaseq/leaseq/internal/archive"
	"github.com/leaseq/leaseq/internal/backends"
	"github.com/leaseq/leaseq/internal/config"
	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/queue"
)

func main() {
	action := flag.String("action", "", "create|destroy|export|import|list|sweep|verify")
	key := flag.String("key", "", "snapshot key for -action import")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall timeout")
	flag.Parse()

	cfg, err := config.LoadFromEnv("leaseq-admin")
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	q, handle, err := backends.OpenQueue(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backend open error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = handle.Close() }()

	if err := run(ctx, cfg, q, *action, *key); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", *action, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, q *queue.Queue, action, key string) error {
	switch action {
	case "create":
		if err := q.Create(ctx); err != nil {
			return err
		}
		fmt.Printf("queue table for prefix %q is ready\n", cfg.Queue.Prefix)
		return nil
	case "destroy":
		if err := q.Destroy(ctx); err != nil {
			return err
		}
		fmt.Printf("queue table for prefix %q dropped\n", cfg.Queue.Prefix)
		return nil
	case "sweep":
		summary, err := backends.NewMaintenance(cfg, q, nil, nil).RunSweepOnce(ctx)
		if err != nil {
			return err
		}
		return printJSON(summary)
	}

	svc, err := openArchive(ctx, cfg, q)
	if err != nil {
		return err
	}
	switch action {
	case "export":
		manifest, err := svc.Export(ctx)
		if err != nil {
			return err
		}
		return printJSON(manifest)
	case "import":
		if key == "" {
			return fmt.Errorf("-key is required")
		}
		restored, err := svc.Import(ctx, key)
		if err != nil {
			return err
		}
		fmt.Printf("restored %d message(s) from %s\n", restored, key)
		return nil
	case "list":
		manifests, err := svc.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(manifests)
	case "verify":
		summary, err := backends.NewMaintenance(cfg, q, svc, nil).RunIntegrityCheckOnce(ctx)
		if printErr := printJSON(summary); printErr != nil {
			return printErr
		}
		return err
	default:
		return fmt.Errorf("invalid action: %q", action)
	}
}

func openArchive(ctx context.Context, cfg config.Config, q *queue.Queue) (*archive.Service, error) {
	store, err := backends.OpenObjectStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	svc := backends.NewArchive(cfg, q, store, nil)
	if svc == nil {
		return nil, fmt.Errorf("object store is not enabled (set LEASEQ_OBJECTSTORE_ENABLED=true)")
	}
	return svc, nil
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
