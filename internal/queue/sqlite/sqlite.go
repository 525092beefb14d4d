// Package sqlite opens a queue backend on a local SQLite file using the
// pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/leaseq/leaseq/internal/queue/sqlstore"
)

type Config struct {
	Path   string
	Prefix string
}

// Dialect writes in BEGIN IMMEDIATE transactions so a claim takes the write
// lock before it reads.
var Dialect = sqlstore.Dialect{
	Name:  "sqlite",
	Begin: "BEGIN IMMEDIATE",
	Quote: quote,
	Schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    topic INTEGER NOT NULL,
    owner_token TEXT NULL,
    lease_expiry INTEGER NULL,
    payload BLOB,
    created_at INTEGER NOT NULL
)`, quote(table)),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic, id)`, quote(table+"_topic_id_idx"), quote(table)),
		}
	},
	Drop: func(table string) []string {
		return []string{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(table))}
	},
}

// Open opens (creating if needed) the database at cfg.Path. The pool is
// pinned to one connection; SQLite allows a single writer anyway.
func Open(ctx context.Context, cfg Config, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite: empty db path")
	}
	if !isMemory(path) {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite: create db dir: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initPragmas(ctx, db, isMemory(path)); err != nil {
		_ = db.Close()
		return nil, err
	}
	store, err := sqlstore.New(db, Dialect, cfg.Prefix, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func initPragmas(ctx context.Context, db *sql.DB, memory bool) error {
	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if !memory && strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
