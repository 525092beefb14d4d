// Package duckdb opens a queue backend on an embedded DuckDB database.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/leaseq/leaseq/internal/queue/sqlstore"
)

type Config struct {
	// Path of the database file. Empty opens an in-memory database.
	Path   string
	Prefix string
}

// Dialect keeps the table free of indexes: DuckDB rewrites updated rows of
// indexed tables as delete plus insert, which trips its constraint checks.
var Dialect = sqlstore.Dialect{
	Name:  "duckdb",
	Begin: "BEGIN TRANSACTION",
	Quote: quote,
	Schema: func(table string) []string {
		seq := table + "_id_seq"
		return []string{
			fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, quote(seq)),
			fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id BIGINT NOT NULL DEFAULT nextval('%s'),
    topic BIGINT NOT NULL,
    owner_token VARCHAR,
    lease_expiry BIGINT,
    payload BLOB,
    created_at BIGINT NOT NULL
)`, quote(table), seq),
		}
	},
	Drop: func(table string) []string {
		return []string{
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quote(table)),
			fmt.Sprintf(`DROP SEQUENCE IF EXISTS %s`, quote(table+"_id_seq")),
		}
	},
}

func Open(ctx context.Context, cfg Config, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	db, err := sql.Open("duckdb", strings.TrimSpace(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	store, err := sqlstore.New(db, Dialect, cfg.Prefix, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}
