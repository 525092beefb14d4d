// Package postgres stores the queue in a Postgres table. Claims use
// FOR UPDATE SKIP LOCKED so concurrent consumers never wait on each other's
// row locks, and lease expiry is computed from the server clock.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/leaseq/leaseq/internal/queue"
)

type Store struct {
	db     *sql.DB
	table  string
	q      statements
	ownsDB bool
}

type statements struct {
	lock           string
	createTable    string
	createIndex    string
	dropTable      string
	insert         string
	claimOne       string
	claimMany      string
	deleteOwned    string
	releaseOwned   string
	extendLease    string
	releaseExpired string
	countAvailable string
	listTopics     string
	scanRows       string
}

// New wraps an open database. The caller keeps ownership of db.
func New(db *sql.DB, prefix string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("postgres db is required")
	}
	table, err := queue.TableName(prefix)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, table: table, q: buildStatements(table)}, nil
}

func buildStatements(table string) statements {
	t := pgx.Identifier{table}.Sanitize()
	idx := pgx.Identifier{table + "_topic_id_idx"}.Sanitize()
	available := `(owner_token IS NULL OR lease_expiry <= NOW())`
	return statements{
		lock: `SELECT pg_advisory_xact_lock(hashtext($1))`,
		createTable: fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    topic BIGINT NOT NULL,
    owner_token TEXT NULL,
    lease_expiry TIMESTAMPTZ NULL,
    payload BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t),
		createIndex: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (topic, id)`, idx, t),
		dropTable:   fmt.Sprintf(`DROP TABLE IF EXISTS %s`, t),
		insert: fmt.Sprintf(`
INSERT INTO %s (topic, payload)
VALUES ($1, $2)
RETURNING id`, t),
		claimOne: fmt.Sprintf(`
UPDATE %[1]s
SET owner_token = $2, lease_expiry = NOW() + make_interval(secs => $3::double precision)
WHERE id = (
    SELECT id FROM %[1]s
    WHERE topic = $1 AND %[2]s
    ORDER BY id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING id, topic, payload, lease_expiry, created_at`, t, available),
		claimMany: fmt.Sprintf(`
UPDATE %[1]s
SET owner_token = $2, lease_expiry = NOW() + make_interval(secs => $3::double precision)
WHERE id IN (
    SELECT id FROM %[1]s
    WHERE topic = $1 AND %[2]s
    ORDER BY id
    LIMIT $4
    FOR UPDATE SKIP LOCKED
)
RETURNING id, topic, payload, lease_expiry, created_at`, t, available),
		deleteOwned: fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND owner_token = $2`, t),
		releaseOwned: fmt.Sprintf(`
UPDATE %s
SET owner_token = NULL, lease_expiry = NULL
WHERE id = $1 AND owner_token = $2`, t),
		extendLease: fmt.Sprintf(`
UPDATE %s
SET lease_expiry = NOW() + make_interval(secs => $3::double precision)
WHERE id = $1 AND owner_token = $2
RETURNING lease_expiry`, t),
		releaseExpired: fmt.Sprintf(`
UPDATE %s
SET owner_token = NULL, lease_expiry = NULL
WHERE owner_token IS NOT NULL AND lease_expiry <= NOW()`, t),
		countAvailable: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = $1 AND %s`, t, available),
		listTopics: fmt.Sprintf(`
SELECT topic, COUNT(*) FILTER (WHERE %s) AS available
FROM %s
GROUP BY topic
ORDER BY topic`, available, t),
		scanRows: fmt.Sprintf(`
SELECT id, topic, payload, owner_token, lease_expiry, created_at
FROM %s
WHERE id > $1
ORDER BY id
LIMIT $2`, t),
	}
}

func (s *Store) Table() string {
	return s.table
}

// Close closes the pool when the Store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ProvisionSchema serializes concurrent creators on an advisory lock keyed by
// the table name, since CREATE ... IF NOT EXISTS alone can still race on the
// catalog.
func (s *Store) ProvisionSchema(ctx context.Context) error {
	return s.withSchemaLock(ctx, "provision", s.q.createTable, s.q.createIndex)
}

func (s *Store) DropSchema(ctx context.Context) error {
	return s.withSchemaLock(ctx, "drop", s.q.dropTable)
}

func (s *Store) withSchemaLock(ctx context.Context, action string, statements ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s schema tx: %w", action, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q.lock, s.table); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", action, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s schema tx: %w", action, err)
	}
	return nil
}

func (s *Store) InsertRow(ctx context.Context, topic int64, payload []byte) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, s.q.insert, topic, payload).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

func (s *Store) InsertRows(ctx context.Context, topic int64, payloads [][]byte) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(payloads))
	for i, payload := range payloads {
		var id int64
		if err := tx.QueryRowContext(ctx, s.q.insert, topic, payload).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert message %d of batch: %w", i, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert tx: %w", err)
	}
	return ids, nil
}

func (s *Store) ClaimOne(ctx context.Context, topic int64, ownerToken string, lease time.Duration) (queue.Row, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return queue.Row{}, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := queue.Row{OwnerToken: ownerToken}
	err = tx.QueryRowContext(ctx, s.q.claimOne, topic, ownerToken, lease.Seconds()).
		Scan(&row.ID, &row.Topic, &row.Payload, &row.LeaseExpiry, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return queue.Row{}, false, fmt.Errorf("commit empty claim tx: %w", err)
		}
		return queue.Row{}, false, nil
	}
	if err != nil {
		return queue.Row{}, false, fmt.Errorf("claim message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return queue.Row{}, false, fmt.Errorf("commit claim tx: %w", err)
	}
	return row, true, nil
}

func (s *Store) ClaimMany(ctx context.Context, topic int64, ownerToken string, lease time.Duration, limit int) ([]queue.Row, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.q.claimMany, topic, ownerToken, lease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	claimed := make([]queue.Row, 0, limit)
	for rows.Next() {
		row := queue.Row{OwnerToken: ownerToken}
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &row.LeaseExpiry, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		claimed = append(claimed, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed messages: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("close claimed messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	// RETURNING does not follow the subquery order.
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (s *Store) DeleteRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	return s.execOwned(ctx, "delete message", s.q.deleteOwned, id, ownerToken)
}

func (s *Store) ReleaseRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	return s.execOwned(ctx, "release message", s.q.releaseOwned, id, ownerToken)
}

func (s *Store) execOwned(ctx context.Context, action, query string, id int64, ownerToken string) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, id, ownerToken)
	if err != nil {
		return false, fmt.Errorf("%s %d: %w", action, id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read %s rows affected: %w", action, err)
	}
	return affected > 0, nil
}

func (s *Store) ExtendLease(ctx context.Context, id int64, ownerToken string, lease time.Duration) (time.Time, bool, error) {
	var expiry time.Time
	err := s.db.QueryRowContext(ctx, s.q.extendLease, id, ownerToken, lease.Seconds()).Scan(&expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("extend lease %d: %w", id, err)
	}
	return expiry, true, nil
}

func (s *Store) ReleaseExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q.releaseExpired)
	if err != nil {
		return 0, fmt.Errorf("release expired leases: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read released rows affected: %w", err)
	}
	return affected, nil
}

func (s *Store) CountAvailable(ctx context.Context, topic int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, s.q.countAvailable, topic).Scan(&count); err != nil {
		return 0, fmt.Errorf("count available messages: %w", err)
	}
	return count, nil
}

func (s *Store) ListTopicsWithCounts(ctx context.Context) ([]queue.TopicCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listTopics)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	topics := make([]queue.TopicCount, 0)
	for rows.Next() {
		var tc queue.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Available); err != nil {
			return nil, fmt.Errorf("scan topic count: %w", err)
		}
		topics = append(topics, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate topics: %w", err)
	}
	return topics, nil
}

func (s *Store) ScanRows(ctx context.Context, afterID int64, limit int) ([]queue.Row, error) {
	rows, err := s.db.QueryContext(ctx, s.q.scanRows, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]queue.Row, 0, limit)
	for rows.Next() {
		var (
			row    queue.Row
			owner  sql.NullString
			expiry sql.NullTime
		)
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &owner, &expiry, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		row.OwnerToken = owner.String
		if expiry.Valid {
			row.LeaseExpiry = expiry.Time
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

var (
	_ queue.Backend         = (*Store)(nil)
	_ queue.BatchInserter   = (*Store)(nil)
	_ queue.BatchClaimer    = (*Store)(nil)
	_ queue.LeaseExtender   = (*Store)(nil)
	_ queue.ExpiredReleaser = (*Store)(nil)
	_ queue.RowScanner      = (*Store)(nil)
	_ queue.Pinger          = (*Store)(nil)
)
