// Package sqlstore implements the queue backend for embedded SQL engines
// (SQLite, DuckDB) that run behind a single connection. Transactions are
// serialized by the engine, so a claim is a plain UPDATE of the lowest
// available id. Timestamps are stored as unix nanoseconds taken from an
// injectable clock.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
)

// Dialect holds the engine specific statements.
type Dialect struct {
	Name string
	// Begin starts a write transaction on a dedicated connection.
	Begin string
	// Schema creates the table and its supporting objects.
	Schema func(table string) []string
	// Drop removes everything Schema created.
	Drop func(table string) []string
	// Quote returns a quoted identifier.
	Quote func(ident string) string
}

type Option func(*Store)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type Store struct {
	db      *sql.DB
	dialect Dialect
	table   string
	now     func() time.Time
	q       statements
}

type statements struct {
	insert         string
	claim          string
	deleteOwned    string
	releaseOwned   string
	extendLease    string
	releaseExpired string
	countAvailable string
	listTopics     string
	scanRows       string
}

func New(db *sql.DB, dialect Dialect, prefix string, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%s db is required", dialect.Name)
	}
	table, err := queue.TableName(prefix)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dialect: dialect, table: table, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.q = buildStatements(dialect.Quote(table))
	return s, nil
}

func buildStatements(t string) statements {
	available := `(owner_token IS NULL OR lease_expiry <= ?)`
	return statements{
		insert: fmt.Sprintf(`INSERT INTO %s (topic, payload, created_at) VALUES (?, ?, ?) RETURNING id`, t),
		claim: fmt.Sprintf(`
UPDATE %[1]s
SET owner_token = ?, lease_expiry = ?
WHERE id IN (
    SELECT id FROM %[1]s
    WHERE topic = ? AND %[2]s
    ORDER BY id
    LIMIT ?
)
RETURNING id, topic, payload, created_at`, t, available),
		deleteOwned: fmt.Sprintf(`DELETE FROM %s WHERE id = ? AND owner_token = ?`, t),
		releaseOwned: fmt.Sprintf(`
UPDATE %s
SET owner_token = NULL, lease_expiry = NULL
WHERE id = ? AND owner_token = ?`, t),
		extendLease: fmt.Sprintf(`
UPDATE %s
SET lease_expiry = ?
WHERE id = ? AND owner_token = ?`, t),
		releaseExpired: fmt.Sprintf(`
UPDATE %s
SET owner_token = NULL, lease_expiry = NULL
WHERE owner_token IS NOT NULL AND lease_expiry <= ?`, t),
		countAvailable: fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE topic = ? AND %s`, t, available),
		listTopics: fmt.Sprintf(`
SELECT topic, COUNT(*) FILTER (WHERE %s) AS available
FROM %s
GROUP BY topic
ORDER BY topic`, available, t),
		scanRows: fmt.Sprintf(`
SELECT id, topic, payload, owner_token, lease_expiry, created_at
FROM %s
WHERE id > ?
ORDER BY id
LIMIT ?`, t),
	}
}

func (s *Store) Table() string {
	return s.table
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ProvisionSchema(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		for _, stmt := range s.dialect.Schema(s.table) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: provision schema: %w", s.dialect.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) DropSchema(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		for _, stmt := range s.dialect.Drop(s.table) {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("%s: drop schema: %w", s.dialect.Name, err)
			}
		}
		return nil
	})
}

func (s *Store) InsertRow(ctx context.Context, topic int64, payload []byte) (int64, error) {
	ids, err := s.InsertRows(ctx, topic, [][]byte{payload})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *Store) InsertRows(ctx context.Context, topic int64, payloads [][]byte) ([]int64, error) {
	ids := make([]int64, 0, len(payloads))
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		createdAt := s.now().UnixNano()
		for _, payload := range payloads {
			var id int64
			if err := conn.QueryRowContext(ctx, s.q.insert, topic, payload, createdAt).Scan(&id); err != nil {
				return fmt.Errorf("%s: insert message: %w", s.dialect.Name, err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) ClaimOne(ctx context.Context, topic int64, ownerToken string, lease time.Duration) (queue.Row, bool, error) {
	rows, err := s.ClaimMany(ctx, topic, ownerToken, lease, 1)
	if err != nil || len(rows) == 0 {
		return queue.Row{}, false, err
	}
	return rows[0], true, nil
}

func (s *Store) ClaimMany(ctx context.Context, topic int64, ownerToken string, lease time.Duration, limit int) ([]queue.Row, error) {
	var claimed []queue.Row
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		now := s.now()
		expiry := now.Add(lease)
		rows, err := conn.QueryContext(ctx, s.q.claim, ownerToken, expiry.UnixNano(), topic, now.UnixNano(), limit)
		if err != nil {
			return fmt.Errorf("%s: claim messages: %w", s.dialect.Name, err)
		}
		defer func() { _ = rows.Close() }()

		claimed = make([]queue.Row, 0, limit)
		for rows.Next() {
			row := queue.Row{OwnerToken: ownerToken, LeaseExpiry: expiry}
			var createdAt int64
			if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &createdAt); err != nil {
				return fmt.Errorf("%s: scan claimed message: %w", s.dialect.Name, err)
			}
			row.CreatedAt = time.Unix(0, createdAt).UTC()
			claimed = append(claimed, row)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%s: iterate claimed messages: %w", s.dialect.Name, err)
		}
		return rows.Close()
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (s *Store) DeleteRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	return s.execAffected(ctx, "delete message", s.q.deleteOwned, id, ownerToken)
}

func (s *Store) ReleaseRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	return s.execAffected(ctx, "release message", s.q.releaseOwned, id, ownerToken)
}

func (s *Store) ExtendLease(ctx context.Context, id int64, ownerToken string, lease time.Duration) (time.Time, bool, error) {
	expiry := s.now().Add(lease)
	ok, err := s.execAffected(ctx, "extend lease", s.q.extendLease, expiry.UnixNano(), id, ownerToken)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return expiry, true, nil
}

func (s *Store) ReleaseExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.q.releaseExpired, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("%s: release expired leases: %w", s.dialect.Name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: read released rows affected: %w", s.dialect.Name, err)
	}
	return affected, nil
}

func (s *Store) execAffected(ctx context.Context, action, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%s: %s: %w", s.dialect.Name, action, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: read %s rows affected: %w", s.dialect.Name, action, err)
	}
	return affected > 0, nil
}

func (s *Store) CountAvailable(ctx context.Context, topic int64) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, s.q.countAvailable, topic, s.now().UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("%s: count available messages: %w", s.dialect.Name, err)
	}
	return count, nil
}

func (s *Store) ListTopicsWithCounts(ctx context.Context) ([]queue.TopicCount, error) {
	rows, err := s.db.QueryContext(ctx, s.q.listTopics, s.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%s: list topics: %w", s.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	topics := make([]queue.TopicCount, 0)
	for rows.Next() {
		var tc queue.TopicCount
		if err := rows.Scan(&tc.Topic, &tc.Available); err != nil {
			return nil, fmt.Errorf("%s: scan topic count: %w", s.dialect.Name, err)
		}
		topics = append(topics, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate topics: %w", s.dialect.Name, err)
	}
	return topics, nil
}

func (s *Store) ScanRows(ctx context.Context, afterID int64, limit int) ([]queue.Row, error) {
	rows, err := s.db.QueryContext(ctx, s.q.scanRows, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: scan messages: %w", s.dialect.Name, err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]queue.Row, 0, limit)
	for rows.Next() {
		var (
			row       queue.Row
			owner     sql.NullString
			expiry    sql.NullInt64
			createdAt int64
		)
		if err := rows.Scan(&row.ID, &row.Topic, &row.Payload, &owner, &expiry, &createdAt); err != nil {
			return nil, fmt.Errorf("%s: scan message row: %w", s.dialect.Name, err)
		}
		row.OwnerToken = owner.String
		if expiry.Valid {
			row.LeaseExpiry = time.Unix(0, expiry.Int64).UTC()
		}
		row.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate message rows: %w", s.dialect.Name, err)
	}
	return out, nil
}

// withTx runs fn inside a write transaction on a dedicated connection.
func (s *Store) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%s: acquire connection: %w", s.dialect.Name, err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, s.dialect.Begin); err != nil {
		return fmt.Errorf("%s: begin tx: %w", s.dialect.Name, err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("%s: commit tx: %w", s.dialect.Name, err)
	}
	committed = true
	return nil
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
