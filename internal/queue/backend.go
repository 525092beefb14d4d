package queue

import (
	"context"
	"time"
)

// Row is one stored message as seen by a backend.
type Row struct {
	ID          int64
	Topic       int64
	Payload     []byte
	OwnerToken  string
	LeaseExpiry time.Time
	CreatedAt   time.Time
}

// Leased reports whether the row carried an owner when it was read. It says
// nothing about whether that lease has expired.
func (r Row) Leased() bool {
	return r.OwnerToken != ""
}

type TopicCount struct {
	Topic     int64 `json:"topic"`
	Available int64 `json:"available"`
}

// Backend is the storage contract the queue is built on. Every method runs
// in its own short transaction. A row is available when it has no owner or
// its lease has expired, and only available rows may be claimed.
type Backend interface {
	// ProvisionSchema creates the queue table and its indexes. Idempotent
	// and safe under concurrent callers.
	ProvisionSchema(ctx context.Context) error
	// DropSchema removes the queue table. Idempotent.
	DropSchema(ctx context.Context) error
	InsertRow(ctx context.Context, topic int64, payload []byte) (int64, error)
	// ClaimOne atomically transfers the smallest-id available row of topic
	// to ownerToken with a lease of the given length, computed against the
	// backend's clock. ok is false when nothing is available.
	ClaimOne(ctx context.Context, topic int64, ownerToken string, lease time.Duration) (row Row, ok bool, err error)
	// DeleteRow removes the row if ownerToken still owns it.
	DeleteRow(ctx context.Context, id int64, ownerToken string) (bool, error)
	// ReleaseRow clears the lease if ownerToken still owns it.
	ReleaseRow(ctx context.Context, id int64, ownerToken string) (bool, error)
	CountAvailable(ctx context.Context, topic int64) (int64, error)
	// ListTopicsWithCounts returns every topic holding at least one row with
	// its available count, ordered by topic.
	ListTopicsWithCounts(ctx context.Context) ([]TopicCount, error)
}

// BatchInserter inserts several payloads in one transaction, returning ids in
// input order.
type BatchInserter interface {
	InsertRows(ctx context.Context, topic int64, payloads [][]byte) ([]int64, error)
}

// BatchClaimer claims up to limit available rows of a topic in id order in
// one transaction, all under the same owner token.
type BatchClaimer interface {
	ClaimMany(ctx context.Context, topic int64, ownerToken string, lease time.Duration, limit int) ([]Row, error)
}

// LeaseExtender pushes the lease of an owned row out by lease from now. ok is
// false when ownerToken no longer owns the row.
type LeaseExtender interface {
	ExtendLease(ctx context.Context, id int64, ownerToken string, lease time.Duration) (expiry time.Time, ok bool, err error)
}

// ExpiredReleaser clears owner and expiry on every row whose lease has
// lapsed. Availability never depends on it.
type ExpiredReleaser interface {
	ReleaseExpired(ctx context.Context) (int64, error)
}

// RowScanner pages through all rows, leased or not, in id order.
type RowScanner interface {
	ScanRows(ctx context.Context, afterID int64, limit int) ([]Row, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}
