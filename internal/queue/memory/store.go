// Package memory is a process-local queue backend. It gives the same
// guarantees as the SQL backends within one process and is used for tests
// and the test profile.
package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
)

// ErrNotProvisioned mirrors the missing-table error of the SQL backends.
var ErrNotProvisioned = errors.New("memory queue storage is not provisioned")

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type row struct {
	id          int64
	topic       int64
	payload     []byte
	owner       string
	leaseExpiry time.Time
	createdAt   time.Time
}

// Store keeps rows sorted by id. The mutex plays the role of the database
// transaction.
type Store struct {
	mu          sync.Mutex
	now         func() time.Time
	provisioned bool
	nextID      int64
	rows        []*row
}

func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) ProvisionSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioned = true
	return nil
}

func (s *Store) DropSchema(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provisioned = false
	s.rows = nil
	return nil
}

func (s *Store) InsertRow(ctx context.Context, topic int64, payload []byte) (int64, error) {
	ids, err := s.InsertRows(ctx, topic, [][]byte{payload})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

func (s *Store) InsertRows(ctx context.Context, topic int64, payloads [][]byte) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return nil, err
	}
	now := s.now()
	ids := make([]int64, 0, len(payloads))
	for _, payload := range payloads {
		s.nextID++
		s.rows = append(s.rows, &row{
			id:        s.nextID,
			topic:     topic,
			payload:   bytes.Clone(payload),
			createdAt: now,
		})
		ids = append(ids, s.nextID)
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
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return nil, err
	}
	now := s.now()
	expiry := now.Add(lease)
	claimed := make([]queue.Row, 0, limit)
	for _, r := range s.rows {
		if len(claimed) >= limit {
			break
		}
		if r.topic != topic || !available(r, now) {
			continue
		}
		r.owner = ownerToken
		r.leaseExpiry = expiry
		claimed = append(claimed, toRow(r))
	}
	return claimed, nil
}

func (s *Store) DeleteRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return false, err
	}
	idx, r := s.find(id)
	if r == nil || r.owner != ownerToken {
		return false, nil
	}
	s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
	return true, nil
}

func (s *Store) ReleaseRow(ctx context.Context, id int64, ownerToken string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return false, err
	}
	_, r := s.find(id)
	if r == nil || r.owner != ownerToken {
		return false, nil
	}
	r.owner = ""
	r.leaseExpiry = time.Time{}
	return true, nil
}

func (s *Store) ExtendLease(ctx context.Context, id int64, ownerToken string, lease time.Duration) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return time.Time{}, false, err
	}
	_, r := s.find(id)
	if r == nil || r.owner != ownerToken {
		return time.Time{}, false, nil
	}
	r.leaseExpiry = s.now().Add(lease)
	return r.leaseExpiry, true, nil
}

func (s *Store) ReleaseExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return 0, err
	}
	now := s.now()
	var released int64
	for _, r := range s.rows {
		if r.owner != "" && !now.Before(r.leaseExpiry) {
			r.owner = ""
			r.leaseExpiry = time.Time{}
			released++
		}
	}
	return released, nil
}

func (s *Store) CountAvailable(ctx context.Context, topic int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return 0, err
	}
	now := s.now()
	var count int64
	for _, r := range s.rows {
		if r.topic == topic && available(r, now) {
			count++
		}
	}
	return count, nil
}

func (s *Store) ListTopicsWithCounts(ctx context.Context) ([]queue.TopicCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return nil, err
	}
	now := s.now()
	counts := map[int64]int64{}
	for _, r := range s.rows {
		if _, ok := counts[r.topic]; !ok {
			counts[r.topic] = 0
		}
		if available(r, now) {
			counts[r.topic]++
		}
	}
	out := make([]queue.TopicCount, 0, len(counts))
	for topic, count := range counts {
		out = append(out, queue.TopicCount{Topic: topic, Available: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out, nil
}

func (s *Store) ScanRows(ctx context.Context, afterID int64, limit int) ([]queue.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkProvisioned(); err != nil {
		return nil, err
	}
	start := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].id > afterID })
	out := make([]queue.Row, 0, limit)
	for _, r := range s.rows[start:] {
		if len(out) >= limit {
			break
		}
		out = append(out, toRow(r))
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) checkProvisioned() error {
	if !s.provisioned {
		return ErrNotProvisioned
	}
	return nil
}

func (s *Store) find(id int64) (int, *row) {
	idx := sort.Search(len(s.rows), func(i int) bool { return s.rows[i].id >= id })
	if idx < len(s.rows) && s.rows[idx].id == id {
		return idx, s.rows[idx]
	}
	return -1, nil
}

func available(r *row, now time.Time) bool {
	return r.owner == "" || !now.Before(r.leaseExpiry)
}

func toRow(r *row) queue.Row {
	return queue.Row{
		ID:          r.id,
		Topic:       r.topic,
		Payload:     bytes.Clone(r.payload),
		OwnerToken:  r.owner,
		LeaseExpiry: r.leaseExpiry,
		CreatedAt:   r.createdAt,
	}
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
