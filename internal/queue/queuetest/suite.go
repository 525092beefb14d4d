// Package queuetest is a behavioural test suite shared by every queue
// backend.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
)

// Harness describes how to build a backend under test.
type Harness struct {
	// New returns a backend over fresh, empty storage. Provisioning is done
	// by the suite.
	New func(t *testing.T) queue.Backend
	// Advance moves the backend clock forward. When nil the suite sleeps.
	Advance func(d time.Duration)
	// Lease is the lease length used by expiry tests. Defaults to one minute
	// with Advance and one second without.
	Lease time.Duration
}

// Clock is a manually advanced clock for backends with an injectable now.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Run executes the suite as subtests of t.
func Run(t *testing.T, h Harness) {
	t.Helper()
	if h.New == nil {
		t.Fatal("queuetest: Harness.New is required")
	}
	if h.Lease <= 0 {
		h.Lease = time.Minute
		if h.Advance == nil {
			h.Lease = time.Second
		}
	}

	tests := []struct {
		name string
		fn   func(t *testing.T, h Harness)
	}{
		{"ProvisionIsIdempotentAndConcurrent", testProvision},
		{"FIFOWithinTopicAckAndNack", testFIFO},
		{"TopicsAreIsolated", testTopicIsolation},
		{"LeaseExpiryMakesRowClaimable", testLeaseExpiry},
		{"NackMakesRowClaimableImmediately", testNack},
		{"AckDeletesRow", testAck},
		{"RacingClaimersNeverShareARow", testRacingClaimers},
		{"SizeAndTopicsCountAvailableRows", testAggregates},
		{"DestroyIsIdempotent", testDestroy},
		{"BatchPutAndGet", testBatch},
		{"TouchExtendsLease", testTouch},
		{"ReleaseExpiredClearsLapsedLeases", testReleaseExpired},
		{"ScanPagesAllRows", testScan},
		{"PayloadRoundTripsBytes", testPayloadBytes},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, h)
		})
	}
}

func (h Harness) advance(d time.Duration) {
	if h.Advance != nil {
		h.Advance(d)
		return
	}
	time.Sleep(d)
}

func newQueue(t *testing.T, h Harness) (*queue.Queue, queue.Backend) {
	t.Helper()
	backend := h.New(t)
	q, err := queue.New(backend, queue.Options{
		AcquireTimeout:      h.Lease,
		DefaultTimeout:      0,
		DefaultPollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	if err := q.Create(context.Background()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return q, backend
}

func mustPut(t *testing.T, q *queue.Queue, topic int64, payload string) int64 {
	t.Helper()
	id, err := q.Put(context.Background(), []byte(payload), topic)
	if err != nil {
		t.Fatalf("Put(%q) error = %v", payload, err)
	}
	return id
}

func mustGet(t *testing.T, q *queue.Queue, topic int64) *queue.Message {
	t.Helper()
	msg, err := q.GetNowait(context.Background(), topic)
	if err != nil {
		t.Fatalf("GetNowait(%d) error = %v", topic, err)
	}
	return msg
}

func expectEmpty(t *testing.T, q *queue.Queue, topic int64) {
	t.Helper()
	msg, err := q.GetNowait(context.Background(), topic)
	if !errors.Is(err, queue.ErrQueueEmpty) {
		id := int64(-1)
		if msg != nil {
			id = msg.ID()
		}
		t.Fatalf("GetNowait(%d) = (id %d, %v), want ErrQueueEmpty", topic, id, err)
	}
}

func expectSize(t *testing.T, q *queue.Queue, topic int64, want int64) {
	t.Helper()
	got, err := q.Size(context.Background(), topic)
	if err != nil {
		t.Fatalf("Size(%d) error = %v", topic, err)
	}
	if got != want {
		t.Fatalf("Size(%d) = %d, want %d", topic, got, want)
	}
}

func testProvision(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.Create(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Create() error = %v", err)
		}
	}

	mustPut(t, q, 0, "still works")
	expectSize(t, q, 0, 1)
}

func testFIFO(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	id1 := mustPut(t, q, 0, "1")
	id2 := mustPut(t, q, 0, "2")
	mustPut(t, q, 0, "3")
	if id2 <= id1 {
		t.Fatalf("ids not increasing: %d then %d", id1, id2)
	}

	first := mustGet(t, q, 0)
	if string(first.Payload()) != "1" || first.ID() != id1 {
		t.Fatalf("first = (%d, %q), want (%d, \"1\")", first.ID(), first.Payload(), id1)
	}
	if err := first.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	second := mustGet(t, q, 0)
	if string(second.Payload()) != "2" {
		t.Fatalf("second payload = %q, want 2", second.Payload())
	}
	if err := second.Nack(ctx); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	again := mustGet(t, q, 0)
	if again.ID() != id2 || string(again.Payload()) != "2" {
		t.Fatalf("after nack got (%d, %q), want (%d, \"2\")", again.ID(), again.Payload(), id2)
	}
	if again.Topic() != 0 {
		t.Fatalf("Topic() = %d", again.Topic())
	}
}

func testTopicIsolation(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	mustPut(t, q, 1, "x")
	mustPut(t, q, 2, "y")

	if msg := mustGet(t, q, 1); string(msg.Payload()) != "x" {
		t.Fatalf("topic 1 payload = %q", msg.Payload())
	}
	if msg := mustGet(t, q, 2); string(msg.Payload()) != "y" {
		t.Fatalf("topic 2 payload = %q", msg.Payload())
	}
	expectEmpty(t, q, 3)
	expectEmpty(t, q, 1)
}

func testLeaseExpiry(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	id := mustPut(t, q, 0, "m")

	first := mustGet(t, q, 0)
	if first.LeaseExpiry().IsZero() {
		t.Fatal("LeaseExpiry() is zero after claim")
	}

	h.advance(h.Lease / 2)
	expectEmpty(t, q, 0)

	h.advance(h.Lease/2 + h.Lease/10)
	second := mustGet(t, q, 0)
	if second.ID() != id {
		t.Fatalf("reclaimed id = %d, want %d", second.ID(), id)
	}

	// The first consumer lost its lease; its ack must not touch the row.
	if err := first.Ack(ctx); err != nil {
		t.Fatalf("stale Ack() error = %v", err)
	}
	if first.State() != queue.StateAcked {
		t.Fatalf("stale handle state = %s", first.State())
	}
	if err := second.Nack(ctx); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	expectSize(t, q, 0, 1)
}

func testNack(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	id := mustPut(t, q, 0, "p")
	msg := mustGet(t, q, 0)
	if err := msg.Nack(ctx); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	again := mustGet(t, q, 0)
	if again.ID() != id || string(again.Payload()) != "p" {
		t.Fatalf("after nack got (%d, %q)", again.ID(), again.Payload())
	}
	if err := msg.Nack(ctx); !errors.Is(err, queue.ErrAlreadyResolved) {
		t.Fatalf("second Nack() error = %v, want ErrAlreadyResolved", err)
	}
}

func testAck(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	mustPut(t, q, 4, "gone")
	msg := mustGet(t, q, 4)
	if err := msg.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := msg.Ack(ctx); !errors.Is(err, queue.ErrAlreadyResolved) {
		t.Fatalf("second Ack() error = %v, want ErrAlreadyResolved", err)
	}
	expectSize(t, q, 4, 0)
	topics, err := q.Topics(ctx)
	if err != nil {
		t.Fatalf("Topics() error = %v", err)
	}
	if len(topics) != 0 {
		t.Fatalf("Topics() = %+v, want none", topics)
	}

	h.advance(h.Lease + h.Lease/10)
	expectEmpty(t, q, 4)
}

func testRacingClaimers(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	const total = 40
	want := make(map[int64]bool, total)
	for i := 0; i < total; i++ {
		want[mustPut(t, q, 9, fmt.Sprintf("job-%d", i))] = true
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int, total)
		wg   sync.WaitGroup
	)
	errs := make(chan error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := q.GetNowait(ctx, 9)
				if errors.Is(err, queue.ErrQueueEmpty) {
					return
				}
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[msg.ID()]++
				mu.Unlock()
				if err := msg.Ack(ctx); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claimer error = %v", err)
	}
	if len(seen) != total {
		t.Fatalf("claimed %d distinct rows, want %d", len(seen), total)
	}
	for id, count := range seen {
		if !want[id] {
			t.Fatalf("claimed unknown id %d", id)
		}
		if count != 1 {
			t.Fatalf("id %d claimed %d times", id, count)
		}
	}
	expectSize(t, q, 9, 0)
}

func testAggregates(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	mustPut(t, q, 5, "a")
	mustPut(t, q, 5, "b")
	mustPut(t, q, 5, "c")
	mustPut(t, q, 6, "d")

	mustGet(t, q, 5)
	expectSize(t, q, 5, 2)
	expectSize(t, q, 6, 1)
	expectSize(t, q, 7, 0)

	mustGet(t, q, 6)
	topics, err := q.Topics(ctx)
	if err != nil {
		t.Fatalf("Topics() error = %v", err)
	}
	want := []queue.TopicCount{{Topic: 5, Available: 2}, {Topic: 6, Available: 0}}
	if len(topics) != len(want) {
		t.Fatalf("Topics() = %+v, want %+v", topics, want)
	}
	for i := range want {
		if topics[i] != want[i] {
			t.Fatalf("Topics()[%d] = %+v, want %+v", i, topics[i], want[i])
		}
	}
}

func testDestroy(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	mustPut(t, q, 0, "doomed")
	if err := q.Destroy(ctx); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := q.Destroy(ctx); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
	if _, err := q.Size(ctx, 0); !errors.Is(err, queue.ErrBackendUnavailable) {
		t.Fatalf("Size() after destroy error = %v, want ErrBackendUnavailable", err)
	}
	if err := q.Create(ctx); err != nil {
		t.Fatalf("Create() after destroy error = %v", err)
	}
	expectEmpty(t, q, 0)
	mustPut(t, q, 0, "reborn")
	if msg := mustGet(t, q, 0); string(msg.Payload()) != "reborn" {
		t.Fatalf("payload = %q", msg.Payload())
	}
}

func testBatch(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	payloads := [][]byte{[]byte("b0"), []byte("b1"), []byte("b2"), []byte("b3"), []byte("b4")}
	ids, err := q.PutBatch(ctx, 3, payloads)
	if err != nil {
		t.Fatalf("PutBatch() error = %v", err)
	}
	if len(ids) != len(payloads) {
		t.Fatalf("PutBatch() returned %d ids", len(ids))
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("batch ids not increasing: %v", ids)
		}
	}

	first, err := q.GetBatch(ctx, 3, 3)
	if err != nil {
		t.Fatalf("GetBatch(3) error = %v", err)
	}
	if len(first) != 3 {
		t.Fatalf("GetBatch(3) returned %d", len(first))
	}
	for i, msg := range first {
		if msg.ID() != ids[i] {
			t.Fatalf("batch[%d].ID() = %d, want %d", i, msg.ID(), ids[i])
		}
	}
	rest, err := q.GetBatch(ctx, 3, 10)
	if err != nil {
		t.Fatalf("GetBatch(10) error = %v", err)
	}
	if len(rest) != 2 || rest[0].ID() != ids[3] || rest[1].ID() != ids[4] {
		t.Fatalf("GetBatch(10) = %d messages", len(rest))
	}
	if err := first[1].Nack(ctx); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if err := first[0].Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	again := mustGet(t, q, 3)
	if again.ID() != ids[1] {
		t.Fatalf("after batch nack got %d, want %d", again.ID(), ids[1])
	}
	none, err := q.GetBatch(ctx, 3, 2)
	if err != nil || len(none) != 0 {
		t.Fatalf("GetBatch on drained topic = (%d, %v)", len(none), err)
	}
}

func testTouch(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	mustPut(t, q, 0, "slow job")
	msg := mustGet(t, q, 0)
	before := msg.LeaseExpiry()

	h.advance(h.Lease * 3 / 4)
	if err := msg.Touch(ctx); err != nil {
		if errors.Is(err, queue.ErrUnsupported) {
			t.Skip("backend does not extend leases")
		}
		t.Fatalf("Touch() error = %v", err)
	}
	if !msg.LeaseExpiry().After(before) {
		t.Fatalf("LeaseExpiry() = %s, want after %s", msg.LeaseExpiry(), before)
	}

	h.advance(h.Lease / 2)
	expectEmpty(t, q, 0)

	h.advance(h.Lease*3/4 + h.Lease/10)
	other := mustGet(t, q, 0)
	if err := msg.Touch(ctx); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("Touch() after reclaim error = %v, want ErrLeaseLost", err)
	}
	if err := other.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := other.Touch(ctx); !errors.Is(err, queue.ErrAlreadyResolved) {
		t.Fatalf("Touch() after ack error = %v, want ErrAlreadyResolved", err)
	}
}

func testReleaseExpired(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	mustPut(t, q, 0, "one")
	mustPut(t, q, 0, "two")
	mustGet(t, q, 0)

	released, err := q.ReleaseExpired(ctx)
	if err != nil {
		if errors.Is(err, queue.ErrUnsupported) {
			t.Skip("backend does not release expired leases")
		}
		t.Fatalf("ReleaseExpired() error = %v", err)
	}
	if released != 0 {
		t.Fatalf("ReleaseExpired() before expiry = %d", released)
	}

	h.advance(h.Lease + h.Lease/10)
	released, err = q.ReleaseExpired(ctx)
	if err != nil {
		t.Fatalf("ReleaseExpired() error = %v", err)
	}
	if released != 1 {
		t.Fatalf("ReleaseExpired() = %d, want 1", released)
	}
	rows, err := q.Scan(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	for _, row := range rows {
		if row.Leased() {
			t.Fatalf("row %d still leased after sweep", row.ID)
		}
	}
}

func testScan(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	ctx := context.Background()
	ids := []int64{mustPut(t, q, 1, "a"), mustPut(t, q, 2, "b"), mustPut(t, q, 1, "c")}
	mustGet(t, q, 1)

	page, err := q.Scan(ctx, 0, 2)
	if err != nil {
		if errors.Is(err, queue.ErrUnsupported) {
			t.Skip("backend does not scan rows")
		}
		t.Fatalf("Scan() error = %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[0] || page[1].ID != ids[1] {
		t.Fatalf("Scan(0, 2) = %+v", page)
	}
	if !page[0].Leased() {
		t.Fatal("claimed row should be reported as leased")
	}
	if page[1].Topic != 2 || string(page[1].Payload) != "b" {
		t.Fatalf("Scan row = %+v", page[1])
	}
	if page[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt is zero")
	}
	next, err := q.Scan(ctx, page[1].ID, 10)
	if err != nil {
		t.Fatalf("Scan(next) error = %v", err)
	}
	if len(next) != 1 || next[0].ID != ids[2] {
		t.Fatalf("Scan(next) = %+v", next)
	}
}

func testPayloadBytes(t *testing.T, h Harness) {
	q, _ := newQueue(t, h)
	payloads := [][]byte{{}, {0x00, 0xff, 0x10}, []byte("héllo wörld")}
	for _, payload := range payloads {
		if _, err := q.Put(context.Background(), payload, 11); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	got := make([]string, 0, len(payloads))
	for range payloads {
		got = append(got, string(mustGet(t, q, 11).Payload()))
	}
	for i := range payloads {
		if got[i] != string(payloads[i]) {
			t.Fatalf("payload %d = %x, want %x", i, got[i], payloads[i])
		}
	}
}
