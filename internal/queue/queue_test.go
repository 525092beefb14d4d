package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leaseq/leaseq/internal/queue"
	"github.com/leaseq/leaseq/internal/queue/memory"
	"github.com/leaseq/leaseq/internal/queue/queuetest"
)

type flakyBackend struct {
	*memory.Store
	claimErr  error
	claims    atomic.Int32
	mu        sync.Mutex
	deleteErr []error
}

func (b *flakyBackend) ClaimOne(ctx context.Context, topic int64, owner string, lease time.Duration) (queue.Row, bool, error) {
	b.claims.Add(1)
	if b.claimErr != nil {
		return queue.Row{}, false, b.claimErr
	}
	return b.Store.ClaimOne(ctx, topic, owner, lease)
}

func (b *flakyBackend) DeleteRow(ctx context.Context, id int64, owner string) (bool, error) {
	b.mu.Lock()
	if len(b.deleteErr) > 0 {
		err := b.deleteErr[0]
		b.deleteErr = b.deleteErr[1:]
		b.mu.Unlock()
		return false, err
	}
	b.mu.Unlock()
	return b.Store.DeleteRow(ctx, id, owner)
}

func newTestQueue(t *testing.T, backend queue.Backend, opts queue.Options) *queue.Queue {
	t.Helper()
	q, err := queue.New(backend, opts)
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	if err := q.Create(context.Background()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return q
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := queue.New(nil, queue.DefaultOptions()); err == nil {
		t.Fatal("queue.New(nil) expected error")
	}
	if _, err := queue.New(memory.New(), queue.Options{MaxPayloadSize: -1}); err == nil {
		t.Fatal("queue.New() expected error for negative MaxPayloadSize")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	q, err := queue.New(memory.New(), queue.Options{})
	if err != nil {
		t.Fatalf("queue.New() error = %v", err)
	}
	opts := q.Options()
	if opts.AcquireTimeout != 60*time.Second {
		t.Fatalf("AcquireTimeout = %s", opts.AcquireTimeout)
	}
	if opts.DefaultPollInterval != time.Second {
		t.Fatalf("DefaultPollInterval = %s", opts.DefaultPollInterval)
	}
	if opts.DefaultTimeout != 0 {
		t.Fatalf("DefaultTimeout = %s, want 0", opts.DefaultTimeout)
	}
	if queue.DefaultOptions().DefaultTimeout != queue.Forever {
		t.Fatal("DefaultOptions().DefaultTimeout should wait forever")
	}
}

func TestGetNowaitOnEmptyTopic(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	_, err := q.GetNowait(context.Background(), 0)
	if !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("GetNowait() error = %v, want ErrQueueEmpty", err)
	}
}

func TestGetWithoutOptionsUsesDefaultTimeout(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.Options{DefaultTimeout: 0})
	start := time.Now()
	_, err := q.Get(context.Background(), 0)
	if !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("Get() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Get() with zero default timeout took %s", elapsed)
	}
}

func TestGetTimeoutPollsUntilDeadline(t *testing.T) {
	backend := &flakyBackend{Store: memory.New()}
	q := newTestQueue(t, backend, queue.DefaultOptions())

	start := time.Now()
	_, err := q.Get(context.Background(), 0, queue.WithTimeout(150*time.Millisecond), queue.WithPollInterval(20*time.Millisecond))
	elapsed := time.Since(start)
	if !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("Get() error = %v, want ErrQueueEmpty", err)
	}
	if elapsed < 150*time.Millisecond {
		t.Fatalf("Get() returned after %s, before the timeout", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Get() returned after %s", elapsed)
	}
	if backend.claims.Load() < 3 {
		t.Fatalf("claim attempts = %d, want several", backend.claims.Load())
	}
}

func TestGetMakesFinalAttemptAtDeadline(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Put(context.Background(), []byte("late"), 0)
	}()

	// The poll interval is far longer than the timeout, so the message can
	// only be seen by the attempt made when the deadline arrives.
	msg, err := q.Get(context.Background(), 0, queue.WithTimeout(300*time.Millisecond), queue.WithPollInterval(time.Hour))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(msg.Payload()) != "late" {
		t.Fatalf("payload = %q", msg.Payload())
	}
}

func TestGetForeverWaitsForMessage(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Put(context.Background(), []byte("eventually"), 2)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := q.Get(ctx, 2, queue.WithTimeout(queue.Forever), queue.WithPollInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(msg.Payload()) != "eventually" {
		t.Fatalf("payload = %q", msg.Payload())
	}
}

func TestGetCancellationIsNotEmpty(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	_, err := q.Get(ctx, 0, queue.WithTimeout(queue.Forever), queue.WithPollInterval(time.Hour))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Get() error = %v, want context.Canceled", err)
	}
	if errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatal("cancellation must not be reported as empty")
	}

	deadlineCtx, cancelDeadline := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancelDeadline()
	_, err = q.Get(deadlineCtx, 0, queue.WithTimeout(time.Hour), queue.WithPollInterval(5*time.Millisecond))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Get() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestGetOnCancelledContextDoesNotClaim(t *testing.T) {
	backend := &flakyBackend{Store: memory.New()}
	q := newTestQueue(t, backend, queue.DefaultOptions())
	if _, err := q.Put(context.Background(), []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.GetNowait(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("GetNowait() error = %v, want context.Canceled", err)
	}
	if backend.claims.Load() != 0 {
		t.Fatalf("claim attempts = %d, want 0", backend.claims.Load())
	}
}

func TestBackendErrorIsWrappedAndNotRetried(t *testing.T) {
	cause := errors.New("connection refused")
	backend := &flakyBackend{Store: memory.New(), claimErr: cause}
	q := newTestQueue(t, backend, queue.DefaultOptions())

	_, err := q.Get(context.Background(), 0, queue.WithTimeout(time.Second), queue.WithPollInterval(5*time.Millisecond))
	if !errors.Is(err, queue.ErrBackendUnavailable) {
		t.Fatalf("Get() error = %v, want ErrBackendUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("Get() error = %v, want cause in chain", err)
	}
	if errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatal("backend failure must not look like an empty queue")
	}
	if backend.claims.Load() != 1 {
		t.Fatalf("claim attempts = %d, want 1", backend.claims.Load())
	}
}

func TestAckFailureLeavesHandleOwned(t *testing.T) {
	backend := &flakyBackend{Store: memory.New(), deleteErr: []error{errors.New("timeout")}}
	q := newTestQueue(t, backend, queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	msg, err := q.GetNowait(ctx, 0)
	if err != nil {
		t.Fatalf("GetNowait() error = %v", err)
	}
	if err := msg.Ack(ctx); !errors.Is(err, queue.ErrBackendUnavailable) {
		t.Fatalf("Ack() error = %v, want ErrBackendUnavailable", err)
	}
	if msg.State() != queue.StateOwned {
		t.Fatalf("State() = %s, want owned", msg.State())
	}
	if err := msg.Ack(ctx); err != nil {
		t.Fatalf("retried Ack() error = %v", err)
	}
	if msg.State() != queue.StateAcked {
		t.Fatalf("State() = %s, want acked", msg.State())
	}
}

func TestConcurrentResolveSucceedsOnce(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	msg, err := q.GetNowait(ctx, 0)
	if err != nil {
		t.Fatalf("GetNowait() error = %v", err)
	}

	var wins, misuse atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = msg.Ack(ctx)
			} else {
				err = msg.Nack(ctx)
			}
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, queue.ErrAlreadyResolved):
				misuse.Add(1)
			default:
				t.Errorf("resolve error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 || misuse.Load() != 15 {
		t.Fatalf("wins = %d misuse = %d", wins.Load(), misuse.Load())
	}
}

func TestStaleNackDoesNotReleaseNewOwner(t *testing.T) {
	clock := queuetest.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	q := newTestQueue(t, memory.New(memory.WithClock(clock.Now)), queue.Options{AcquireTimeout: time.Minute})
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	first, err := q.GetNowait(ctx, 0)
	if err != nil {
		t.Fatalf("GetNowait() error = %v", err)
	}
	clock.Advance(2 * time.Minute)
	second, err := q.GetNowait(ctx, 0)
	if err != nil {
		t.Fatalf("GetNowait() reclaim error = %v", err)
	}
	if err := first.Nack(ctx); err != nil {
		t.Fatalf("stale Nack() error = %v", err)
	}
	if first.State() != queue.StateNacked {
		t.Fatalf("stale handle State() = %s", first.State())
	}
	if _, err := q.GetNowait(ctx, 0); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("stale nack released the row: %v", err)
	}
	if err := second.Ack(ctx); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	msg, err := q.GetNowait(ctx, 0)
	if err != nil {
		t.Fatalf("GetNowait() error = %v", err)
	}
	if err := msg.Release(ctx); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if msg.State() != queue.StateNacked {
		t.Fatalf("State() = %s, want nacked", msg.State())
	}
	if err := msg.Release(ctx); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}

func TestWithMessageReleasesUnresolved(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	id, err := q.Put(ctx, []byte("job"), 1)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	handlerErr := errors.New("handler failed")
	err = q.WithMessage(ctx, 1, func(_ context.Context, msg *queue.Message) error {
		return handlerErr
	}, queue.WithTimeout(0))
	if !errors.Is(err, handlerErr) {
		t.Fatalf("WithMessage() error = %v, want handler error", err)
	}
	assertAvailable(t, q, 1, id)

	if err := q.WithMessage(ctx, 1, func(context.Context, *queue.Message) error { return nil }, queue.WithTimeout(0)); err != nil {
		t.Fatalf("WithMessage() error = %v", err)
	}
	assertAvailable(t, q, 1, id)
}

func TestWithMessageReleasesOnPanic(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	id, err := q.Put(ctx, []byte("job"), 1)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	func() {
		defer func() {
			if recovered := recover(); recovered != "boom" {
				t.Fatalf("recover() = %v, want boom", recovered)
			}
		}()
		_ = q.WithMessage(ctx, 1, func(context.Context, *queue.Message) error {
			panic("boom")
		}, queue.WithTimeout(0))
	}()
	assertAvailable(t, q, 1, id)
}

func TestWithMessageReleasesAfterCancellation(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	id, err := q.Put(context.Background(), []byte("job"), 1)
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	err = q.WithMessage(ctx, 1, func(ctx context.Context, _ *queue.Message) error {
		cancel()
		return ctx.Err()
	}, queue.WithTimeout(0))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("WithMessage() error = %v, want context.Canceled", err)
	}
	assertAvailable(t, q, 1, id)
}

func TestWithMessageKeepsAck(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("job"), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	err := q.WithMessage(ctx, 1, func(ctx context.Context, msg *queue.Message) error {
		return msg.Ack(ctx)
	}, queue.WithTimeout(0))
	if err != nil {
		t.Fatalf("WithMessage() error = %v", err)
	}
	size, err := q.Size(ctx, 1)
	if err != nil || size != 0 {
		t.Fatalf("Size() = (%d, %v), want 0", size, err)
	}
}

func TestWithMessageReturnsEmpty(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	called := false
	err := q.WithMessage(context.Background(), 1, func(context.Context, *queue.Message) error {
		called = true
		return nil
	}, queue.WithTimeout(0))
	if !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("WithMessage() error = %v, want ErrQueueEmpty", err)
	}
	if called {
		t.Fatal("handler called without a message")
	}
}

func TestPutValidation(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.Options{MaxPayloadSize: 4})
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("12345"), 0); !errors.Is(err, queue.ErrPayloadTooLarge) {
		t.Fatalf("Put() error = %v, want ErrPayloadTooLarge", err)
	}
	if _, err := q.PutBatch(ctx, 0, [][]byte{[]byte("ok"), []byte("too long")}); !errors.Is(err, queue.ErrPayloadTooLarge) {
		t.Fatalf("PutBatch() error = %v, want ErrPayloadTooLarge", err)
	}
	if _, err := q.Put(ctx, []byte("1"), -1); !errors.Is(err, queue.ErrInvalidTopic) {
		t.Fatalf("Put() error = %v, want ErrInvalidTopic", err)
	}
	if _, err := q.GetNowait(ctx, -1); !errors.Is(err, queue.ErrInvalidTopic) {
		t.Fatalf("GetNowait() error = %v, want ErrInvalidTopic", err)
	}
	if size, err := q.Size(ctx, 0); err != nil || size != 0 {
		t.Fatalf("Size() = (%d, %v), rejected batch must not insert", size, err)
	}
	if _, err := q.Put(ctx, nil, 0); err != nil {
		t.Fatalf("Put(nil) error = %v", err)
	}
}

func TestTopicQueueIsBoundToTopic(t *testing.T) {
	q := newTestQueue(t, memory.New(), queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Topic(-2); !errors.Is(err, queue.ErrInvalidTopic) {
		t.Fatalf("Topic(-2) error = %v", err)
	}
	tq, err := q.Topic(8)
	if err != nil {
		t.Fatalf("Topic() error = %v", err)
	}
	if tq.Topic() != 8 {
		t.Fatalf("Topic() = %d", tq.Topic())
	}
	if _, err := tq.Put(ctx, []byte("mono")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err := q.GetNowait(ctx, 0); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("topic 0 should be empty: %v", err)
	}
	size, err := tq.Size(ctx)
	if err != nil || size != 1 {
		t.Fatalf("Size() = (%d, %v)", size, err)
	}
	err = tq.WithMessage(ctx, func(ctx context.Context, msg *queue.Message) error {
		if msg.Topic() != 8 {
			t.Fatalf("msg.Topic() = %d", msg.Topic())
		}
		return msg.Ack(ctx)
	}, queue.WithTimeout(0))
	if err != nil {
		t.Fatalf("WithMessage() error = %v", err)
	}
	if _, err := tq.GetNowait(ctx); !errors.Is(err, queue.ErrQueueEmpty) {
		t.Fatalf("GetNowait() error = %v", err)
	}
}

func TestTouchUnsupportedBackend(t *testing.T) {
	q := newTestQueue(t, minimalBackend{memory.New()}, queue.DefaultOptions())
	ctx := context.Background()
	if _, err := q.Put(ctx, []byte("x"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	msgs, err := q.GetBatch(ctx, 0, 5)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("GetBatch() = (%d, %v)", len(msgs), err)
	}
	if err := msgs[0].Touch(ctx); !errors.Is(err, queue.ErrUnsupported) {
		t.Fatalf("Touch() error = %v, want ErrUnsupported", err)
	}
	if _, err := q.ReleaseExpired(ctx); !errors.Is(err, queue.ErrUnsupported) {
		t.Fatalf("ReleaseExpired() error = %v, want ErrUnsupported", err)
	}
	if _, err := q.Scan(ctx, 0, 10); !errors.Is(err, queue.ErrUnsupported) {
		t.Fatalf("Scan() error = %v, want ErrUnsupported", err)
	}
	if err := q.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

// minimalBackend hides every optional capability of the wrapped store.
type minimalBackend struct {
	store *memory.Store
}

func (b minimalBackend) ProvisionSchema(ctx context.Context) error {
	return b.store.ProvisionSchema(ctx)
}

func (b minimalBackend) DropSchema(ctx context.Context) error {
	return b.store.DropSchema(ctx)
}

func (b minimalBackend) InsertRow(ctx context.Context, topic int64, payload []byte) (int64, error) {
	return b.store.InsertRow(ctx, topic, payload)
}

func (b minimalBackend) ClaimOne(ctx context.Context, topic int64, owner string, lease time.Duration) (queue.Row, bool, error) {
	return b.store.ClaimOne(ctx, topic, owner, lease)
}

func (b minimalBackend) DeleteRow(ctx context.Context, id int64, owner string) (bool, error) {
	return b.store.DeleteRow(ctx, id, owner)
}

func (b minimalBackend) ReleaseRow(ctx context.Context, id int64, owner string) (bool, error) {
	return b.store.ReleaseRow(ctx, id, owner)
}

func (b minimalBackend) CountAvailable(ctx context.Context, topic int64) (int64, error) {
	return b.store.CountAvailable(ctx, topic)
}

func (b minimalBackend) ListTopicsWithCounts(ctx context.Context) ([]queue.TopicCount, error) {
	return b.store.ListTopicsWithCounts(ctx)
}

func assertAvailable(t *testing.T, q *queue.Queue, topic, id int64) {
	t.Helper()
	msg, err := q.GetNowait(context.Background(), topic)
	if err != nil {
		t.Fatalf("GetNowait() error = %v, message should be available again", err)
	}
	if msg.ID() != id {
		t.Fatalf("GetNowait() id = %d, want %d", msg.ID(), id)
	}
	if err := msg.Nack(context.Background()); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
}

// failingClaimBackend fails every claim after the first few.
type failingClaimBackend struct {
	minimalBackend
	remaining *atomic.Int32
}

func (b failingClaimBackend) ClaimOne(ctx context.Context, topic int64, owner string, lease time.Duration) (queue.Row, bool, error) {
	if b.remaining.Add(-1) < 0 {
		return queue.Row{}, false, errors.New("connection reset")
	}
	return b.minimalBackend.ClaimOne(ctx, topic, owner, lease)
}

func TestGetBatchReleasesPartialClaimsOnFailure(t *testing.T) {
	remaining := &atomic.Int32{}
	remaining.Store(2)
	q := newTestQueue(t, failingClaimBackend{minimalBackend: minimalBackend{memory.New()}, remaining: remaining}, queue.DefaultOptions())
	ctx := context.Background()
	for _, payload := range []string{"a", "b", "c"} {
		if _, err := q.Put(ctx, []byte(payload), 4); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}

	msgs, err := q.GetBatch(ctx, 4, 3)
	if !errors.Is(err, queue.ErrBackendUnavailable) {
		t.Fatalf("GetBatch() error = %v, want ErrBackendUnavailable", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("GetBatch() returned %d messages alongside an error", len(msgs))
	}
	size, err := q.Size(ctx, 4)
	if err != nil {
		t.Fatalf("Size() error = %v", err)
	}
	if size != 3 {
		t.Fatalf("Size() = %d, want 3 after the partial batch was released", size)
	}
}
