package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leaseq/leaseq/internal/observability"
)

type State int

const (
	StateOwned State = iota
	StateAcked
	StateNacked
)

func (s State) String() string {
	switch s {
	case StateOwned:
		return "owned"
	case StateAcked:
		return "acked"
	case StateNacked:
		return "nacked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Message is a claimed row. It must be resolved exactly once with Ack or
// Nack; a handle that is dropped unresolved is recovered when its lease
// expires. Safe for concurrent use.
type Message struct {
	queue   *Queue
	id      int64
	topic   int64
	payload []byte
	token   string

	mu          sync.Mutex
	state       State
	leaseExpiry time.Time
}

func newMessage(q *Queue, row Row, token string) *Message {
	return &Message{
		queue:       q,
		id:          row.ID,
		topic:       row.Topic,
		payload:     row.Payload,
		token:       token,
		state:       StateOwned,
		leaseExpiry: row.LeaseExpiry,
	}
}

func (m *Message) ID() int64 {
	return m.id
}

func (m *Message) Topic() int64 {
	return m.topic
}

// Payload returns the message body. Callers must not modify it.
func (m *Message) Payload() []byte {
	return m.payload
}

func (m *Message) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Message) LeaseExpiry() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaseExpiry
}

// Ack deletes the message. If the backend call fails the handle stays owned
// and Ack may be retried.
func (m *Message) Ack(ctx context.Context) error {
	return m.resolve(ctx, "ack", StateAcked, m.queue.backend.DeleteRow)
}

// Nack returns the message to the queue for immediate redelivery. Its id and
// position are unchanged.
func (m *Message) Nack(ctx context.Context) error {
	return m.resolve(ctx, "nack", StateNacked, m.queue.backend.ReleaseRow)
}

// Release nacks the message if it is still owned and is a no-op otherwise,
// for use in defer.
func (m *Message) Release(ctx context.Context) error {
	m.mu.Lock()
	owned := m.state == StateOwned
	m.mu.Unlock()
	if !owned {
		return nil
	}
	err := m.Nack(ctx)
	if errors.Is(err, ErrAlreadyResolved) {
		return nil
	}
	return err
}

func (m *Message) resolve(ctx context.Context, action string, next State, call func(context.Context, int64, string) (bool, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOwned {
		return fmt.Errorf("%w: message %d is %s", ErrAlreadyResolved, m.id, m.state)
	}

	ctx, span := tracer.Start(ctx, "leaseq."+action, trace.WithAttributes(
		attribute.Int64("leaseq.topic", m.topic),
		attribute.Int64("leaseq.message_id", m.id),
	))
	defer span.End()

	held, err := call(ctx, m.id, m.token)
	if err != nil {
		err = backendError(ctx, action, err)
		span.RecordError(err)
		return err
	}
	m.state = next
	stale := !held
	observability.ObserveResolve(action, stale)
	if stale {
		span.SetAttributes(attribute.Bool("leaseq.stale", true))
		m.queue.logger.WarnContext(ctx, "resolve on expired lease had no effect",
			slog.String("action", action),
			slog.Int64("topic", m.topic),
			slog.Int64("message_id", m.id),
		)
	}
	return nil
}

// Touch extends the lease by the queue's AcquireTimeout, measured from now.
// It returns ErrLeaseLost if another consumer reclaimed the row.
func (m *Message) Touch(ctx context.Context) error {
	extender, ok := m.queue.backend.(LeaseExtender)
	if !ok {
		return ErrUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOwned {
		return fmt.Errorf("%w: message %d is %s", ErrAlreadyResolved, m.id, m.state)
	}
	expiry, held, err := extender.ExtendLease(ctx, m.id, m.token, m.queue.opts.AcquireTimeout)
	if err != nil {
		return backendError(ctx, "touch", err)
	}
	if !held {
		observability.ObserveStaleLease()
		return fmt.Errorf("%w: message %d", ErrLeaseLost, m.id)
	}
	m.leaseExpiry = expiry
	return nil
}
