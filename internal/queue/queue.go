// Package queue implements multi-topic FIFO message delivery on top of a
// transactional table. Consumers claim the oldest available row of a topic
// under a time-bounded lease, then ack (delete) or nack (release) it. A
// consumer that dies simply lets its lease run out and the row becomes
// claimable again, so delivery is at-least-once.
package queue

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leaseq/leaseq/internal/observability"
)

var tracer = otel.Tracer("github.com/leaseq/leaseq/internal/queue")

// Queue is a stateless façade over a Backend. It is safe for concurrent use;
// every operation is an independent backend transaction.
type Queue struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

func New(backend Backend, opts Options) (*Queue, error) {
	if backend == nil {
		return nil, fmt.Errorf("queue backend is required")
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.DefaultPollInterval <= 0 {
		opts.DefaultPollInterval = defaultPollInterval
	}
	if opts.DefaultTimeout < 0 {
		opts.DefaultTimeout = Forever
	}
	if opts.MaxPayloadSize < 0 {
		return nil, fmt.Errorf("max payload size must be >= 0")
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return &Queue{backend: backend, opts: opts, logger: logger}, nil
}

func (q *Queue) Options() Options {
	return q.opts
}

// Create provisions the storage. Safe to call from many processes at once.
func (q *Queue) Create(ctx context.Context) error {
	if err := q.backend.ProvisionSchema(ctx); err != nil {
		return backendError(ctx, "create", err)
	}
	q.logger.InfoContext(ctx, "queue storage provisioned")
	return nil
}

// Destroy drops the storage and every message in it.
func (q *Queue) Destroy(ctx context.Context) error {
	if err := q.backend.DropSchema(ctx); err != nil {
		return backendError(ctx, "destroy", err)
	}
	q.logger.InfoContext(ctx, "queue storage dropped")
	return nil
}

// Put appends payload to topic and returns the new message id.
func (q *Queue) Put(ctx context.Context, payload []byte, topic int64) (int64, error) {
	if err := q.checkPut(topic, payload); err != nil {
		return 0, err
	}
	ctx, span := tracer.Start(ctx, "leaseq.put", trace.WithAttributes(
		attribute.Int64("leaseq.topic", topic),
		attribute.Int("leaseq.payload_bytes", len(payload)),
	))
	defer span.End()

	if payload == nil {
		payload = []byte{}
	}
	id, err := q.backend.InsertRow(ctx, topic, payload)
	if err != nil {
		err = backendError(ctx, "put", err)
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int64("leaseq.message_id", id))
	observability.ObservePut(1)
	q.logger.DebugContext(ctx, "message put", slog.Int64("topic", topic), slog.Int64("message_id", id))
	return id, nil
}

// PutBatch appends payloads to topic in order. Backends that implement
// BatchInserter do it in one transaction.
func (q *Queue) PutBatch(ctx context.Context, topic int64, payloads [][]byte) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	normalized := make([][]byte, len(payloads))
	for i, payload := range payloads {
		if err := q.checkPut(topic, payload); err != nil {
			return nil, err
		}
		if payload == nil {
			payload = []byte{}
		}
		normalized[i] = payload
	}
	payloads = normalized
	ctx, span := tracer.Start(ctx, "leaseq.put_batch", trace.WithAttributes(
		attribute.Int64("leaseq.topic", topic),
		attribute.Int("leaseq.batch_size", len(payloads)),
	))
	defer span.End()

	if inserter, ok := q.backend.(BatchInserter); ok {
		ids, err := inserter.InsertRows(ctx, topic, payloads)
		if err != nil {
			err = backendError(ctx, "put_batch", err)
			span.RecordError(err)
			return nil, err
		}
		observability.ObservePut(len(ids))
		return ids, nil
	}

	ids := make([]int64, 0, len(payloads))
	for _, payload := range payloads {
		id, err := q.backend.InsertRow(ctx, topic, payload)
		if err != nil {
			err = backendError(ctx, "put_batch", err)
			span.RecordError(err)
			return ids, err
		}
		ids = append(ids, id)
	}
	observability.ObservePut(len(ids))
	return ids, nil
}

func (q *Queue) checkPut(topic int64, payload []byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if q.opts.MaxPayloadSize > 0 && len(payload) > q.opts.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), q.opts.MaxPayloadSize)
	}
	return nil
}

// Size estimates the number of available messages in topic. It may be stale
// by the time it returns.
func (q *Queue) Size(ctx context.Context, topic int64) (int64, error) {
	if err := validateTopic(topic); err != nil {
		return 0, err
	}
	count, err := q.backend.CountAvailable(ctx, topic)
	if err != nil {
		return 0, backendError(ctx, "size", err)
	}
	return count, nil
}

// Topics lists every topic holding at least one row with its available
// count. Like Size it is an estimate.
func (q *Queue) Topics(ctx context.Context) ([]TopicCount, error) {
	topics, err := q.backend.ListTopicsWithCounts(ctx)
	if err != nil {
		return nil, backendError(ctx, "topics", err)
	}
	return topics, nil
}

// Ping checks backend connectivity when the backend supports it.
func (q *Queue) Ping(ctx context.Context) error {
	pinger, ok := q.backend.(Pinger)
	if !ok {
		return nil
	}
	if err := pinger.Ping(ctx); err != nil {
		return backendError(ctx, "ping", err)
	}
	return nil
}

// ReleaseExpired clears lapsed leases so owner columns reflect reality.
func (q *Queue) ReleaseExpired(ctx context.Context) (int64, error) {
	releaser, ok := q.backend.(ExpiredReleaser)
	if !ok {
		return 0, ErrUnsupported
	}
	released, err := releaser.ReleaseExpired(ctx)
	if err != nil {
		return 0, backendError(ctx, "release_expired", err)
	}
	if released > 0 {
		q.logger.InfoContext(ctx, "expired leases released", slog.Int64("count", released))
	}
	return released, nil
}

// Scan pages through every stored row in id order, including leased ones.
func (q *Queue) Scan(ctx context.Context, afterID int64, limit int) ([]Row, error) {
	scanner, ok := q.backend.(RowScanner)
	if !ok {
		return nil, ErrUnsupported
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := scanner.ScanRows(ctx, afterID, limit)
	if err != nil {
		return nil, backendError(ctx, "scan", err)
	}
	return rows, nil
}

// Topic binds the queue to a single topic.
func (q *Queue) Topic(topic int64) (*TopicQueue, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	return &TopicQueue{queue: q, topic: topic}, nil
}
