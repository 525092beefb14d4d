package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/leaseq/leaseq/internal/observability"
)

// Get claims the oldest available message of topic, polling until one
// arrives, the timeout passes (ErrQueueEmpty) or ctx ends (ctx.Err()).
// Without options it uses the queue's DefaultTimeout and DefaultPollInterval.
//
// Waiting consumers are not served in arrival order; a slow poller can be
// starved by faster ones.
func (q *Queue) Get(ctx context.Context, topic int64, opts ...GetOption) (*Message, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	settings := getSettings{timeout: q.opts.DefaultTimeout, pollInterval: q.opts.DefaultPollInterval}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	ctx, span := tracer.Start(ctx, "leaseq.get", trace.WithAttributes(
		attribute.Int64("leaseq.topic", topic),
		attribute.String("leaseq.timeout", settings.timeout.String()),
	))
	defer span.End()

	start := time.Now()
	msg, err := q.poll(ctx, topic, settings)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int64("leaseq.message_id", msg.ID()))
		observability.ObserveGetWait(observability.WaitDelivered, elapsed)
	case errors.Is(err, ErrQueueEmpty):
		observability.ObserveGetWait(observability.WaitEmpty, elapsed)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		observability.ObserveGetWait(observability.WaitCancelled, elapsed)
	default:
		span.RecordError(err)
		observability.ObserveGetWait(observability.WaitError, elapsed)
	}
	return msg, err
}

// GetNowait makes exactly one claim attempt.
func (q *Queue) GetNowait(ctx context.Context, topic int64) (*Message, error) {
	return q.Get(ctx, topic, WithTimeout(0))
}

func (q *Queue) poll(ctx context.Context, topic int64, settings getSettings) (*Message, error) {
	var deadline time.Time
	if settings.timeout > 0 {
		deadline = time.Now().Add(settings.timeout)
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, ok, err := q.claim(ctx, topic)
		if err != nil {
			return nil, err
		}
		if ok {
			return msg, nil
		}
		if settings.timeout == 0 {
			return nil, ErrQueueEmpty
		}

		wait := settings.pollInterval
		if settings.timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, ErrQueueEmpty
			}
			// The last sleep ends at the deadline so one final attempt
			// happens there.
			if remaining < wait {
				wait = remaining
			}
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, topic int64) (*Message, bool, error) {
	token := uuid.NewString()
	ctx, span := tracer.Start(ctx, "leaseq.claim", trace.WithAttributes(attribute.Int64("leaseq.topic", topic)))
	defer span.End()

	row, ok, err := q.backend.ClaimOne(ctx, topic, token, q.opts.AcquireTimeout)
	if err != nil {
		observability.ObserveClaim(observability.ClaimError)
		err = backendError(ctx, "claim", err)
		span.RecordError(err)
		return nil, false, err
	}
	if !ok {
		observability.ObserveClaim(observability.ClaimEmpty)
		return nil, false, nil
	}
	observability.ObserveClaim(observability.ClaimClaimed)
	span.SetAttributes(attribute.Int64("leaseq.message_id", row.ID))
	q.logger.DebugContext(ctx, "message claimed",
		slog.Int64("topic", topic),
		slog.Int64("message_id", row.ID),
		slog.Time("lease_expiry", row.LeaseExpiry),
	)
	return newMessage(q, row, token), true, nil
}

// GetBatch claims up to n available messages of topic without waiting.
// An empty result is not an error. On error it returns no messages and nacks
// any it had already claimed.
func (q *Queue) GetBatch(ctx context.Context, topic int64, n int) ([]*Message, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "leaseq.get_batch", trace.WithAttributes(
		attribute.Int64("leaseq.topic", topic),
		attribute.Int("leaseq.batch_size", n),
	))
	defer span.End()

	claimer, ok := q.backend.(BatchClaimer)
	if !ok {
		messages := make([]*Message, 0, n)
		for len(messages) < n {
			msg, claimed, err := q.claim(ctx, topic)
			if err != nil {
				q.releaseAll(ctx, messages)
				return nil, err
			}
			if !claimed {
				break
			}
			messages = append(messages, msg)
		}
		return messages, nil
	}

	token := uuid.NewString()
	rows, err := claimer.ClaimMany(ctx, topic, token, q.opts.AcquireTimeout, n)
	if err != nil {
		observability.ObserveClaim(observability.ClaimError)
		err = backendError(ctx, "claim_batch", err)
		span.RecordError(err)
		return nil, err
	}
	if len(rows) == 0 {
		observability.ObserveClaim(observability.ClaimEmpty)
		return nil, nil
	}
	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		observability.ObserveClaim(observability.ClaimClaimed)
		messages = append(messages, newMessage(q, row, token))
	}
	return messages, nil
}

// releaseAll nacks handles claimed before a batch failed so their leases do
// not linger until expiry.
func (q *Queue) releaseAll(ctx context.Context, messages []*Message) {
	if len(messages) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scopedReleaseTimeout)
	defer cancel()
	for _, msg := range messages {
		if err := msg.Release(releaseCtx); err != nil {
			q.logger.WarnContext(ctx, "release after failed batch claim",
				slog.Int64("message_id", msg.ID()),
				slog.Any("error", err),
			)
		}
	}
}
