package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/leaseq/leaseq/internal/observability"
)

var (
	// ErrQueueEmpty means no message became available within the wait.
	ErrQueueEmpty = errors.New("queue empty")
	// ErrBackendUnavailable wraps every storage failure. The driver error
	// stays in the chain.
	ErrBackendUnavailable = errors.New("queue backend unavailable")
	// ErrAlreadyResolved is returned when a handle is acked, nacked or
	// touched after it was already resolved.
	ErrAlreadyResolved = errors.New("message already resolved")
	// ErrLeaseLost is returned by Touch when the lease was reclaimed.
	ErrLeaseLost = errors.New("message lease lost")

	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrUnsupported     = errors.New("operation not supported by backend")
)

// backendError classifies err from a backend call. Cancellation of ctx is
// returned as the context error so callers never confuse it with an outage.
func backendError(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	observability.ObserveBackendError(op)
	return fmt.Errorf("%w: %s: %w", ErrBackendUnavailable, op, err)
}

func validateTopic(topic int64) error {
	if topic < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTopic, topic)
	}
	return nil
}
