package queue

import (
	"context"
	"errors"
	"log/slog"
)

// Handler processes one claimed message. Returning without calling Ack
// or Nack hands the message back to the queue.
type Handler func(ctx context.Context, msg *Message) error

// WithMessage claims a message of topic with Get and runs fn with it. If fn
// returns, fails or panics while the message is still owned, the message is
// nacked using a context detached from ctx's cancellation, and a panic is
// re-raised afterwards.
func (q *Queue) WithMessage(ctx context.Context, topic int64, fn Handler, opts ...GetOption) (err error) {
	msg, err := q.Get(ctx, topic, opts...)
	if err != nil {
		return err
	}

	defer func() {
		recovered := recover()
		if releaseErr := q.releaseDetached(ctx, msg); releaseErr != nil {
			q.logger.ErrorContext(ctx, "release unresolved message failed",
				slog.Int64("topic", msg.Topic()),
				slog.Int64("message_id", msg.ID()),
				slog.Any("error", releaseErr),
			)
			if recovered == nil {
				err = errors.Join(err, releaseErr)
			}
		}
		if recovered != nil {
			panic(recovered)
		}
	}()

	return fn(ctx, msg)
}

func (q *Queue) releaseDetached(ctx context.Context, msg *Message) error {
	if msg.State() != StateOwned {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), scopedReleaseTimeout)
	defer cancel()
	q.logger.DebugContext(ctx, "releasing unresolved message",
		slog.Int64("topic", msg.Topic()),
		slog.Int64("message_id", msg.ID()),
	)
	return msg.Release(releaseCtx)
}
