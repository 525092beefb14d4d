// Package worker runs concurrent consumers of one topic.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/leaseq/leaseq/internal/observability"
	"github.com/leaseq/leaseq/internal/queue"
)

// HandleFunc processes one payload. A nil return acks the message; an error
// nacks it so another consumer can claim it at once.
type HandleFunc func(ctx context.Context, msg *queue.Message) error

type Config struct {
	Topic        int64
	Concurrency  int
	WaitTimeout  time.Duration
	ErrorBackoff time.Duration
}

type Worker struct {
	queue   *queue.Queue
	cfg     Config
	idle    time.Duration
	handle  HandleFunc
	logger  *slog.Logger
	onEvent func(outcome string)
}

func New(q *queue.Queue, cfg Config, handle HandleFunc, logger *slog.Logger) (*Worker, error) {
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if handle == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Topic < 0 {
		return nil, fmt.Errorf("%w: %d", queue.ErrInvalidTopic, cfg.Topic)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	w := &Worker{queue: q, cfg: cfg, handle: handle, logger: logger}
	// A zero WaitTimeout makes every claim non-blocking, so the loop has to
	// pace itself between empty attempts.
	if cfg.WaitTimeout == 0 {
		w.idle = q.Options().DefaultPollInterval
	}
	return w, nil
}

// Run starts Concurrency claim loops and blocks until ctx ends. It returns
// nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker started",
		slog.Int64("topic", w.cfg.Topic),
		slog.Int("concurrency", w.cfg.Concurrency),
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			return w.loop(gctx, i)
		})
	}
	err := g.Wait()
	w.logger.InfoContext(ctx, "worker stopped", slog.Int64("topic", w.cfg.Topic))
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return nil
	}
	return err
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	logger := w.logger.With(slog.Int("slot", slot), slog.Int64("topic", w.cfg.Topic))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := w.ProcessOne(ctx)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrQueueEmpty):
			if w.idle > 0 && !sleep(ctx, w.idle) {
				return ctx.Err()
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, queue.ErrBackendUnavailable):
			logger.WarnContext(ctx, "queue backend unavailable", slog.Any("error", err), slog.Duration("backoff", w.cfg.ErrorBackoff))
			if !sleep(ctx, w.cfg.ErrorBackoff) {
				return ctx.Err()
			}
		default:
			logger.ErrorContext(ctx, "message handler failed", slog.Any("error", err))
		}
	}
}

// ProcessOne waits up to WaitTimeout for a message and handles it.
func (w *Worker) ProcessOne(ctx context.Context) error {
	return w.queue.WithMessage(ctx, w.cfg.Topic, func(ctx context.Context, msg *queue.Message) error {
		if err := w.handle(ctx, msg); err != nil {
			w.record("failed")
			return fmt.Errorf("handle message %d: %w", msg.ID(), err)
		}
		if msg.State() != queue.StateOwned {
			w.record("resolved")
			return nil
		}
		if err := msg.Ack(ctx); err != nil {
			w.record("ack_failed")
			return err
		}
		w.record("acked")
		return nil
	}, queue.WithTimeout(w.cfg.WaitTimeout))
}

func (w *Worker) record(outcome string) {
	messagesHandled.WithLabelValues(outcome).Inc()
	if w.onEvent != nil {
		w.onEvent(outcome)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// LogPayload is a HandleFunc that logs every payload and acks it.
func LogPayload(logger *slog.Logger) HandleFunc {
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	return func(ctx context.Context, msg *queue.Message) error {
		logger.InfoContext(ctx, "message received",
			slog.Int64("topic", msg.Topic()),
			slog.Int64("message_id", msg.ID()),
			slog.String("payload", string(msg.Payload())),
		)
		return nil
	}
}
