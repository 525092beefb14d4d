package queue

import "context"

// TopicQueue is a Queue bound to one topic.
type TopicQueue struct {
	queue *Queue
	topic int64
}

func (t *TopicQueue) Topic() int64 {
	return t.topic
}

func (t *TopicQueue) Put(ctx context.Context, payload []byte) (int64, error) {
	return t.queue.Put(ctx, payload, t.topic)
}

func (t *TopicQueue) PutBatch(ctx context.Context, payloads [][]byte) ([]int64, error) {
	return t.queue.PutBatch(ctx, t.topic, payloads)
}

func (t *TopicQueue) Get(ctx context.Context, opts ...GetOption) (*Message, error) {
	return t.queue.Get(ctx, t.topic, opts...)
}

func (t *TopicQueue) GetNowait(ctx context.Context) (*Message, error) {
	return t.queue.GetNowait(ctx, t.topic)
}

func (t *TopicQueue) GetBatch(ctx context.Context, n int) ([]*Message, error) {
	return t.queue.GetBatch(ctx, t.topic, n)
}

func (t *TopicQueue) Size(ctx context.Context) (int64, error) {
	return t.queue.Size(ctx, t.topic)
}

func (t *TopicQueue) WithMessage(ctx context.Context, fn Handler, opts ...GetOption) error {
	return t.queue.WithMessage(ctx, t.topic, fn, opts...)
}
