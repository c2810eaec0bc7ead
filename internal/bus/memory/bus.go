// Package memory is an in-process implementation of ports.Bus. Each topic
// is a queue shared by its subscribers; messages are lost on restart.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

type queue struct {
	items  []ports.Delivery
	notify chan struct{}
}

// Bus is an in-process bus.
type Bus struct {
	mu          sync.Mutex
	queues      map[string]*queue
	closed      chan struct{}
	closeOnce   sync.Once
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

var _ ports.Bus = (*Bus)(nil)

// Options configures a Bus.
type Options struct {
	BatchSize   int
	MaxAttempts int
	Logger      *slog.Logger
}

// New creates an in-process bus.
func New(opts Options) *Bus {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		queues:      make(map[string]*queue),
		closed:      make(chan struct{}),
		batchSize:   opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		logger:      opts.Logger,
	}
}

func (b *Bus) queue(topic string) *queue {
	q, ok := b.queues[topic]
	if !ok {
		q = &queue{notify: make(chan struct{}, 1)}
		b.queues[topic] = q
	}
	return q
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Publish appends payload to topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-b.closed:
		return ErrClosed
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue(topic)
	q.items = append(q.items, ports.Delivery{
		ID:      uuid.NewString(),
		Topic:   topic,
		Payload: append([]byte(nil), payload...),
		Attempt: 1,
	})
	q.signal()
	return nil
}

// Subscribe delivers batches from topic to handler until ctx is cancelled
// or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler ports.BatchHandler) error {
	b.mu.Lock()
	q := b.queue(topic)
	b.mu.Unlock()

	for {
		batch := b.take(q)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-b.closed:
				return nil
			case <-q.notify:
				continue
			}
		}

		redeliver := handler(ctx, batch)
		if len(redeliver) > 0 {
			b.requeue(q, batch, redeliver)
		}
	}
}

func (b *Bus) take(q *queue) []ports.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(q.items)
	if n > b.batchSize {
		n = b.batchSize
	}
	batch := make([]ports.Delivery, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	if len(q.items) > 0 {
		q.signal()
	}
	return batch
}

func (b *Bus) requeue(q *queue, batch []ports.Delivery, ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range batch {
		if !want[d.ID] {
			continue
		}
		if d.Attempt >= b.maxAttempts {
			b.logger.Error("dropping message after max attempts",
				slog.String("topic", d.Topic),
				slog.String("id", d.ID),
				slog.Int("attempts", d.Attempt))
			continue
		}
		d.Attempt++
		q.items = append(q.items, d)
	}
	q.signal()
}

// Close stops all subscribers.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}
