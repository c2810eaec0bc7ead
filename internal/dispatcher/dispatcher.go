// Package dispatcher consumes orchestration events from the bus and runs
// each one as an isolated, time-boxed work item on a bounded worker pool.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/domain"
	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
)

// Handler executes hops.
type Handler interface {
	HandleEvent(ctx context.Context, ev *domain.OrchestrationEvent) error
	Fail(ctx context.Context, ev *domain.OrchestrationEvent, cause error) error
}

// Config sizes the worker pool.
type Config struct {
	Workers        int
	QueueSize      int
	HopTimeout     time.Duration
	EnqueueRetries int
	EnqueueBackoff time.Duration
	Logger         *slog.Logger
}

var errQueueFull = errors.New("work queue full")

type job struct {
	ev   *domain.OrchestrationEvent
	done chan error
}

// Dispatcher turns bus batches into work items.
type Dispatcher struct {
	handler Handler
	cfg     Config
	logger  *slog.Logger

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once
}

// New creates a Dispatcher. Workers start with Start.
func New(handler Handler, cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HopTimeout <= 0 {
		cfg.HopTimeout = time.Minute
	}
	if cfg.EnqueueRetries < 0 {
		cfg.EnqueueRetries = 0
	}
	if cfg.EnqueueBackoff <= 0 {
		cfg.EnqueueBackoff = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		handler: handler,
		cfg:     cfg,
		logger:  cfg.Logger,
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. Hops run under ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for j := range d.queue {
				j.done <- d.run(ctx, j.ev)
			}
		}()
	}
	d.logger.Info("turn dispatcher started",
		slog.Int("workers", d.cfg.Workers),
		slog.Int("queue_size", d.cfg.QueueSize))
}

// Stop closes the queue and waits for in-flight hops.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

// Run starts the workers and consumes the orchestration topic until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context, sub ports.Subscriber) error {
	d.Start(ctx)
	defer d.Stop()
	return sub.Subscribe(ctx, ports.TopicOrchestration, d.HandleBatch)
}

// HandleBatch schedules every valid event in batch and waits for them.
// Malformed events are logged and settled. It returns the ids of
// deliveries whose hop failed with a retryable error.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch []ports.Delivery) []string {
	type pending struct {
		id   string
		ev   *domain.OrchestrationEvent
		done chan error
	}
	var inflight []pending
	var redeliver []string

	for _, dl := range batch {
		ev, err := domain.DecodeEvent(dl.Payload)
		if err == nil {
			err = ev.Validate()
		}
		if err != nil {
			d.logger.Warn("skipping malformed orchestration event",
				slog.String("delivery_id", dl.ID),
				slog.String("error", err.Error()))
			continue
		}

		done := make(chan error, 1)
		if err := d.enqueue(ctx, job{ev: ev, done: done}); err != nil {
			d.logger.Error("failed to schedule hop",
				slog.String("session_id", ev.SessionID),
				slog.Int64("seq", ev.SequenceNumber),
				slog.String("error", err.Error()))
			cause := domain.WrapError(domain.KindEnqueue, "failed to schedule hop", err)
			if ferr := d.handler.Fail(ctx, ev, cause); ferr != nil {
				redeliver = append(redeliver, dl.ID)
			}
			continue
		}
		inflight = append(inflight, pending{id: dl.ID, ev: ev, done: done})
	}

	for _, p := range inflight {
		if err := <-p.done; err != nil {
			d.logger.Warn("hop will be redelivered",
				slog.String("session_id", p.ev.SessionID),
				slog.String("step", string(p.ev.NextStepType)),
				slog.Int64("seq", p.ev.SequenceNumber),
				slog.String("error", err.Error()))
			redeliver = append(redeliver, p.id)
		}
	}
	return redeliver
}

// enqueue offers j to the queue, backing off while it is full.
func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(d.cfg.EnqueueBackoff), uint64(d.cfg.EnqueueRetries)), ctx)
	return backoff.Retry(func() error {
		select {
		case d.queue <- j:
			return nil
		default:
			return errQueueFull
		}
	}, policy)
}

func (d *Dispatcher) run(ctx context.Context, ev *domain.OrchestrationEvent) (err error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.HopTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hop panicked",
				slog.String("session_id", ev.SessionID),
				slog.String("step", string(ev.NextStepType)),
				slog.Any("panic", r))
			err = fmt.Errorf("hop panicked: %v", r)
		}
	}()
	return d.handler.HandleEvent(ctx, ev)
}
