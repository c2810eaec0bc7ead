// Package sqlq is a durable ports.Bus backed by a SQL table. Consumers
// claim rows under a lease; unacknowledged rows become visible again when
// the lease expires, which gives at-least-once delivery across restarts.
package sqlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/polyglot-turn-engine/internal/core/ports"
	"github.com/tjfontaine/polyglot-turn-engine/internal/storage/dialect"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Options configures a Queue.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	// RetryDelay is multiplied by the attempt number for redeliveries.
	RetryDelay  time.Duration
	MaxAttempts int
	Logger      *slog.Logger
}

// Queue implements ports.Bus on the bus_messages table.
type Queue struct {
	db        *sqlx.DB
	dialect   dialect.Dialect
	opts      Options
	now       func() time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

var _ ports.Bus = (*Queue)(nil)

type messageRow struct {
	ID      string `db:"id"`
	Topic   string `db:"topic"`
	Payload string `db:"payload"`
	Attempt int    `db:"attempt"`
}

// New creates the queue table if needed and returns a Queue sharing db.
func New(db *sqlx.DB, d dialect.Dialect, opts Options) (*Queue, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = 2 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	q := &Queue{
		db:      db,
		dialect: d,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		closed:  make(chan struct{}),
	}
	if err := q.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize bus schema: %w", err)
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	ts := q.dialect.TimestampType()
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bus_messages (
id TEXT PRIMARY KEY,
topic TEXT NOT NULL,
payload TEXT NOT NULL,
attempt INTEGER NOT NULL DEFAULT 0,
available_at %[1]s NOT NULL,
leased_until %[1]s,
created_at %[1]s NOT NULL
)`, ts),
		`CREATE INDEX IF NOT EXISTS idx_bus_messages_topic ON bus_messages(topic, available_at)`,
	}
	for _, stmt := range statements {
		if _, err := q.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Publish inserts payload into topic.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	now := q.now()
	query := q.dialect.Rebind(`INSERT INTO bus_messages (id, topic, payload, attempt, available_at, created_at)
	          VALUES (?, ?, ?, 0, ?, ?)`)
	if _, err := q.db.ExecContext(ctx, query, uuid.NewString(), topic, string(payload), now, now); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Subscribe polls topic and hands claimed batches to handler until ctx is
// cancelled or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler ports.BatchHandler) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		batch, err := q.claim(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.opts.Logger.Error("failed to claim messages",
				slog.String("topic", topic),
				slog.String("error", err.Error()))
		}

		if len(batch) > 0 {
			redeliver := handler(ctx, batch)
			// Settle with a fresh context so a shutdown mid-batch still acks.
			settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			if err := q.settle(settleCtx, batch, redeliver); err != nil {
				q.opts.Logger.Error("failed to settle messages",
					slog.String("topic", topic),
					slog.String("error", err.Error()))
			}
			cancel()
			if len(batch) == q.opts.BatchSize {
				continue
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-q.closed:
			return nil
		case <-ticker.C:
		}
	}
}

func (q *Queue) claim(ctx context.Context, topic string) ([]ports.Delivery, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := q.now()
	var rows []messageRow
	query := q.dialect.Rebind(`SELECT id, topic, payload, attempt FROM bus_messages
	          WHERE topic = ? AND available_at <= ? AND (leased_until IS NULL OR leased_until < ?)
	          ORDER BY created_at, id LIMIT ?` + q.dialect.ClaimClause())
	if err := tx.SelectContext(ctx, &rows, query, topic, now, now, q.opts.BatchSize); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	update, args, err := sqlx.In(`UPDATE bus_messages SET attempt = attempt + 1, leased_until = ? WHERE id IN (?)`,
		now.Add(q.opts.LeaseTimeout), ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, q.dialect.Rebind(update), args...); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	batch := make([]ports.Delivery, len(rows))
	for i, r := range rows {
		batch[i] = ports.Delivery{ID: r.ID, Topic: r.Topic, Payload: []byte(r.Payload), Attempt: r.Attempt + 1}
	}
	return batch, nil
}

// settle deletes acknowledged and exhausted messages and schedules the
// rest for redelivery.
func (q *Queue) settle(ctx context.Context, batch []ports.Delivery, redeliver []string) error {
	retry := make(map[string]bool, len(redeliver))
	for _, id := range redeliver {
		retry[id] = true
	}

	var done []string
	for _, d := range batch {
		if !retry[d.ID] {
			done = append(done, d.ID)
			continue
		}
		if d.Attempt >= q.opts.MaxAttempts {
			q.opts.Logger.Error("dropping message after max attempts",
				slog.String("topic", d.Topic),
				slog.String("id", d.ID),
				slog.Int("attempts", d.Attempt))
			done = append(done, d.ID)
			continue
		}
		query := q.dialect.Rebind(`UPDATE bus_messages SET leased_until = NULL, available_at = ? WHERE id = ?`)
		at := q.now().Add(time.Duration(d.Attempt) * q.opts.RetryDelay)
		if _, err := q.db.ExecContext(ctx, query, at, d.ID); err != nil {
			return err
		}
	}

	if len(done) == 0 {
		return nil
	}
	del, args, err := sqlx.In(`DELETE FROM bus_messages WHERE id IN (?)`, done)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(del), args...)
	return err
}

// Close stops subscribers. The shared database is owned by the store.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}
