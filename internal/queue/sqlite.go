package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jacklau/fwstats/internal/retry"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 45 * time.Minute
)

// SQLiteOption configures a SQLiteBroker.
type SQLiteOption func(*SQLiteBroker)

// WithPollInterval sets how often an idle receiver checks for messages.
func WithPollInterval(d time.Duration) SQLiteOption {
	return func(b *SQLiteBroker) { b.poll = d }
}

// WithLease sets how long a received message stays invisible before it is
// redelivered to another receiver.
func WithLease(d time.Duration) SQLiteOption {
	return func(b *SQLiteBroker) { b.lease = d }
}

// SQLiteBroker is a durable Broker stored in two tables of a SQLite
// database. Unacked messages whose lease expires are redelivered, so a
// crashed consumer loses nothing.
type SQLiteBroker struct {
	db     *sql.DB
	name   string
	policy retry.Policy
	poll   time.Duration
	lease  time.Duration

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
}

// NewSQLiteBroker creates the queue tables in db if needed.
func NewSQLiteBroker(db *sql.DB, name string, policy retry.Policy, opts ...SQLiteOption) (*SQLiteBroker, error) {
	b := &SQLiteBroker{
		db:      db,
		name:    name,
		policy:  policy,
		poll:    defaultPollInterval,
		lease:   defaultLease,
		changed: make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBroker) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS queue_messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			enqueued_at TEXT NOT NULL,
			visible_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_messages_visible ON queue_messages(queue, visible_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			payload TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			headers TEXT NOT NULL,
			enqueued_at TEXT NOT NULL,
			visible_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_visible ON dead_letters(queue, visible_at)`,
	}
	for _, stmt := range statements {
		if _, err := b.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating queue tables: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBroker) signal() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *SQLiteBroker) waitChan() (<-chan struct{}, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed, b.closed
}

func (b *SQLiteBroker) Publish(ctx context.Context, job Job) error {
	now := time.Now()
	d := newDelivery(job, now)
	payload, err := json.Marshal(d.Job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, attempts, enqueued_at, visible_at) VALUES (?, ?, ?, 0, ?, ?)`,
		d.ID, b.name, string(payload), d.EnqueuedAt.Format(time.RFC3339Nano), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	b.signal()
	return nil
}

func (b *SQLiteBroker) Receive(ctx context.Context) (*Delivery, error) {
	return b.receive(ctx, "queue_messages", false)
}

func (b *SQLiteBroker) ReceiveDead(ctx context.Context) (*Delivery, error) {
	return b.receive(ctx, "dead_letters", true)
}

// receive polls table until it can lease a visible row. Leasing pushes
// visible_at forward by the lease, so an unacked row reappears once the
// lease runs out.
func (b *SQLiteBroker) receive(ctx context.Context, table string, dead bool) (*Delivery, error) {
	for {
		changed, closed := b.waitChan()
		if closed {
			return nil, ErrClosed
		}

		d, err := b.claim(ctx, table, dead)
		if err != nil {
			return nil, err
		}
		if d != nil {
			return d, nil
		}

		if err := waitChange(ctx, changed, time.Now().Add(b.poll)); err != nil {
			return nil, err
		}
	}
}

func (b *SQLiteBroker) claim(ctx context.Context, table string, dead bool) (*Delivery, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning receive: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	cols := "id, payload, attempts, enqueued_at"
	if dead {
		cols += ", headers"
	}
	row := tx.QueryRowContext(ctx,
		`SELECT `+cols+` FROM `+table+`
		WHERE queue = ? AND visible_at <= ?
		ORDER BY visible_at, rowid LIMIT 1`,
		b.name, now.UnixMilli(),
	)

	var (
		d          Delivery
		payload    string
		enqueuedAt string
		headers    string
	)
	dest := []any{&d.ID, &payload, &d.Attempts, &enqueuedAt}
	if dead {
		dest = append(dest, &headers)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting message: %w", err)
	}

	if !dead {
		d.Attempts++
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE `+table+` SET attempts = ?, visible_at = ? WHERE id = ?`,
		d.Attempts, now.Add(b.lease).UnixMilli(), d.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("leasing message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing receive: %w", err)
	}

	if err := json.Unmarshal([]byte(payload), &d.Job); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", d.ID, err)
	}
	if dead {
		if err := json.Unmarshal([]byte(headers), &d.Headers); err != nil {
			return nil, fmt.Errorf("decoding headers %s: %w", d.ID, err)
		}
	}
	d.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
	return &d, nil
}

func (b *SQLiteBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.delete(ctx, "queue_messages", d.ID)
}

func (b *SQLiteBroker) AckDead(ctx context.Context, d *Delivery) error {
	return b.delete(ctx, "dead_letters", d.ID)
}

func (b *SQLiteBroker) delete(ctx context.Context, table, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("acking %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("acking %s: not found", id)
	}
	return nil
}

func (b *SQLiteBroker) Nack(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	now := time.Now()

	if !b.policy.Exhausted(d.Attempts) {
		visible := now.Add(b.policy.Delay(d.Attempts))
		_, err := b.db.ExecContext(ctx,
			`UPDATE queue_messages SET visible_at = ? WHERE id = ?`,
			visible.UnixMilli(), d.ID,
		)
		if err != nil {
			return Requeued, fmt.Errorf("requeueing %s: %w", d.ID, err)
		}
		b.signal()
		return Requeued, nil
	}

	headers, err := json.Marshal(deadLetterHeaders(d, cause, b.name, now))
	if err != nil {
		return DeadLettered, fmt.Errorf("encoding headers: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return DeadLettered, fmt.Errorf("beginning dead-letter: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO dead_letters (id, queue, payload, attempts, headers, enqueued_at, visible_at)
		SELECT id, queue, payload, attempts, ?, enqueued_at, ? FROM queue_messages WHERE id = ?`,
		string(headers), now.UnixMilli(), d.ID,
	)
	if err != nil {
		return DeadLettered, fmt.Errorf("dead-lettering %s: %w", d.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, d.ID); err != nil {
		return DeadLettered, fmt.Errorf("dead-lettering %s: %w", d.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return DeadLettered, fmt.Errorf("committing dead-letter: %w", err)
	}
	b.signal()
	return DeadLettered, nil
}

// Close wakes blocked receivers. The database is owned by the caller.
func (b *SQLiteBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.changed)
		b.changed = make(chan struct{})
	}
	return nil
}

// Depth returns the number of queued and dead-lettered messages.
func (b *SQLiteBroker) Depth(ctx context.Context) (queued, dead int, err error) {
	err = b.db.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM queue_messages WHERE queue = ?),
		        (SELECT COUNT(*) FROM dead_letters WHERE queue = ?)`,
		b.name, b.name,
	).Scan(&queued, &dead)
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	return queued, dead, nil
}
