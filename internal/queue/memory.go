package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jacklau/fwstats/internal/retry"
)

type memEntry struct {
	d         Delivery
	visibleAt time.Time
}

// MemoryBroker is a process-local Broker. Messages do not survive a restart.
type MemoryBroker struct {
	name   string
	policy retry.Policy

	mu           sync.Mutex
	ready        []memEntry
	inflight     map[string]Delivery
	dead         []Delivery
	deadInflight map[string]Delivery
	changed      chan struct{}
	closed       bool
}

// NewMemoryBroker creates a MemoryBroker for the named queue.
func NewMemoryBroker(name string, policy retry.Policy) *MemoryBroker {
	return &MemoryBroker{
		name:         name,
		policy:       policy,
		inflight:     make(map[string]Delivery),
		deadInflight: make(map[string]Delivery),
		changed:      make(chan struct{}),
	}
}

// signal wakes every blocked receiver. Callers hold mu.
func (b *MemoryBroker) signal() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *MemoryBroker) Publish(_ context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	now := time.Now()
	b.ready = append(b.ready, memEntry{d: newDelivery(job, now), visibleAt: now})
	b.signal()
	return nil
}

func (b *MemoryBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		now := time.Now()
		var next time.Time
		for i, e := range b.ready {
			if !e.visibleAt.After(now) {
				b.ready = append(b.ready[:i], b.ready[i+1:]...)
				e.d.Attempts++
				b.inflight[e.d.ID] = e.d
				b.mu.Unlock()
				d := e.d
				return &d, nil
			}
			if next.IsZero() || e.visibleAt.Before(next) {
				next = e.visibleAt
			}
		}
		changed := b.changed
		b.mu.Unlock()

		if err := waitChange(ctx, changed, next); err != nil {
			return nil, err
		}
	}
}

// waitChange blocks until changed fires, until is reached (when set), or
// ctx is done.
func waitChange(ctx context.Context, changed <-chan struct{}, until time.Time) error {
	var timeout <-chan time.Time
	if !until.IsZero() {
		t := time.NewTimer(time.Until(until))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-changed:
	case <-timeout:
	}
	return nil
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[d.ID]; !ok {
		return fmt.Errorf("ack %s: not in flight", d.ID)
	}
	delete(b.inflight, d.ID)
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, d *Delivery, cause error) (Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.inflight[d.ID]
	if !ok {
		return Requeued, fmt.Errorf("nack %s: not in flight", d.ID)
	}
	delete(b.inflight, d.ID)

	now := time.Now()
	if !b.policy.Exhausted(cur.Attempts) {
		b.ready = append(b.ready, memEntry{d: cur, visibleAt: now.Add(b.policy.Delay(cur.Attempts))})
		b.signal()
		return Requeued, nil
	}

	cur.Headers = deadLetterHeaders(&cur, cause, b.name, now)
	b.dead = append(b.dead, cur)
	b.signal()
	return DeadLettered, nil
}

func (b *MemoryBroker) ReceiveDead(ctx context.Context) (*Delivery, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.dead) > 0 {
			d := b.dead[0]
			b.dead = b.dead[1:]
			b.deadInflight[d.ID] = d
			b.mu.Unlock()
			return &d, nil
		}
		changed := b.changed
		b.mu.Unlock()

		if err := waitChange(ctx, changed, time.Time{}); err != nil {
			return nil, err
		}
	}
}

func (b *MemoryBroker) AckDead(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.deadInflight[d.ID]; !ok {
		return fmt.Errorf("ack dead letter %s: not in flight", d.ID)
	}
	delete(b.deadInflight, d.ID)
	return nil
}

// Close wakes blocked receivers, which then return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.signal()
	}
	return nil
}

// Len returns the number of ready, in-flight and dead messages.
func (b *MemoryBroker) Len() (ready, inflight, dead int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready), len(b.inflight), len(b.dead) + len(b.deadInflight)
}

// Depth returns the number of queued (ready or in flight) and dead messages.
func (b *MemoryBroker) Depth(context.Context) (queued, dead int, err error) {
	ready, inflight, dead := b.Len()
	return ready + inflight, dead, nil
}
