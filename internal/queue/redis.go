package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jacklau/fwstats/internal/retry"
)

const promoteBatch = 100

// promoteScript moves ARGV[1] from the delayed set KEYS[1] to the ready list
// KEYS[2] in one step. Only the caller whose ZREM succeeds pushes it.
var promoteScript = redis.NewScript(`
if redis.call("ZREM", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisBroker keeps the queue in Redis lists. Delayed redeliveries wait in
// a sorted set scored by due time and are promoted by receivers.
type RedisBroker struct {
	client *redis.Client
	name   string
	policy retry.Policy
	block  time.Duration
	closed atomic.Bool

	ready, processing, delayed string
	dead, deadProcessing       string
}

// NewRedisBroker creates a RedisBroker for the named queue. block bounds
// each blocking pop so receivers notice cancellation.
func NewRedisBroker(client *redis.Client, name string, policy retry.Policy, block time.Duration) *RedisBroker {
	if block <= 0 {
		block = time.Second
	}
	prefix := "fwstats:" + name + ":"
	return &RedisBroker{
		client:         client,
		name:           name,
		policy:         policy,
		block:          block,
		ready:          prefix + "ready",
		processing:     prefix + "processing",
		delayed:        prefix + "delayed",
		dead:           prefix + "dead",
		deadProcessing: prefix + "dead:processing",
	}
}

func (b *RedisBroker) Publish(ctx context.Context, job Job) error {
	d := newDelivery(job, time.Now())
	raw, err := encodeDelivery(&d)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, b.ready, raw).Err(); err != nil {
		return fmt.Errorf("publishing job: %w", err)
	}
	return nil
}

func (b *RedisBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		if err := b.promote(ctx); err != nil {
			return nil, err
		}

		raw, err := b.client.BLMove(ctx, b.ready, b.processing, "RIGHT", "LEFT", b.block).Result()
		if errors.Is(err, redis.Nil) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receiving: %w", err)
		}

		d, err := decodeDelivery(raw)
		if err != nil {
			// Unreadable payloads are parked in the dead-letter list as-is.
			_, perr := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.LRem(ctx, b.processing, 1, raw)
				p.LPush(ctx, b.dead, raw)
				return nil
			})
			if perr != nil {
				return nil, errors.Join(err, fmt.Errorf("parking undecodable message: %w", perr))
			}
			return nil, err
		}
		d.Attempts++
		return d, nil
	}
}

// promote moves due delayed messages onto the ready list. Each member is
// promoted once even with concurrent receivers.
func (b *RedisBroker) promote(ctx context.Context) error {
	due, err := b.client.ZRangeByScore(ctx, b.delayed, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("reading delayed messages: %w", err)
	}
	for _, member := range due {
		if err := promoteScript.Run(ctx, b.client, []string{b.delayed, b.ready}, member).Err(); err != nil {
			return fmt.Errorf("promoting delayed message: %w", err)
		}
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.remove(ctx, b.processing, d)
}

func (b *RedisBroker) AckDead(ctx context.Context, d *Delivery) error {
	return b.remove(ctx, b.deadProcessing, d)
}

func (b *RedisBroker) remove(ctx context.Context, list string, d *Delivery) error {
	n, err := b.client.LRem(ctx, list, 1, d.raw).Result()
	if err != nil {
		return fmt.Errorf("acking %s: %w", d.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("acking %s: not in flight", d.ID)
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, cause error) (Outcome, error) {
	now := time.Now()
	next := *d

	if !b.policy.Exhausted(d.Attempts) {
		raw, err := encodeDelivery(&next)
		if err != nil {
			return Requeued, err
		}
		due := now.Add(b.policy.Delay(d.Attempts)).UnixMilli()
		_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.LRem(ctx, b.processing, 1, d.raw)
			p.ZAdd(ctx, b.delayed, redis.Z{Score: float64(due), Member: raw})
			return nil
		})
		if err != nil {
			return Requeued, fmt.Errorf("requeueing %s: %w", d.ID, err)
		}
		return Requeued, nil
	}

	next.Headers = deadLetterHeaders(d, cause, b.name, now)
	raw, err := encodeDelivery(&next)
	if err != nil {
		return DeadLettered, err
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, b.processing, 1, d.raw)
		p.LPush(ctx, b.dead, raw)
		return nil
	})
	if err != nil {
		return DeadLettered, fmt.Errorf("dead-lettering %s: %w", d.ID, err)
	}
	return DeadLettered, nil
}

func (b *RedisBroker) ReceiveDead(ctx context.Context) (*Delivery, error) {
	for {
		if b.closed.Load() {
			return nil, ErrClosed
		}
		raw, err := b.client.BLMove(ctx, b.dead, b.deadProcessing, "RIGHT", "LEFT", b.block).Result()
		if errors.Is(err, redis.Nil) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("receiving dead letter: %w", err)
		}
		return decodeDelivery(raw)
	}
}

// Close stops receivers after their current blocking pop. The client is
// owned by the caller.
func (b *RedisBroker) Close() error {
	b.closed.Store(true)
	return nil
}

// Depth returns the number of queued (ready, delayed or in flight) and
// dead-lettered messages.
func (b *RedisBroker) Depth(ctx context.Context) (queued, dead int, err error) {
	var ready, processing, delayed, deadReady, deadProcessing *redis.IntCmd
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, b.ready)
		processing = p.LLen(ctx, b.processing)
		delayed = p.ZCard(ctx, b.delayed)
		deadReady = p.LLen(ctx, b.dead)
		deadProcessing = p.LLen(ctx, b.deadProcessing)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("counting messages: %w", err)
	}
	queued = int(ready.Val() + processing.Val() + delayed.Val())
	dead = int(deadReady.Val() + deadProcessing.Val())
	return queued, dead, nil
}
