package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy is an exponential backoff schedule. Attempts are counted from 1:
// the delay before attempt n+1 is InitialDelay * Multiplier^(n-1), capped
// at MaxDelay, plus up to Jitter of that delay.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       float64
}

// DefaultPolicy is the redelivery schedule for failed jobs:
// 5 attempts, waiting 1s, 3s, 5s, 5s between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		Multiplier:   3.0,
		MaxDelay:     5 * time.Second,
	}
}

// PublishPolicy is used for short local retries around queue publishes.
func PublishPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
		Jitter:       0.25,
	}
}

// Exhausted reports whether a message delivered attempts times may not be
// tried again.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Delay returns the wait after the given (1-based) failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	delay := time.Duration(d)

	if p.Jitter > 0 {
		delay += time.Duration(float64(delay) * p.Jitter * rand.Float64())
	}
	return delay
}

// Do calls fn until it succeeds or p.MaxAttempts calls have failed, sleeping
// p.Delay between calls. It respects context cancellation and returns the
// last error if all attempts fail.
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = PublishPolicy().MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Don't sleep after the last attempt.
		if attempt < p.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay(attempt)):
			}
		}
	}

	return lastErr
}
