// Package worker runs the queue consumers: the job consumer that feeds the
// mining pipeline, and the dead-letter handler that notifies operators.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jacklau/fwstats/internal/queue"
)

// receiveBackoff is the pause after a broker error before receiving again.
const receiveBackoff = time.Second

// settleTimeout bounds an ack or nack issued after ctx is done.
const settleTimeout = 5 * time.Second

// loop receives deliveries until ctx is done or the broker is closed.
func loop(ctx context.Context, logger *slog.Logger,
	receive func(context.Context) (*queue.Delivery, error),
	handle func(context.Context, *queue.Delivery)) error {
	for {
		d, err := receive(ctx)
		switch {
		case err == nil:
			handle(ctx, d)
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			logger.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// settleContext returns a context for acknowledging a delivery that stays
// usable for a short while after ctx is cancelled.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
