package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jacklau/fwstats/internal/metrics"
	"github.com/jacklau/fwstats/internal/pipeline"
	"github.com/jacklau/fwstats/internal/queue"
)

// Processor runs one job.
type Processor interface {
	Process(ctx context.Context, job queue.Job) (*pipeline.Result, error)
}

// Consumer pulls jobs off the work queue and runs them through a Processor.
type Consumer struct {
	broker   queue.Broker
	proc     Processor
	prefetch int
	logger   *slog.Logger
}

// NewConsumer creates a Consumer running prefetch jobs at a time.
func NewConsumer(broker queue.Broker, proc Processor, prefetch int, logger *slog.Logger) *Consumer {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Consumer{broker: broker, proc: proc, prefetch: prefetch, logger: logger}
}

// Run consumes until ctx is cancelled or the broker is closed. Jobs already
// in progress finish before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started", "prefetch", c.prefetch)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < c.prefetch; i++ {
		logger := c.logger.With("worker", i)
		g.Go(func() error {
			return loop(gctx, logger, c.broker.Receive, func(ctx context.Context, d *queue.Delivery) {
				c.handle(ctx, logger, d)
			})
		})
	}
	err := g.Wait()
	c.logger.Info("consumer stopped")
	return err
}

func (c *Consumer) handle(ctx context.Context, logger *slog.Logger, d *queue.Delivery) {
	logger = logger.With("message", d.ID, "user", d.Job.Username, "attempt", d.Attempts)
	logger.Info("processing job")
	start := time.Now()

	res, err := c.proc.Process(ctx, d.Job)

	sctx, cancel := settleContext(ctx)
	defer cancel()

	switch {
	case err == nil:
		logger.Info("job complete",
			"repositories", res.Repositories,
			"frameworks", len(res.Counts),
			"event", res.Event,
			"elapsed", time.Since(start).Round(time.Millisecond))
		metrics.JobsProcessed.WithLabelValues("success").Inc()
		if err := c.broker.Ack(sctx, d); err != nil {
			logger.Error("ack failed", "error", err)
		}

	case queue.IsPermanent(err):
		logger.Error("job rejected, not retrying", "error", err)
		metrics.JobsProcessed.WithLabelValues("permanent").Inc()
		if err := c.broker.Ack(sctx, d); err != nil {
			logger.Error("ack failed", "error", err)
		}

	case ctx.Err() != nil:
		// Interrupted by shutdown. The delivery stays in flight and is
		// redelivered once its lease expires.
		logger.Warn("job interrupted by shutdown", "error", err)

	default:
		outcome, nerr := c.broker.Nack(sctx, d, err)
		if nerr != nil {
			logger.Error("nack failed", "error", nerr, "cause", err)
			return
		}
		if outcome == queue.DeadLettered {
			logger.Error("job failed, moved to dead-letter queue", "error", err)
			metrics.JobsProcessed.WithLabelValues("dead_lettered").Inc()
			return
		}
		logger.Warn("job failed, will retry", "error", err)
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
	}
}
