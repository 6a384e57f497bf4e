package worker

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jacklau/fwstats/internal/metrics"
	"github.com/jacklau/fwstats/internal/notify"
	"github.com/jacklau/fwstats/internal/queue"
)

// DeadLetterHandler drains the dead-letter queue, notifying operators about
// each job. Every dead letter is acked exactly once whatever the
// notification outcome.
type DeadLetterHandler struct {
	broker   queue.Broker
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewDeadLetterHandler creates a handler. A nil notifier means no recipients
// are configured.
func NewDeadLetterHandler(broker queue.Broker, notifier notify.Notifier, logger *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{broker: broker, notifier: notifier, logger: logger, now: time.Now}
}

// Run handles dead letters until ctx is cancelled or the broker is closed.
func (h *DeadLetterHandler) Run(ctx context.Context) error {
	h.logger.Info("dead-letter handler started", "notify", h.notifier != nil)
	err := loop(ctx, h.logger, h.broker.ReceiveDead, h.handle)
	h.logger.Info("dead-letter handler stopped")
	return err
}

func (h *DeadLetterHandler) handle(ctx context.Context, d *queue.Delivery) {
	n := BuildNotification(d, h.now())
	logger := h.logger.With("message", d.ID, "user", n.Username, "attempts", n.Attempts)

	switch {
	case h.notifier == nil:
		logger.Error("dead letter not delivered: no notification recipients configured",
			"error_detail", n.ErrorDetail)
		metrics.DeadLetters.WithLabelValues("no_recipients").Inc()
	default:
		if err := h.notifier.Notify(ctx, n); err != nil {
			logger.Error("failed to send failure notification", "error", err)
			metrics.DeadLetters.WithLabelValues("notify_failed").Inc()
		} else {
			logger.Info("failure notification sent")
			metrics.DeadLetters.WithLabelValues("notified").Inc()
		}
	}

	sctx, cancel := settleContext(ctx)
	defer cancel()
	if err := h.broker.AckDead(sctx, d); err != nil {
		logger.Error("ack of dead letter failed", "error", err)
	}
}

// BuildNotification reads a dead-lettered delivery into a notification.
// Header values win over the envelope; now fills a missing failure time.
func BuildNotification(d *queue.Delivery, now time.Time) notify.FailureNotification {
	n := notify.FailureNotification{
		Username:    d.Job.Username,
		Email:       notify.EmailOrNA(d.Job.Email),
		ErrorDetail: d.Headers[queue.HeaderExceptionMessage],
		Job:         d.Job.Redacted(),
		Attempts:    d.Attempts,
		FailedAt:    now.UTC(),
		Queue:       d.Headers[queue.HeaderOriginalQueue],
	}
	if n.ErrorDetail == "" {
		n.ErrorDetail = "unknown error"
	}
	if c, err := strconv.Atoi(d.Headers[queue.HeaderDeliveryCount]); err == nil {
		n.Attempts = c
	}
	if t, err := time.Parse(time.RFC3339, d.Headers[queue.HeaderFailedAt]); err == nil {
		n.FailedAt = t
	}
	return n
}
