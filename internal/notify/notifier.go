// Package notify tells operators about jobs that exhausted their retries.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jacklau/fwstats/internal/config"
	"github.com/jacklau/fwstats/internal/queue"
)

// FailureNotification describes a dead-lettered job.
type FailureNotification struct {
	Username    string
	Email       string
	ErrorDetail string
	Job         queue.Job
	Attempts    int
	FailedAt    time.Time
	Queue       string
}

// Notifier delivers failure notifications.
type Notifier interface {
	Notify(ctx context.Context, n FailureNotification) error
}

// MultiNotifier sends notifications to multiple notifiers.
type MultiNotifier struct {
	notifiers []Notifier
	logger    *slog.Logger
}

// NewMultiNotifier creates a MultiNotifier from the given notifiers.
func NewMultiNotifier(logger *slog.Logger, notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers, logger: logger}
}

// Len returns the number of wrapped notifiers.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// Notify sends n to every notifier. A failing notifier is logged and does
// not stop the rest; all failures are returned joined.
func (m *MultiNotifier) Notify(ctx context.Context, n FailureNotification) error {
	var errs []error
	for _, nt := range m.notifiers {
		if err := nt.Notify(ctx, n); err != nil {
			m.logger.Warn("notifier error", "notifier", nameOf(nt), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds every notifier cfg configures. Email is enabled when
// supervisors and an SMTP host are set. The result may wrap zero notifiers.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) *MultiNotifier {
	var notifiers []Notifier
	if to := cfg.SupervisorList(); len(to) > 0 && cfg.SMTP.Host != "" {
		notifiers = append(notifiers, NewEmailNotifier(cfg.SMTP, to))
	}
	if cfg.SlackWebhook != "" {
		notifiers = append(notifiers, NewSlackNotifier(cfg.SlackWebhook, logger))
	}
	if cfg.DiscordWebhook != "" {
		notifiers = append(notifiers, NewDiscordNotifier(cfg.DiscordWebhook))
	}
	return NewMultiNotifier(logger, notifiers...)
}

func nameOf(n Notifier) string {
	switch n.(type) {
	case *EmailNotifier:
		return "email"
	case *SlackNotifier:
		return "slack"
	case *DiscordNotifier:
		return "discord"
	default:
		return "custom"
	}
}
