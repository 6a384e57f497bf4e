// Package dispatch accepts analysis requests and serves computed stats.
// A request is published to the work queue unless the user's stats are
// still fresh.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jacklau/fwstats/internal/metrics"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/retry"
	"github.com/jacklau/fwstats/internal/store"
)

// ErrUnknownUser is returned for usernames that are not registered.
var ErrUnknownUser = errors.New("unknown user")

// Store is the storage the Dispatcher reads.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	store.UsageReader
}

// Dispatcher decides whether a job needs to run and publishes it.
type Dispatcher struct {
	store   Store
	broker  queue.Broker
	window  time.Duration
	publish retry.Policy
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Dispatcher. Stats younger than window suppress new jobs.
func New(s Store, broker queue.Broker, window time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:   s,
		broker:  broker,
		window:  window,
		publish: retry.PublishPolicy(),
		logger:  logger,
		now:     time.Now,
	}
}

// Submit publishes job unless the user's stats were updated within the
// freshness window. It reports whether a job was published.
func (d *Dispatcher) Submit(ctx context.Context, job queue.Job) (bool, error) {
	if err := job.Validate(); err != nil {
		metrics.JobsDispatched.WithLabelValues("rejected").Inc()
		return false, err
	}
	job.Username = strings.TrimSpace(job.Username)
	logger := d.logger.With("user", job.Username)

	user, err := d.lookup(ctx, job.Username)
	if err != nil {
		metrics.JobsDispatched.WithLabelValues("rejected").Inc()
		return false, err
	}

	usage, err := d.store.GetFrameworkUsage(ctx, user.ID)
	switch {
	case err == nil:
		if age := d.now().Sub(usage.LastUpdated); age < d.window {
			logger.Info("stats are fresh, skipping job", "age", age.Round(time.Second), "window", d.window)
			metrics.JobsDispatched.WithLabelValues("skipped").Inc()
			return false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("reading stats: %w", err)
	}

	if job.Email == "" {
		job.Email = user.Email
	}

	err = retry.Do(ctx, d.publish, func() error {
		return d.broker.Publish(ctx, job)
	})
	if err != nil {
		return false, fmt.Errorf("publishing job: %w", err)
	}

	logger.Info("job published")
	metrics.JobsDispatched.WithLabelValues("published").Inc()
	return true, nil
}

// GetStats returns the user's stored usage, ErrUnknownUser, or
// store.ErrNotFound when nothing has been computed yet.
func (d *Dispatcher) GetStats(ctx context.Context, username string) (*store.FrameworkUsage, error) {
	user, err := d.lookup(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, err
	}
	return d.store.GetFrameworkUsage(ctx, user.ID)
}

func (d *Dispatcher) lookup(ctx context.Context, username string) (*store.User, error) {
	user, err := d.store.GetUserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}
	return user, nil
}
