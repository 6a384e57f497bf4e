package github

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/fwstats/internal/metrics"
)

// retryBackoff computes the wait before retrying a 5xx response.
var retryBackoff = backoff

// call runs one GitHub API request, retrying rate-limited and 5xx responses
// with backoff. Waits never outlive ctx: when the required wait exceeds the
// remaining deadline the error is returned immediately so the caller's task
// budget decides what happens next. While quota is low, successful calls
// pause before returning so sibling tasks do not drain it.
func call[T any](ctx context.Context, logger *slog.Logger, endpoint string, fn func() (T, *gogithub.Response, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, resp, err := fn()

		if err == nil {
			metrics.GitHubRequests.WithLabelValues(endpoint, "ok").Inc()
			if resp != nil {
				if pace := paceFor(resp.Rate, time.Now()); pace > 0 && fits(ctx, pace) {
					logger.Debug("github quota low, pacing", "endpoint", endpoint,
						"remaining", resp.Rate.Remaining, "pause", pace)
					_ = sleep(ctx, pace)
				}
			}
			return v, nil
		}

		var wait time.Duration
		if d, limited := rateLimitWait(err, resp, time.Now()); limited {
			metrics.GitHubRequests.WithLabelValues(endpoint, "rate_limited").Inc()
			wait = d
		} else if isServerError(resp) {
			metrics.GitHubRequests.WithLabelValues(endpoint, "server_error").Inc()
			wait = retryBackoff(attempt)
		} else {
			metrics.GitHubRequests.WithLabelValues(endpoint, "error").Inc()
			return zero, err
		}

		if attempt >= maxRetries {
			return zero, fmt.Errorf("%s: giving up after %d retries: %w", endpoint, maxRetries, err)
		}
		if !fits(ctx, wait) {
			return zero, fmt.Errorf("%s: retry wait %s exceeds deadline: %w", endpoint, wait, err)
		}

		logger.Debug("retrying github request", "endpoint", endpoint, "attempt", attempt+1, "wait", wait)
		if err := sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
}

// fits reports whether d elapses before ctx's deadline.
func fits(ctx context.Context, d time.Duration) bool {
	deadline, ok := ctx.Deadline()
	return !ok || time.Until(deadline) >= d
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
