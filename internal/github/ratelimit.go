package github

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	gogithub "github.com/google/go-github/v60/github"
)

const (
	// lowQuota is the remaining request count below which calls are paced.
	lowQuota = 100

	// maxPace caps the pause inserted after a call while quota is low.
	maxPace = 2 * time.Second

	// maxBackoff caps the wait between retries of a 5xx response.
	maxBackoff = 60 * time.Second

	// defaultRateLimitWait applies when a rate-limited response says nothing
	// about when to come back.
	defaultRateLimitWait = 60 * time.Second

	// maxRetries bounds retries of rate-limited and 5xx responses within a
	// single call.
	maxRetries = 3
)

// rateLimitWait reports whether err is a GitHub rate-limit rejection and how
// long to wait before trying again. go-github types primary limits as
// RateLimitError and secondary limits as AbuseRateLimitError; a bare 429, or
// a 403 carrying Retry-After, is treated the same way.
func rateLimitWait(err error, resp *gogithub.Response, now time.Time) (time.Duration, bool) {
	var primary *gogithub.RateLimitError
	if errors.As(err, &primary) {
		if d := primary.Rate.Reset.Time.Sub(now); d > 0 {
			return d, true
		}
		return retryAfter(primary.Response), true
	}

	var secondary *gogithub.AbuseRateLimitError
	if errors.As(err, &secondary) {
		if secondary.RetryAfter != nil {
			return *secondary.RetryAfter, true
		}
		return retryAfter(secondary.Response), true
	}

	r := responseOf(resp)
	if r == nil {
		return 0, false
	}
	if r.StatusCode == http.StatusTooManyRequests ||
		(r.StatusCode == http.StatusForbidden && r.Header.Get("Retry-After") != "") {
		return retryAfter(r), true
	}
	return 0, false
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(r *http.Response) time.Duration {
	if r != nil {
		if s, err := strconv.Atoi(r.Header.Get("Retry-After")); err == nil && s >= 0 {
			return time.Duration(s) * time.Second
		}
	}
	return defaultRateLimitWait
}

// paceFor spreads the remaining quota over the time left in the rate window.
// It is zero while quota is healthy or when the response carried no rate
// headers.
func paceFor(rate gogithub.Rate, now time.Time) time.Duration {
	if rate.Limit == 0 || rate.Remaining >= lowQuota {
		return 0
	}
	until := rate.Reset.Time.Sub(now)
	if until <= 0 {
		return 0
	}
	return min(until/time.Duration(rate.Remaining+1), maxPace)
}

// backoff is the wait before retry attempt (0-indexed) of a 5xx response:
// 1s, 2s, 4s, ... capped at maxBackoff.
func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 6 {
		return maxBackoff
	}
	return min(time.Second<<attempt, maxBackoff)
}

func isServerError(resp *gogithub.Response) bool {
	r := responseOf(resp)
	return r != nil && r.StatusCode >= 500 && r.StatusCode < 600
}

func responseOf(resp *gogithub.Response) *http.Response {
	if resp == nil {
		return nil
	}
	return resp.Response
}
