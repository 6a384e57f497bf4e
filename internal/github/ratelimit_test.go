package github

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/fwstats/internal/workpool"
)

func ghResponse(status int, header http.Header) *gogithub.Response {
	if header == nil {
		header = http.Header{}
	}
	return &gogithub.Response{Response: &http.Response{StatusCode: status, Header: header}}
}

func TestRateLimitWait(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tenSeconds := 10 * time.Second

	tests := []struct {
		name    string
		err     error
		resp    *gogithub.Response
		want    time.Duration
		limited bool
	}{
		{
			name: "primary limit waits for reset",
			err: &gogithub.RateLimitError{
				Rate:     gogithub.Rate{Limit: 5000, Remaining: 0, Reset: gogithub.Timestamp{Time: now.Add(90 * time.Second)}},
				Response: &http.Response{StatusCode: http.StatusForbidden},
			},
			want:    90 * time.Second,
			limited: true,
		},
		{
			name: "primary limit with past reset uses Retry-After",
			err: &gogithub.RateLimitError{
				Rate:     gogithub.Rate{Reset: gogithub.Timestamp{Time: now.Add(-time.Second)}},
				Response: &http.Response{StatusCode: http.StatusForbidden, Header: http.Header{"Retry-After": []string{"7"}}},
			},
			want:    7 * time.Second,
			limited: true,
		},
		{
			name:    "secondary limit honours RetryAfter",
			err:     &gogithub.AbuseRateLimitError{RetryAfter: &tenSeconds},
			want:    tenSeconds,
			limited: true,
		},
		{
			name:    "secondary limit without hint uses default",
			err:     &gogithub.AbuseRateLimitError{},
			want:    defaultRateLimitWait,
			limited: true,
		},
		{
			name:    "bare 429",
			err:     errors.New("too many requests"),
			resp:    ghResponse(http.StatusTooManyRequests, http.Header{"Retry-After": []string{"3"}}),
			want:    3 * time.Second,
			limited: true,
		},
		{
			name:    "403 with Retry-After",
			err:     errors.New("forbidden"),
			resp:    ghResponse(http.StatusForbidden, http.Header{"Retry-After": []string{"0"}}),
			want:    0,
			limited: true,
		},
		{
			name: "403 without rate headers is access denied",
			err:  errors.New("forbidden"),
			resp: ghResponse(http.StatusForbidden, nil),
		},
		{
			name: "server error is not a rate limit",
			err:  errors.New("bad gateway"),
			resp: ghResponse(http.StatusBadGateway, nil),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, limited := rateLimitWait(tc.err, tc.resp, now)
			if limited != tc.limited || got != tc.want {
				t.Errorf("rateLimitWait = (%v, %v), want (%v, %v)", got, limited, tc.want, tc.limited)
			}
		})
	}
}

func TestPaceFor(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	reset := func(d time.Duration) gogithub.Timestamp { return gogithub.Timestamp{Time: now.Add(d)} }

	tests := []struct {
		name string
		rate gogithub.Rate
		want time.Duration
	}{
		{"no rate headers", gogithub.Rate{}, 0},
		{"healthy quota", gogithub.Rate{Limit: 5000, Remaining: 4000, Reset: reset(time.Hour)}, 0},
		{"low quota spreads the window", gogithub.Rate{Limit: 5000, Remaining: 9, Reset: reset(10 * time.Second)}, time.Second},
		{"pause is capped", gogithub.Rate{Limit: 5000, Remaining: 1, Reset: reset(time.Hour)}, maxPace},
		{"window already reset", gogithub.Rate{Limit: 5000, Remaining: 5, Reset: reset(-time.Minute)}, 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := paceFor(tc.rate, now); got != tc.want {
				t.Errorf("paceFor = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{6, maxBackoff},
		{40, maxBackoff},
	}
	for _, tc := range tests {
		if got := backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

func TestCallRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/web/commits", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, []any{map[string]any{"sha": "s1"}})
	})

	collector := NewCommitCollector(newTestClient(t, mux), discardLogger(), workpool.Pool{}, 100)
	shas, err := collector.CommitSHAs(context.Background(), "octocat", "web")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shas) != 1 || calls.Load() != 2 {
		t.Errorf("expected one retry then success, got shas=%v calls=%d", shas, calls.Load())
	}
}

func TestCallRateLimitWaitBeyondDeadline(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/web/commits", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "30")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	collector := NewCommitCollector(newTestClient(t, mux), discardLogger(), workpool.Pool{}, 100)
	start := time.Now()
	if _, err := collector.CommitSHAs(ctx, "octocat", "web"); err == nil {
		t.Fatal("expected error")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected an immediate failure, took %v", elapsed)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single call, got %d", calls.Load())
	}
}

func TestCallPacesWhenQuotaLow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/octocat/web/commits", func(w http.ResponseWriter, r *http.Request) {
		reset := time.Now().Add(2 * time.Second).Unix()
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
		writeJSON(t, w, []any{map[string]any{"sha": "s1"}})
	})

	collector := NewCommitCollector(newTestClient(t, mux), discardLogger(), workpool.Pool{}, 100)
	start := time.Now()
	if _, err := collector.CommitSHAs(context.Background(), "octocat", "web"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("expected a pause while quota is low, took %v", elapsed)
	}
}
