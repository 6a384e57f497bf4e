package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jacklau/fwstats/internal/notify"
	"github.com/jacklau/fwstats/internal/queue"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.FailureNotification
	err  error
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.FailureNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

// deadLetter publishes job and drives it straight into the dead-letter queue.
func deadLetter(t *testing.T, broker *queue.MemoryBroker, job queue.Job, cause error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := broker.Publish(ctx, job); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	d, err := broker.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	outcome, err := broker.Nack(ctx, d, cause)
	if err != nil || outcome != queue.DeadLettered {
		t.Fatalf("expected dead letter, got %v/%v", outcome, err)
	}
}

func startHandler(t *testing.T, h *DeadLetterHandler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func drained(broker *queue.MemoryBroker) func() bool {
	return func() bool {
		_, _, dead := broker.Len()
		return dead == 0
	}
}

func TestDeadLetterHandler_Notifies(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(1))
	rec := &recordingNotifier{}
	startHandler(t, NewDeadLetterHandler(broker, rec, testLogger()))

	deadLetter(t, broker, queue.Job{Username: "octocat", Credential: "ghp_secret"}, errors.New("catalog: 502"))

	waitFor(t, "dead letter handled", func() bool { return rec.count() == 1 })
	waitFor(t, "dead letter acked", drained(broker))

	n := rec.sent[0]
	if n.Username != "octocat" || n.Email != "N/A" {
		t.Errorf("unexpected identity %q/%q", n.Username, n.Email)
	}
	if n.ErrorDetail != "catalog: 502" || n.Attempts != 1 || n.Queue != "framework-stats" {
		t.Errorf("unexpected notification %+v", n)
	}
	if n.Job.Credential != "[REDACTED]" {
		t.Errorf("expected redacted credential, got %q", n.Job.Credential)
	}
	if n.FailedAt.IsZero() {
		t.Error("expected failure time")
	}
}

func TestDeadLetterHandler_NotifyFailureStillAcks(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(1))
	rec := &recordingNotifier{err: errors.New("smtp: connection refused")}
	startHandler(t, NewDeadLetterHandler(broker, rec, testLogger()))

	deadLetter(t, broker, queue.Job{Username: "octocat"}, errors.New("boom"))

	waitFor(t, "dead letter acked", drained(broker))
	time.Sleep(20 * time.Millisecond)
	if got := rec.count(); got != 1 {
		t.Errorf("expected exactly one notification attempt, got %d", got)
	}
}

func TestDeadLetterHandler_NoRecipientsAcks(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(1))
	startHandler(t, NewDeadLetterHandler(broker, nil, testLogger()))

	deadLetter(t, broker, queue.Job{Username: "octocat"}, errors.New("boom"))

	waitFor(t, "dead letter acked", drained(broker))
}

func TestBuildNotification(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("headers", func(t *testing.T) {
		d := &queue.Delivery{
			ID:       "m1",
			Job:      queue.Job{Username: "octocat", Email: "octo@example.com", Credential: "tok"},
			Attempts: 2,
			Headers: map[string]string{
				queue.HeaderExceptionMessage: "rate limited",
				queue.HeaderFailedAt:         "2024-05-31T08:30:00Z",
				queue.HeaderDeliveryCount:    "5",
				queue.HeaderOriginalQueue:    "framework-stats",
			},
		}
		n := BuildNotification(d, now)
		if n.Attempts != 5 {
			t.Errorf("expected header delivery count, got %d", n.Attempts)
		}
		if !n.FailedAt.Equal(time.Date(2024, 5, 31, 8, 30, 0, 0, time.UTC)) {
			t.Errorf("unexpected failure time %v", n.FailedAt)
		}
		if n.Email != "octo@example.com" || n.Job.Credential != "[REDACTED]" {
			t.Errorf("unexpected notification %+v", n)
		}
	})

	t.Run("missing headers", func(t *testing.T) {
		n := BuildNotification(&queue.Delivery{Job: queue.Job{Username: "octocat"}, Attempts: 3}, now)
		if n.ErrorDetail != "unknown error" || n.Attempts != 3 || !n.FailedAt.Equal(now) {
			t.Errorf("unexpected fallbacks %+v", n)
		}
	})
}
