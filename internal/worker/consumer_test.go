package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jacklau/fwstats/internal/pipeline"
	"github.com/jacklau/fwstats/internal/pubsub"
	"github.com/jacklau/fwstats/internal/queue"
	"github.com/jacklau/fwstats/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testPolicy(attempts int) retry.Policy {
	return retry.Policy{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   1,
		MaxDelay:     time.Millisecond,
	}
}

// fakeProcessor records every job and answers with fn.
type fakeProcessor struct {
	mu    sync.Mutex
	calls []queue.Job
	fn    func(ctx context.Context, job queue.Job) (*pipeline.Result, error)
}

func (p *fakeProcessor) Process(ctx context.Context, job queue.Job) (*pipeline.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, job)
	p.mu.Unlock()
	return p.fn(ctx, job)
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func succeed(context.Context, queue.Job) (*pipeline.Result, error) {
	return &pipeline.Result{Counts: map[string]int{"React": 1}, Event: pubsub.Updated}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// startConsumer runs c until the test ends.
func startConsumer(t *testing.T, c *Consumer) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned error: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Error("consumer did not stop")
		}
	})
	return cancel
}

func TestConsumer_SuccessAcks(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(3))
	proc := &fakeProcessor{fn: succeed}
	startConsumer(t, NewConsumer(broker, proc, 1, testLogger()))

	if err := broker.Publish(context.Background(), queue.Job{Username: "octocat"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "ack", func() bool {
		ready, inflight, _ := broker.Len()
		return proc.count() == 1 && ready == 0 && inflight == 0
	})
	if _, _, dead := broker.Len(); dead != 0 {
		t.Errorf("expected no dead letters, got %d", dead)
	}
}

func TestConsumer_TransientFailureDeadLettersAfterMaxAttempts(t *testing.T) {
	const maxAttempts = 3
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(maxAttempts))
	proc := &fakeProcessor{fn: func(context.Context, queue.Job) (*pipeline.Result, error) {
		return nil, errors.New("github returned 502")
	}}
	startConsumer(t, NewConsumer(broker, proc, 1, testLogger()))

	if err := broker.Publish(context.Background(), queue.Job{Username: "octocat", Credential: "tok"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "dead letter", func() bool {
		_, _, dead := broker.Len()
		return dead == 1
	})
	// Give a stray redelivery the chance to show up.
	time.Sleep(20 * time.Millisecond)

	if got := proc.count(); got != maxAttempts {
		t.Errorf("expected %d deliveries, got %d", maxAttempts, got)
	}
	ready, inflight, dead := broker.Len()
	if ready != 0 || inflight != 0 || dead != 1 {
		t.Errorf("expected exactly one dead letter, got ready=%d inflight=%d dead=%d", ready, inflight, dead)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := broker.ReceiveDead(ctx)
	if err != nil {
		t.Fatalf("ReceiveDead failed: %v", err)
	}
	if d.Headers[queue.HeaderExceptionMessage] != "github returned 502" {
		t.Errorf("unexpected exception header %q", d.Headers[queue.HeaderExceptionMessage])
	}
	if d.Headers[queue.HeaderDeliveryCount] != fmt.Sprint(maxAttempts) {
		t.Errorf("unexpected delivery count header %q", d.Headers[queue.HeaderDeliveryCount])
	}
}

func TestConsumer_PermanentFailureAcksWithoutRetry(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(5))
	proc := &fakeProcessor{fn: func(context.Context, queue.Job) (*pipeline.Result, error) {
		return nil, queue.Permanent(fmt.Errorf("%w: missing credential", queue.ErrInvalidJob))
	}}
	startConsumer(t, NewConsumer(broker, proc, 1, testLogger()))

	if err := broker.Publish(context.Background(), queue.Job{Username: "octocat"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	waitFor(t, "ack", func() bool {
		ready, inflight, _ := broker.Len()
		return proc.count() == 1 && ready == 0 && inflight == 0
	})
	time.Sleep(20 * time.Millisecond)

	if got := proc.count(); got != 1 {
		t.Errorf("expected a single delivery, got %d", got)
	}
	if _, _, dead := broker.Len(); dead != 0 {
		t.Errorf("expected no dead letters, got %d", dead)
	}
}

func TestConsumer_Prefetch(t *testing.T) {
	const prefetch = 3
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(3))

	var (
		mu      sync.Mutex
		active  int
		peak    int
		release = make(chan struct{})
	)
	proc := &fakeProcessor{fn: func(ctx context.Context, job queue.Job) (*pipeline.Result, error) {
		mu.Lock()
		active++
		peak = max(peak, active)
		mu.Unlock()
		<-release
		mu.Lock()
		active--
		mu.Unlock()
		return succeed(ctx, job)
	}}
	startConsumer(t, NewConsumer(broker, proc, prefetch, testLogger()))

	for i := range prefetch + 1 {
		if err := broker.Publish(context.Background(), queue.Job{Username: fmt.Sprintf("user%d", i)}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	waitFor(t, "workers busy", func() bool { return proc.count() == prefetch })
	time.Sleep(20 * time.Millisecond)
	if got := proc.count(); got != prefetch {
		t.Errorf("expected %d jobs in progress, got %d", prefetch, got)
	}
	close(release)

	waitFor(t, "all jobs", func() bool {
		ready, inflight, _ := broker.Len()
		return proc.count() == prefetch+1 && ready == 0 && inflight == 0
	})
	mu.Lock()
	defer mu.Unlock()
	if peak != prefetch {
		t.Errorf("expected peak concurrency %d, got %d", prefetch, peak)
	}
}

func TestConsumer_ShutdownLeavesInterruptedJobInFlight(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(3))
	started := make(chan struct{})
	proc := &fakeProcessor{fn: func(ctx context.Context, job queue.Job) (*pipeline.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewConsumer(broker, proc, 1, testLogger()).Run(ctx) }()

	if err := broker.Publish(context.Background(), queue.Job{Username: "octocat"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	<-started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop")
	}

	ready, inflight, dead := broker.Len()
	if ready != 0 || inflight != 1 || dead != 0 {
		t.Errorf("expected the job to stay in flight, got ready=%d inflight=%d dead=%d", ready, inflight, dead)
	}
}

func TestConsumer_StopsWhenBrokerClosed(t *testing.T) {
	broker := queue.NewMemoryBroker("framework-stats", testPolicy(3))
	done := make(chan error, 1)
	go func() {
		done <- NewConsumer(broker, &fakeProcessor{fn: succeed}, 2, testLogger()).Run(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	broker.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("consumer did not stop after Close")
	}
}
