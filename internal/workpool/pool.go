// Package workpool runs bounded fan-out with per-task timeouts and a bounded
// overall drain.
package workpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrDrainTimeout is reported for tasks still outstanding when the pool's
// drain budget ran out.
var ErrDrainTimeout = errors.New("workpool: drain timeout exceeded")

// Pool describes one fan-out call site.
type Pool struct {
	// Cap bounds the number of concurrent workers.
	Cap int
	// TaskTimeout bounds each task. Zero means no per-task timeout.
	TaskTimeout time.Duration
	// DrainTimeout bounds the wait for all tasks. Zero means wait forever.
	DrainTimeout time.Duration
}

// Result is the outcome of a single task.
type Result[T any] struct {
	Value T
	Err   error
}

// Size returns the number of workers used for n tasks.
func (p Pool) Size(n int) int {
	size := p.Cap
	if size <= 0 || n < size {
		size = n
	}
	return size
}

// Run executes fn for every index in [0, n) on at most p.Size(n) workers and
// returns one Result per index. Tasks that fail or time out carry their error;
// they never abort their siblings. If the drain budget expires, outstanding
// tasks are cancelled and reported as ErrDrainTimeout, and any value they
// produce afterwards is discarded.
func Run[T any](ctx context.Context, p Pool, n int, fn func(ctx context.Context, i int) (T, error)) []Result[T] {
	results := make([]Result[T], n)
	if n == 0 {
		return results
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu     sync.Mutex
		closed bool
		done   = make([]bool, n)
	)

	var g errgroup.Group
	g.SetLimit(p.Size(n))

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for i := 0; i < n; i++ {
			if poolCtx.Err() != nil {
				break
			}
			g.Go(func() error {
				taskCtx := poolCtx
				if p.TaskTimeout > 0 {
					var cancelTask context.CancelFunc
					taskCtx, cancelTask = context.WithTimeout(poolCtx, p.TaskTimeout)
					defer cancelTask()
				}

				v, err := fn(taskCtx, i)

				mu.Lock()
				defer mu.Unlock()
				if !closed {
					results[i] = Result[T]{Value: v, Err: err}
					done[i] = true
				}
				return nil
			})
		}
		g.Wait()
	}()

	var drain <-chan time.Time
	if p.DrainTimeout > 0 {
		timer := time.NewTimer(p.DrainTimeout)
		defer timer.Stop()
		drain = timer.C
	}

	pending := ErrDrainTimeout
	select {
	case <-finished:
	case <-drain:
	case <-ctx.Done():
		pending = ctx.Err()
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	closed = true
	out := make([]Result[T], n)
	for i := range results {
		out[i] = results[i]
		if !done[i] {
			out[i].Err = pending
		}
	}
	return out
}

// Failed counts results that carry an error.
func Failed[T any](results []Result[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
