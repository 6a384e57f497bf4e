package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jacklau/fwstats/internal/server"
	"github.com/jacklau/fwstats/internal/worker"
)

var (
	workerNoDeadLetter bool
	workerAdminAddr    string
	workerPrefetch     int
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume analysis jobs from the queue",
	Long: `Run the job consumer. Each job mines one user's repositories and updates
their framework stats. Failed jobs are retried with backoff and moved to the
dead-letter queue once retries are exhausted.

Unless --no-deadletter is given the dead-letter handler runs in the same
process and notifies supervisors about each dead-lettered job.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().BoolVar(&workerNoDeadLetter, "no-deadletter", false, "do not run the dead-letter handler")
	workerCmd.Flags().StringVar(&workerAdminAddr, "admin-addr", "", "serve /healthz, /metrics and the event stream on this address")
	workerCmd.Flags().IntVar(&workerPrefetch, "prefetch", 0, "concurrent jobs (default from config)")
	rootCmd.AddCommand(workerCmd)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	c, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	prefetch := c.Config.Queue.Prefetch
	if workerPrefetch > 0 {
		prefetch = workerPrefetch
	}

	g, gctx := errgroup.WithContext(ctx)
	startWorkers(gctx, g, c, prefetch, !workerNoDeadLetter)

	if workerAdminAddr != "" {
		admin := server.New(server.Options{Events: c.Events, Logger: c.Logger})
		g.Go(func() error {
			return server.ListenAndServe(gctx, workerAdminAddr, admin, c.Logger)
		})
	}

	c.Logger.Info("worker running", "queue", c.Config.Queue.Name, "driver", c.Config.Queue.Driver)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	c.Logger.Info("worker stopped")
	return nil
}

// startWorkers adds the consumer and, when deadLetters is set, the
// dead-letter handler to g.
func startWorkers(ctx context.Context, g *errgroup.Group, c *components, prefetch int, deadLetters bool) {
	consumer := worker.NewConsumer(c.Broker, createPipeline(c), prefetch, c.Logger.With("component", "consumer"))
	g.Go(func() error { return consumer.Run(ctx) })

	if deadLetters {
		notifier := deadLetterNotifier(c)
		if notifier == nil {
			c.Logger.Warn("no notification targets configured; dead letters will only be logged")
		}
		handler := worker.NewDeadLetterHandler(c.Broker, notifier, c.Logger.With("component", "deadletter"))
		g.Go(func() error { return handler.Run(ctx) })
	}
}
