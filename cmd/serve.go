package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jacklau/fwstats/internal/server"
)

var (
	serveAddr   string
	serveWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the framework stats HTTP API",
	Long: `Serve the HTTP API:

  GET  /api/frameworks/users?username=NAME   stored stats for a user
  POST /api/frameworks/jobs                  queue an analysis
  GET  /healthz, /metrics

With --worker the consumer and dead-letter handler run in the same process,
and /api/frameworks/events streams stats updates. This is required for the
memory queue driver.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "also run the consumer and dead-letter handler")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	c, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Config.Queue.Driver == "memory" && !serveWorker {
		c.Logger.Warn("memory queue without --worker: queued jobs will never be processed")
	}

	addr := serveAddr
	if addr == "" {
		addr = c.Config.Server.Addr
	}

	opts := server.Options{Dispatcher: createDispatcher(c), Logger: c.Logger}
	g, gctx := errgroup.WithContext(ctx)
	if serveWorker {
		opts.Events = c.Events
		startWorkers(gctx, g, c, c.Config.Queue.Prefetch, true)
	}

	srv := server.New(opts)
	g.Go(func() error { return server.ListenAndServe(gctx, addr, srv, c.Logger) })

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
