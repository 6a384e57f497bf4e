package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and queue health overview",
	Long: `Display the number of registered users, how many have computed stats,
the queue and dead-letter depth, and the database size.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// depther is implemented by brokers that can count their messages.
type depther interface {
	Depth(ctx context.Context) (queued, dead int, err error)
}

// statusReport is what the status command prints.
type statusReport struct {
	Users      int
	WithStats  int
	Queued     int
	Dead       int
	DepthKnown bool
	StorePath  string
	StoreSize  int64
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	r, err := collectStatus(ctx, c)
	if err != nil {
		return err
	}
	renderStatus(cmd.OutOrStdout(), r)
	return nil
}

func collectStatus(ctx context.Context, c *components) (statusReport, error) {
	var r statusReport

	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		return r, fmt.Errorf("listing users: %w", err)
	}
	r.Users = len(users)
	for _, u := range users {
		if _, err := c.Store.GetFrameworkUsage(ctx, u.ID); err == nil {
			r.WithStats++
		}
	}

	if d, ok := c.Broker.(depther); ok {
		r.Queued, r.Dead, err = d.Depth(ctx)
		if err != nil {
			return r, fmt.Errorf("reading queue depth: %w", err)
		}
		r.DepthKnown = true
	}

	if c.Config.Store.Driver == "sqlite" || c.Config.Queue.Driver == "sqlite" {
		r.StorePath = c.Config.Store.Path
		if info, err := os.Stat(r.StorePath); err == nil {
			r.StoreSize = info.Size()
		}
	}
	return r, nil
}

func renderStatus(w io.Writer, r statusReport) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendRow(table.Row{"Users", r.Users})
	tbl.AppendRow(table.Row{"Users with stats", r.WithStats})
	if r.DepthKnown {
		tbl.AppendRow(table.Row{"Queued jobs", r.Queued})
		tbl.AppendRow(table.Row{"Dead letters", r.Dead})
	}
	if r.StorePath != "" {
		tbl.AppendRow(table.Row{"Database", fmt.Sprintf("%s (%s)", r.StorePath, humanize.Bytes(uint64(r.StoreSize)))})
	}
	tbl.Render()
}
