package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jacklau/fwstats/internal/store"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats <username>",
	Short: "Show a user's framework stats",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	usage, err := createDispatcher(c).GetStats(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(cmd.OutOrStdout(), "No framework stats for %s yet. Run 'fwstats submit %s' to compute them.\n", args[0], args[0])
		return nil
	}
	if err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(usage)
	}
	renderStats(cmd.OutOrStdout(), args[0], usage, time.Now())
	return nil
}

// frameworkCount is one row of the stats table.
type frameworkCount struct {
	Name  string
	Files int
}

// sortedCounts orders frameworks by file count, then name.
func sortedCounts(m map[string]int) []frameworkCount {
	out := make([]frameworkCount, 0, len(m))
	for name, n := range m {
		out = append(out, frameworkCount{Name: name, Files: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Files != out[j].Files {
			return out[i].Files > out[j].Files
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// renderStats writes the usage table for username.
func renderStats(w io.Writer, username string, usage *store.FrameworkUsage, now time.Time) {
	fmt.Fprintf(w, "Framework usage for %s (updated %s)\n", username, humanize.RelTime(usage.LastUpdated, now, "ago", "from now"))

	counts := sortedCounts(usage.Frameworks)
	if len(counts) == 0 {
		fmt.Fprintln(w, "No frameworks detected.")
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Framework", "Files"})
	total := 0
	for _, fc := range counts {
		tbl.AppendRow(table.Row{fc.Name, humanize.Comma(int64(fc.Files))})
		total += fc.Files
	}
	tbl.AppendFooter(table.Row{"Total", humanize.Comma(int64(total))})
	tbl.Render()
}
