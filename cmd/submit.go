package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacklau/fwstats/internal/queue"
)

var (
	submitEmail string
	submitToken string
)

var submitCmd = &cobra.Command{
	Use:   "submit <username>",
	Short: "Queue a framework analysis for a user",
	Long: `Queue a job that recomputes a registered user's framework stats. The job
is skipped when the stats were updated within the freshness window.

The GitHub token is read from --token or the GITHUB_TOKEN environment
variable. It may be omitted when GitHub App auth is configured.`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitEmail, "email", "", "contact email (default from the user record)")
	submitCmd.Flags().StringVar(&submitToken, "token", "", "GitHub token used to mine the user's activity")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	token := submitToken
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}

	job := queue.Job{Username: args[0], Email: submitEmail, Credential: token}
	published, err := createDispatcher(c).Submit(ctx, job)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if published {
		fmt.Fprintf(out, "Queued framework analysis for %s.\n", args[0])
	} else {
		fmt.Fprintf(out, "Stats for %s are fresh; no job queued.\n", args[0])
	}
	return nil
}
