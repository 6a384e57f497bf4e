package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jacklau/fwstats/internal/worker"
)

var deadLetterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Notify supervisors about dead-lettered jobs",
	Long: `Run only the dead-letter handler. Each dead-lettered job produces one
notification to the configured supervisors (email, Slack, Discord) and is
then acknowledged, whether or not the notification could be sent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		c, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		handler := worker.NewDeadLetterHandler(c.Broker, deadLetterNotifier(c), c.Logger.With("component", "deadletter"))
		return handler.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(deadLetterCmd)
}
