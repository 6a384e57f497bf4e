package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jacklau/fwstats/internal/store"
)

var userEmail string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage registered users",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Register a GitHub user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		u, err := c.Store.CreateUser(ctx, args[0], userEmail)
		if err != nil {
			return fmt.Errorf("adding user: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (%s).\n", u.Username, u.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered users",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, cleanup, err := setup(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		users, err := c.Store.ListUsers(ctx)
		if err != nil {
			return fmt.Errorf("listing users: %w", err)
		}
		renderUsers(cmd.OutOrStdout(), users, time.Now())
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "contact email")
	userCmd.AddCommand(userAddCmd, userListCmd)
	rootCmd.AddCommand(userCmd)
}

// renderUsers writes the user table.
func renderUsers(w io.Writer, users []store.User, now time.Time) {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users registered yet.")
		fmt.Fprintln(w, "Run 'fwstats user add <username>' to get started.")
		return
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Username", "Email", "Registered"})
	for _, u := range users {
		email := u.Email
		if email == "" {
			email = "-"
		}
		tbl.AppendRow(table.Row{u.Username, email, humanize.RelTime(u.CreatedAt, now, "ago", "from now")})
	}
	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d", len(users))})
	tbl.Render()
}
