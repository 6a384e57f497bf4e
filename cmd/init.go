package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup for fwstats configuration",
	Long:  `Creates a default configuration file with guided prompts.`,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the values gathered by the init prompts.
type initAnswers struct {
	QueueDriver string
	StoreDriver string
	Supervisors string
	SMTPHost    string
	SlackURL    string
	DiscordURL  string
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Welcome to fwstats setup!")
	fmt.Fprintln(out, "This will create a configuration file for you.")
	fmt.Fprintln(out)

	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		answer := prompt(reader, out, fmt.Sprintf("Config file already exists at %s\nOverwrite? [y/N]: ", configPath))
		answer = strings.ToLower(answer)
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	a := initAnswers{
		QueueDriver: promptDefault(reader, out, "Queue driver (sqlite/redis/memory)", "sqlite"),
		StoreDriver: promptDefault(reader, out, "Store driver (sqlite/mongo)", "sqlite"),
		Supervisors: prompt(reader, out, "Supervisor emails, comma separated (or press Enter to skip): "),
	}
	if a.Supervisors != "" {
		a.SMTPHost = prompt(reader, out, "SMTP host: ")
	}
	a.SlackURL = prompt(reader, out, "Slack webhook URL (or press Enter to skip): ")
	a.DiscordURL = prompt(reader, out, "Discord webhook URL (or press Enter to skip): ")

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(buildConfigYAML(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	fmt.Fprintln(out, "Edit the file to add credentials and customize settings.")
	return nil
}

func prompt(r *bufio.Reader, w io.Writer, question string) string {
	fmt.Fprint(w, question)
	answer, _ := r.ReadString('\n')
	return strings.TrimSpace(answer)
}

func promptDefault(r *bufio.Reader, w io.Writer, question, def string) string {
	if answer := prompt(r, w, fmt.Sprintf("%s [%s]: ", question, def)); answer != "" {
		return answer
	}
	return def
}

func buildConfigYAML(a initAnswers) string {
	var b strings.Builder

	b.WriteString("# fwstats configuration\n")
	b.WriteString("# Values of the form ${VAR} are read from the environment.\n\n")

	b.WriteString("github:\n")
	b.WriteString("  auth: token\n")
	b.WriteString("  # auth: app\n")
	b.WriteString("  # app_id: YOUR_APP_ID\n")
	b.WriteString("  # installation_id: YOUR_INSTALLATION_ID\n")
	b.WriteString("  # private_key_path: /path/to/private-key.pem\n")
	b.WriteString("\n")

	b.WriteString("queue:\n")
	fmt.Fprintf(&b, "  driver: %s\n", a.QueueDriver)
	b.WriteString("  name: framework-stats\n")
	if a.QueueDriver == "redis" {
		b.WriteString("  redis:\n")
		b.WriteString("    addr: localhost:6379\n")
	}
	b.WriteString("  max_attempts: 5\n")
	b.WriteString("  initial_delay: 1s\n")
	b.WriteString("  multiplier: 3.0\n")
	b.WriteString("  max_delay: 5s\n")
	b.WriteString("  prefetch: 1\n")
	b.WriteString("\n")

	b.WriteString("store:\n")
	fmt.Fprintf(&b, "  driver: %s\n", a.StoreDriver)
	b.WriteString("  path: ~/.fwstats/fwstats.db\n")
	if a.StoreDriver == "mongo" {
		b.WriteString("  mongo:\n")
		b.WriteString("    uri: ${MONGO_URI}\n")
		b.WriteString("    database: fwstats\n")
	}
	b.WriteString("\n")

	b.WriteString("notify:\n")
	if a.Supervisors != "" {
		fmt.Fprintf(&b, "  supervisors: %s\n", a.Supervisors)
		b.WriteString("  smtp:\n")
		fmt.Fprintf(&b, "    host: %s\n", a.SMTPHost)
		b.WriteString("    port: 587\n")
		b.WriteString("    username: ${SMTP_USERNAME}\n")
		b.WriteString("    password: ${SMTP_PASSWORD}\n")
	} else {
		b.WriteString("  # supervisors: ops@example.com, lead@example.com\n")
	}
	if a.SlackURL != "" {
		fmt.Fprintf(&b, "  slack_webhook: %s\n", a.SlackURL)
	} else {
		b.WriteString("  # slack_webhook: https://hooks.slack.com/services/...\n")
	}
	if a.DiscordURL != "" {
		fmt.Fprintf(&b, "  discord_webhook: %s\n", a.DiscordURL)
	} else {
		b.WriteString("  # discord_webhook: https://discord.com/api/webhooks/...\n")
	}
	b.WriteString("\n")

	b.WriteString("dispatch:\n")
	b.WriteString("  freshness_window: 6h\n")
	b.WriteString("\n")

	b.WriteString("log:\n")
	b.WriteString("  level: info\n")

	return b.String()
}
