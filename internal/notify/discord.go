package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Discord limits a field value to 1024 characters.
const discordFieldLimit = 1024

// DiscordNotifier sends failure notifications to a Discord webhook.
type DiscordNotifier struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordNotifier creates a DiscordNotifier with the given webhook URL.
func NewDiscordNotifier(webhookURL string) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// discordEmbed represents a Discord embed object.
type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Footer    *discordFooter `json:"footer,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
}

// discordField represents a field in a Discord embed.
type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// discordFooter represents the footer of a Discord embed.
type discordFooter struct {
	Text string `json:"text"`
}

// discordPayload is the top-level Discord webhook payload.
type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// BuildDiscordPayload creates the Discord embed message for a failed job.
func BuildDiscordPayload(n FailureNotification) discordPayload {
	fields := []discordField{
		{Name: "User", Value: n.Username, Inline: true},
		{Name: "Email", Value: EmailOrNA(n.Email), Inline: true},
		{Name: "Attempts", Value: fmt.Sprintf("%d", n.Attempts), Inline: true},
		{
			Name:  "Error",
			Value: Truncate("```"+n.ErrorDetail+"```", discordFieldLimit),
		},
		{
			Name:  "Original Request",
			Value: Truncate("```json\n"+FormatRequest(n)+"\n```", discordFieldLimit),
		},
	}

	embed := discordEmbed{
		Title:  Subject(n),
		Color:  15158332, // red
		Fields: fields,
		Footer: &discordFooter{
			Text: fmt.Sprintf("fwstats - %s", n.Queue),
		},
	}
	if !n.FailedAt.IsZero() {
		embed.Timestamp = n.FailedAt.UTC().Format(time.RFC3339)
	}

	return discordPayload{
		Embeds: []discordEmbed{embed},
	}
}

// Notify sends a Discord notification for the failed job.
func (d *DiscordNotifier) Notify(ctx context.Context, n FailureNotification) error {
	body, err := json.Marshal(BuildDiscordPayload(n))
	if err != nil {
		return fmt.Errorf("marshaling discord payload: %w", err)
	}

	return d.post(ctx, body)
}

func (d *DiscordNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("discord webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
