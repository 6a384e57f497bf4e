package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Slack limits a section's text to 3000 characters.
const slackTextLimit = 3000

// SlackNotifier sends failure notifications to a Slack webhook.
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewSlackNotifier creates a SlackNotifier with the given webhook URL.
func NewSlackNotifier(webhookURL string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// slackBlock represents a Slack Block Kit block.
type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

// slackText represents a text object in Slack Block Kit.
type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// slackPayload is the top-level Slack message payload.
type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// BuildSlackPayload creates the Slack Block Kit message for a failed job.
func BuildSlackPayload(n FailureNotification) slackPayload {
	subject := Subject(n)

	blocks := []slackBlock{
		{
			Type: "header",
			Text: &slackText{Type: "plain_text", Text: "Framework Stats Job Failed"},
		},
		{
			Type: "section",
			Fields: []slackText{
				{Type: "mrkdwn", Text: fmt.Sprintf("*User:*\n%s", n.Username)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Email:*\n%s", EmailOrNA(n.Email))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Attempts:*\n%d", n.Attempts)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Failed At:*\n%s", FormatFailedAt(n.FailedAt))},
			},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: Truncate(fmt.Sprintf("*Error:*\n```%s```", n.ErrorDetail), slackTextLimit),
			},
		},
		{
			Type: "section",
			Text: &slackText{
				Type: "mrkdwn",
				Text: Truncate(fmt.Sprintf("*Original Request:*\n```%s```", FormatRequest(n)), slackTextLimit),
			},
		},
	}

	return slackPayload{Text: subject, Blocks: blocks}
}

// Notify sends a Slack notification for the failed job.
// Retries once on non-2xx response.
func (s *SlackNotifier) Notify(ctx context.Context, n FailureNotification) error {
	body, err := json.Marshal(BuildSlackPayload(n))
	if err != nil {
		return fmt.Errorf("marshaling slack payload: %w", err)
	}

	err = s.post(ctx, body)
	if err != nil {
		s.logger.Warn("slack notify failed, retrying", "error", err)
		err = s.post(ctx, body)
		if err != nil {
			return fmt.Errorf("slack notify failed after retry: %w", err)
		}
	}
	return nil
}

func (s *SlackNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
