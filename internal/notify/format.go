package notify

import (
	"encoding/json"
	"fmt"
	"time"
)

// notAvailable stands in for a missing email address.
const notAvailable = "N/A"

// Subject returns the notification title.
// Example: "Failed to Process Framework Stats for User: octocat"
func Subject(n FailureNotification) string {
	return fmt.Sprintf("Failed to Process Framework Stats for User: %s", n.Username)
}

// EmailOrNA returns the email, or "N/A" when it is empty.
func EmailOrNA(email string) string {
	if email == "" {
		return notAvailable
	}
	return email
}

// FormatRequest renders the original request as indented JSON with the
// credential redacted.
func FormatRequest(n FailureNotification) string {
	b, err := json.MarshalIndent(n.Job.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", n.Job.Redacted())
	}
	return string(b)
}

// FormatFailedAt renders the failure time in UTC.
func FormatFailedAt(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC1123)
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
