package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestBuildSlackPayload_Structure(t *testing.T) {
	payload := BuildSlackPayload(sampleNotification())

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}

	if parsed["text"] != "Failed to Process Framework Stats for User: octocat" {
		t.Errorf("unexpected fallback text %v", parsed["text"])
	}

	blocks, ok := parsed["blocks"].([]interface{})
	if !ok || len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %v", parsed["blocks"])
	}

	header := blocks[0].(map[string]interface{})
	if header["type"] != "header" {
		t.Errorf("expected header block, got %q", header["type"])
	}

	fields := blocks[1].(map[string]interface{})["fields"].([]interface{})
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	email := fields[1].(map[string]interface{})["text"].(string)
	if !strings.Contains(email, "octo@example.com") {
		t.Errorf("expected email field, got %q", email)
	}

	errText := blocks[2].(map[string]interface{})["text"].(map[string]interface{})["text"].(string)
	if !strings.Contains(errText, "github returned 502") {
		t.Errorf("expected error detail, got %q", errText)
	}
}

func TestBuildSlackPayload_MissingEmail(t *testing.T) {
	n := sampleNotification()
	n.Email = ""

	data, _ := json.Marshal(BuildSlackPayload(n))
	if !strings.Contains(string(data), `*Email:*\nN/A`) {
		t.Errorf("expected N/A email, got %s", data)
	}
}

func TestBuildSlackPayload_TruncatesLongError(t *testing.T) {
	n := sampleNotification()
	n.ErrorDetail = strings.Repeat("x", 5000)

	payload := BuildSlackPayload(n)
	if got := len([]rune(payload.Blocks[2].Text.Text)); got > slackTextLimit {
		t.Errorf("expected at most %d characters, got %d", slackTextLimit, got)
	}
}

func TestSlackNotifier_Notify_Success(t *testing.T) {
	var receivedBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %q", r.Header.Get("Content-Type"))
		}
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(receivedBody), "octocat") {
		t.Errorf("expected username in body, got %s", receivedBody)
	}
}

func TestSlackNotifier_Notify_RetriesOnce(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if callCount.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, testLogger())
	if err := notifier.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("expected success on retry, got %v", err)
	}
	if got := callCount.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestSlackNotifier_Notify_HTTPError(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("bad gateway"))
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, testLogger())
	err := notifier.Notify(context.Background(), sampleNotification())
	if err == nil {
		t.Fatal("expected error on non-200 response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("expected status in error, got %v", err)
	}
	if got := callCount.Load(); got != 2 {
		t.Errorf("expected 2 calls, got %d", got)
	}
}

func TestSlackNotifier_Notify_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL, testLogger())
	notifier.client.Timeout = 50 * time.Millisecond

	if err := notifier.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("expected timeout error")
	}
}
