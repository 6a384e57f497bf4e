package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/jacklau/fwstats/internal/config"
)

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func captureSend(sent *[]sentMail, err error) sendFunc {
	return func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		*sent = append(*sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
		return err
	}
}

func TestBuildEmail(t *testing.T) {
	n := sampleNotification()
	n.Email = ""
	n.ErrorDetail = "<script>alert(1)</script>"

	msg, err := BuildEmail("fwstats@example.com", []string{"a@example.com", "b@example.com"}, n)
	if err != nil {
		t.Fatalf("BuildEmail failed: %v", err)
	}
	s := string(msg)

	for _, want := range []string{
		"From: fwstats@example.com\r\n",
		"To: a@example.com, b@example.com\r\n",
		"Subject: Failed to Process Framework Stats for User: octocat\r\n",
		"Content-Type: text/html; charset=\"UTF-8\"\r\n",
		"<td>N/A</td>",
		"&lt;script&gt;",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("expected message to contain %q", want)
		}
	}
	if strings.Contains(s, "<script>") {
		t.Error("error detail was not escaped")
	}
}

func TestEmailNotifier_Notify(t *testing.T) {
	var sent []sentMail
	e := NewEmailNotifier(config.SMTPConfig{Host: "smtp.example.com", Port: 587, From: "fwstats@example.com"},
		[]string{"sup@example.com"})
	e.send = captureSend(&sent, nil)

	if err := e.Notify(context.Background(), sampleNotification()); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(sent))
	}
	if sent[0].addr != "smtp.example.com:587" {
		t.Errorf("unexpected addr %q", sent[0].addr)
	}
	if len(sent[0].to) != 1 || sent[0].to[0] != "sup@example.com" {
		t.Errorf("unexpected recipients %v", sent[0].to)
	}
	if !strings.Contains(sent[0].msg, "octo@example.com") {
		t.Error("expected user email in message body")
	}
}

func TestEmailNotifier_FromDefaultsToUsername(t *testing.T) {
	e := NewEmailNotifier(config.SMTPConfig{Host: "smtp.example.com", Port: 25, Username: "bot@example.com"},
		[]string{"sup@example.com"})
	if e.from != "bot@example.com" {
		t.Errorf("expected from to default to username, got %q", e.from)
	}
	if e.auth == nil {
		t.Error("expected auth when a username is set")
	}
}

func TestEmailNotifier_Errors(t *testing.T) {
	var sent []sentMail
	e := NewEmailNotifier(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, []string{"sup@example.com"})
	e.send = captureSend(&sent, errors.New("connection refused"))

	if err := e.Notify(context.Background(), sampleNotification()); err == nil {
		t.Fatal("expected send error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := e.Notify(ctx, sampleNotification()); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(sent) != 1 {
		t.Errorf("expected no send after cancellation, got %d sends", len(sent))
	}

	empty := NewEmailNotifier(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, nil)
	if err := empty.Notify(context.Background(), sampleNotification()); err == nil {
		t.Error("expected error without recipients")
	}
}
