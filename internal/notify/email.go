package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/jacklau/fwstats/internal/config"
)

var emailTemplate = template.Must(template.New("failure").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif;">
<h2>{{.Subject}}</h2>
<table cellpadding="4" style="border-collapse: collapse;">
<tr><th align="left">Username</th><td>{{.Username}}</td></tr>
<tr><th align="left">Email</th><td>{{.Email}}</td></tr>
<tr><th align="left">Attempts</th><td>{{.Attempts}}</td></tr>
<tr><th align="left">Failed At</th><td>{{.FailedAt}}</td></tr>
<tr><th align="left">Queue</th><td>{{.Queue}}</td></tr>
</table>
<h3>Error</h3>
<pre>{{.ErrorDetail}}</pre>
<h3>Original Request</h3>
<pre>{{.Request}}</pre>
</body>
</html>
`))

type emailView struct {
	Subject     string
	Username    string
	Email       string
	Attempts    int
	FailedAt    string
	Queue       string
	ErrorDetail string
	Request     string
}

// sendFunc matches smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier mails failure notifications to supervisors.
type EmailNotifier struct {
	addr string
	auth smtp.Auth
	from string
	to   []string
	send sendFunc
}

// NewEmailNotifier creates an EmailNotifier that sends through cfg to the
// given recipients. Authentication is used only when a username is set.
func NewEmailNotifier(cfg config.SMTPConfig, to []string) *EmailNotifier {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	from := cfg.From
	if from == "" {
		from = cfg.Username
	}
	return &EmailNotifier{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		auth: auth,
		from: from,
		to:   to,
		send: smtp.SendMail,
	}
}

// Notify mails n to every recipient.
func (e *EmailNotifier) Notify(ctx context.Context, n FailureNotification) error {
	if len(e.to) == 0 {
		return fmt.Errorf("email notify: no recipients")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := BuildEmail(e.from, e.to, n)
	if err != nil {
		return err
	}
	if err := e.send(e.addr, e.auth, e.from, e.to, msg); err != nil {
		return fmt.Errorf("sending email via %s: %w", e.addr, err)
	}
	return nil
}

// BuildEmail renders the complete RFC 5322 message for n.
func BuildEmail(from string, to []string, n FailureNotification) ([]byte, error) {
	view := emailView{
		Subject:     Subject(n),
		Username:    n.Username,
		Email:       EmailOrNA(n.Email),
		Attempts:    n.Attempts,
		FailedAt:    FormatFailedAt(n.FailedAt),
		Queue:       n.Queue,
		ErrorDetail: n.ErrorDetail,
		Request:     FormatRequest(n),
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, view); err != nil {
		return nil, fmt.Errorf("rendering email: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", view.Subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
