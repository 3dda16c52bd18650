package alert

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strconv"

	"go.uber.org/zap"
)

type Sender interface {
	Send(to, subject, htmlBody string) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

type SMTPSender struct {
	addr string
	from string
	auth smtp.Auth // nil for local relays (MailHog)
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	s := &SMTPSender{
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		from: cfg.From,
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return s
}

func (s *SMTPSender) Send(to, subject, htmlBody string) error {
	msg := buildRFC822(s.from, to, subject, htmlBody)
	return smtp.SendMail(s.addr, s.auth, s.from, []string{to}, msg)
}

func buildRFC822(from, to, subject, html string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&buf, "\r\n%s\r\n", html)
	return buf.Bytes()
}

// LogSender writes mails to the log instead of sending them (dev without SMTP).
type LogSender struct {
	Log *zap.Logger
}

func (s LogSender) Send(to, subject, htmlBody string) error {
	s.Log.Info("email", zap.String("to", to), zap.String("subject", subject), zap.String("body", htmlBody))
	return nil
}

var alertTpl = template.Must(template.New("alert").Parse(`
<h2>{{.Subject}}</h2>
<p>Payment ID: <b>{{.PaymentID}}</b></p>
<p>Callback URL: <code>{{.URL}}</code></p>
<p>Attempts: {{.Attempts}}</p>
<p>{{.Text}}</p>
`))

func RenderAlertEmail(a Alert) string {
	var buf bytes.Buffer
	_ = alertTpl.Execute(&buf, a)
	return buf.String()
}

// EmailSink mails every alert to one operator address.
type EmailSink struct {
	sender Sender
	to     string
}

func NewEmailSink(sender Sender, to string) *EmailSink {
	return &EmailSink{sender: sender, to: to}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Send(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sender.Send(s.to, a.Subject, RenderAlertEmail(a))
}
