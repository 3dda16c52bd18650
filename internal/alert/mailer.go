package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
)

// received is an envelope read back from the events topic.
type received struct {
	EventType   string         `json:"eventType"`
	OccurredAt  time.Time      `json:"occurredAt"`
	AggregateID string         `json:"aggregateId"`
	Data        events.Invoice `json:"data"`
}

type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// EventMailer mails the merchant about settled invoices. Callback
// failures are left to the in-process Notifier.
type EventMailer struct {
	sender Sender
	to     string
	log    *zap.Logger
}

func NewEventMailer(sender Sender, to string, log *zap.Logger) *EventMailer {
	return &EventMailer{sender: sender, to: to, log: log.Named("mailer")}
}

var mailTpl = template.Must(template.New("event").Parse(`
<h2>{{.Title}}</h2>
<p>Payment ID: <b>{{.Invoice.PaymentID}}</b></p>
<p>Amount: {{.Invoice.Amount}} ({{.Invoice.Network}})</p>
<p>Status: {{.Invoice.Status}}</p>
{{if .Invoice.TxIDs}}<p>Transactions:</p><ul>{{range .Invoice.TxIDs}}<li><code>{{.}}</code></li>{{end}}</ul>{{end}}
{{if .Invoice.Reason}}<p>Reason: {{.Invoice.Code}} {{.Invoice.Reason}}</p>{{end}}
<p>At: {{.At.Format "2006-01-02 15:04:05 MST"}}</p>
`))

var titles = map[string]string{
	events.PaymentAccepted: "Payment received",
	events.PaymentRejected: "Payment rejected",
	events.InvoiceExpired:  "Invoice expired unpaid",
}

// Render builds the subject and body for an event type. ok is false for
// types the mailer ignores.
func Render(eventType string, inv events.Invoice, at time.Time) (subject, body string, ok bool) {
	title, ok := titles[eventType]
	if !ok {
		return "", "", false
	}
	var buf bytes.Buffer
	_ = mailTpl.Execute(&buf, struct {
		Title   string
		Invoice events.Invoice
		At      time.Time
	}{title, inv, at})
	return fmt.Sprintf("%s: %s", title, inv.PaymentID), buf.String(), true
}

// Handle mails one encoded envelope.
func (m *EventMailer) Handle(value []byte) error {
	var evt received
	if err := json.Unmarshal(value, &evt); err != nil {
		return fmt.Errorf("bad event json: %w", err)
	}
	subject, body, ok := Render(evt.EventType, evt.Data, evt.OccurredAt)
	if !ok {
		return nil
	}
	if err := m.sender.Send(m.to, subject, body); err != nil {
		return fmt.Errorf("send %s mail: %w", evt.EventType, err)
	}
	m.log.Info("mail sent", zap.String("type", evt.EventType), zap.String("payment_id", evt.AggregateID))
	return nil
}

// Run consumes reader until ctx is done. Every message is committed once
// handled; a mail that cannot be sent is logged and skipped.
func (m *EventMailer) Run(ctx context.Context, reader MessageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch event: %w", err)
		}
		if err := m.Handle(msg.Value); err != nil {
			m.log.Warn("event not mailed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			m.log.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}
