// Package alert surfaces callbacks that could not be delivered to the
// merchant: a log line, a CallbackDeliveryFailed event and, when
// configured, a Slack message and an operator e-mail.
package alert

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/callback"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// Alert is one operator notification.
type Alert struct {
	Subject   string
	Text      string
	PaymentID string
	URL       string
	Attempts  int
	At        time.Time
}

// Sink delivers alerts to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// Notifier implements callback.Notifier.
type Notifier struct {
	emitter *events.Emitter
	sinks   []Sink
	log     *zap.Logger
	timeout time.Duration
}

var _ callback.Notifier = (*Notifier)(nil)

func New(emitter *events.Emitter, log *zap.Logger, sinks ...Sink) *Notifier {
	return &Notifier{emitter: emitter, sinks: sinks, log: log.Named("alert"), timeout: 10 * time.Second}
}

func (n *Notifier) CallbackFailed(ctx context.Context, f callback.Failure) {
	reason := ""
	if f.Err != nil {
		reason = f.Err.Error()
	}
	n.emitter.Emit(ctx, events.CallbackDeliveryFailed, events.Invoice{
		PaymentID: f.PaymentID,
		Status:    "paid",
		Code:      string(protocol.CodeCallbackDeliveryFailed),
		Reason:    reason,
		Attempts:  f.Attempts,
	})

	a := Alert{
		Subject:   fmt.Sprintf("Callback delivery failed for payment %s", f.PaymentID),
		Text:      fmt.Sprintf("The merchant callback %s was not accepted after %d attempt(s): %s. The payment itself is paid.", f.URL, f.Attempts, reason),
		PaymentID: f.PaymentID,
		URL:       f.URL,
		Attempts:  f.Attempts,
		At:        time.Now().UTC(),
	}
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.timeout)
		if err := s.Send(sctx, a); err != nil {
			n.log.Warn("alert not sent", zap.String("sink", s.Name()), zap.String("payment_id", f.PaymentID), zap.Error(err))
		}
		cancel()
	}
}
