// Package events publishes invoice lifecycle events for downstream
// consumers (bookkeeping, fulfilment, alerting).
package events

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const Version = "1"

// Event types.
const (
	InvoiceCreated         = "InvoiceCreated"
	PaymentAccepted        = "PaymentAccepted"
	PaymentRejected        = "PaymentRejected"
	InvoiceExpired         = "InvoiceExpired"
	CallbackDeliveryFailed = "CallbackDeliveryFailed"
)

// Envelope is the standard event schema the server publishes.
// Keep it small and stable.
type Envelope struct {
	EventType    string    `json:"eventType"`
	EventVersion string    `json:"eventVersion"`
	OccurredAt   time.Time `json:"occurredAt"`
	AggregateID  string    `json:"aggregateId"` // payment id
	Data         any       `json:"data"`
}

// Invoice is the payload of every invoice event.
type Invoice struct {
	PaymentID   string          `json:"paymentId"`
	Network     string          `json:"network,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	AmountUnits uint64          `json:"amountUnits"`
	Status      string          `json:"status"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	TxIDs       []string        `json:"txIds,omitempty"`
	Code        string          `json:"code,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
}

// CoinAmount converts smallest units (1e-8 coin) to a coin decimal.
func CoinAmount(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -8)
}

type Publisher interface {
	Publish(ctx context.Context, key string, evt Envelope) error
}

// Emitter publishes best effort: failures are logged, never returned.
type Emitter struct {
	pub Publisher
	log *zap.Logger
}

// NewEmitter accepts a nil publisher, in which case events are only logged
// at debug level.
func NewEmitter(pub Publisher, log *zap.Logger) *Emitter {
	return &Emitter{pub: pub, log: log.Named("events")}
}

func (e *Emitter) Emit(ctx context.Context, eventType string, data Invoice) {
	if e == nil {
		return
	}
	if e.pub == nil {
		e.log.Debug("event", zap.String("type", eventType), zap.String("payment_id", data.PaymentID))
		return
	}
	evt := Envelope{
		EventType:    eventType,
		EventVersion: Version,
		OccurredAt:   time.Now().UTC(),
		AggregateID:  data.PaymentID,
		Data:         data,
	}
	if err := e.pub.Publish(ctx, data.PaymentID, evt); err != nil {
		e.log.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("payment_id", data.PaymentID),
			zap.Error(err))
	}
}

// Memory collects envelopes in process.
type Memory struct {
	mu     sync.Mutex
	events []Envelope
}

func (m *Memory) Publish(_ context.Context, _ string, evt Envelope) error {
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Events() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.events...)
}

// Types lists the event types received, in order.
func (m *Memory) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}
