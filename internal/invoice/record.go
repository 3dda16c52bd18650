// Package invoice creates invoices, owns their records and expires stale
// ones.
package invoice

import (
	"errors"
	"time"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusExpired || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

var (
	ErrNotFound = errors.New("invoice not found")
	ErrExists   = errors.New("invoice already exists")
	// ErrConflict is returned by Transition when the record is no longer in
	// the expected state.
	ErrConflict = errors.New("invoice status changed")
)

// Record is the server side state of one invoice.
type Record struct {
	PaymentID   string
	Network     string
	Amount      uint64
	Request     protocol.PaymentRequest
	Details     protocol.PaymentDetails
	Status      Status
	Token       string // vault token; empty when merchant data is embedded raw
	AckMemo     string
	CallbackURL string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	UpdatedAt   time.Time

	// Set by the transition out of Pending.
	TxIDs         []string
	PaidAt        time.Time
	RefundTo      []protocol.Output
	FailureReason string
	ACK           []byte // encoded PaymentACK of a Paid invoice
}

// Change carries the bookkeeping applied with a transition.
type Change struct {
	At            time.Time
	TxIDs         []string
	RefundTo      []protocol.Output
	FailureReason string
	ACK           []byte
}

// Apply moves r to status to and records c. Callers check the from status.
func (r *Record) Apply(to Status, c Change) {
	r.Status = to
	r.UpdatedAt = c.At
	if to == StatusPaid {
		r.PaidAt = c.At
	}
	if c.TxIDs != nil {
		r.TxIDs = c.TxIDs
	}
	if c.RefundTo != nil {
		r.RefundTo = c.RefundTo
	}
	if c.FailureReason != "" {
		r.FailureReason = c.FailureReason
	}
	if c.ACK != nil {
		r.ACK = c.ACK
	}
}

// Expired reports whether now is past the invoice expiry.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
