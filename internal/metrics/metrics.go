package metrics

import "time"

// Counter and latency names.
const (
	InvoicesCreated    = "invoice_created"
	InvoicesRejected   = "invoice_rejected"
	InvoicesExpired    = "invoice_expired"
	PaymentsAccepted   = "payment_accepted"
	PaymentsRejected   = "payment_rejected"
	CallbacksDelivered = "callback_delivered"
	CallbacksFailed    = "callback_failed"
	CallbackAttempts   = "callback_attempt"
	CredentialFailures = "credential_failed"

	OpIssue     = "issue"
	OpVerify    = "verify"
	OpBroadcast = "broadcast"
	OpCallback  = "callback"
	OpSweep     = "sweep"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
