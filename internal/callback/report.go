package callback

import (
	"context"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// Queue accepts callbacks for delivery elsewhere.
type Queue interface {
	Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error
}

// ReportingQueue raises a delivery failure for every callback its queue
// refuses, the way the Dispatcher does for a full queue. Reports run in the
// background so a failed hand-off never delays the caller further.
type ReportingQueue struct {
	queue    Queue
	notifier Notifier
	metrics  metrics.Recorder
	log      *zap.Logger
}

func NewReportingQueue(q Queue, notifier Notifier, rec metrics.Recorder, log *zap.Logger) *ReportingQueue {
	return &ReportingQueue{queue: q, notifier: notifier, metrics: rec, log: log.Named("callback")}
}

func (r *ReportingQueue) Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error {
	err := r.queue.Enqueue(ctx, callbackURL, payload)
	if err == nil {
		return nil
	}
	f := Failure{PaymentID: payload.PaymentID, URL: callbackURL, Err: err}
	go r.report(context.WithoutCancel(ctx), f)
	return err
}

func (r *ReportingQueue) report(ctx context.Context, f Failure) {
	r.metrics.IncCounter(metrics.CallbacksFailed, nil)
	r.log.Error("callback not queued",
		zap.String("payment_id", f.PaymentID),
		zap.String("url", f.URL),
		zap.String("code", string(protocol.CodeCallbackDeliveryFailed)),
		zap.Error(f.Err))
	if r.notifier != nil {
		r.notifier.CallbackFailed(ctx, f)
	}
}
