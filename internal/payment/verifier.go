// Package payment verifies submitted payments against their invoice and
// moves the invoice to its terminal state.
package payment

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// Tokens resolves and revokes merchant data tokens.
type Tokens interface {
	Resolve(ctx context.Context, token string) ([]byte, error)
	Revoke(ctx context.Context, token string) error
}

// CallbackQueue accepts merchant callbacks for asynchronous delivery.
// Enqueue must not block on delivery, and reports its own failures to the
// alerting side.
type CallbackQueue interface {
	Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error
}

// Result describes an accepted payment.
type Result struct {
	ACK    protocol.PaymentACK
	Record invoice.Record
	// MerchantData is the merchant data the invoice was issued with, the
	// token already dereferenced.
	MerchantData []byte
}

type Verifier struct {
	store     invoice.Store
	locker    invoice.Locker
	tokens    Tokens
	node      chain.Broadcaster
	callbacks CallbackQueue
	events    *events.Emitter
	metrics   metrics.Recorder
	log       *zap.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	now       func() time.Time
}

type Options struct {
	// BroadcastTimeout bounds each node broadcast.
	BroadcastTimeout time.Duration
}

func NewVerifier(opts Options, store invoice.Store, locker invoice.Locker, tokens Tokens, node chain.Broadcaster, callbacks CallbackQueue, emitter *events.Emitter, rec metrics.Recorder, log *zap.Logger) *Verifier {
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = 10 * time.Second
	}
	return &Verifier{
		store:     store,
		locker:    locker,
		tokens:    tokens,
		node:      node,
		callbacks: callbacks,
		events:    emitter,
		metrics:   rec,
		log:       log.Named("verifier"),
		tracer:    otel.Tracer("bip70-server/payment"),
		timeout:   opts.BroadcastTimeout,
		now:       time.Now,
	}
}

// Submit verifies p against invoice paymentID. At most one Submit per
// invoice succeeds; every later one fails with InvoiceNotPending.
func (v *Verifier) Submit(ctx context.Context, paymentID string, p protocol.Payment) (Result, error) {
	ctx, span := v.tracer.Start(ctx, "payment.submit", trace.WithAttributes(attribute.String("payment_id", paymentID)))
	defer span.End()
	start := v.now()

	res, network, err := v.submit(ctx, paymentID, p)
	labels := map[string]string{"network": network}
	v.metrics.ObserveLatency(metrics.OpVerify, v.now().Sub(start), labels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		labels["code"] = string(protocol.CodeOf(err))
		v.metrics.IncCounter(metrics.PaymentsRejected, labels)
		v.log.Info("payment rejected", zap.String("payment_id", paymentID), zap.String("code", labels["code"]), zap.Error(err))
		return Result{}, err
	}
	v.metrics.IncCounter(metrics.PaymentsAccepted, labels)
	return res, nil
}

func (v *Verifier) submit(ctx context.Context, paymentID string, p protocol.Payment) (Result, string, error) {
	release, err := v.locker.Lock(ctx, paymentID)
	if err != nil {
		return Result{}, "", protocol.Wrap(protocol.CodeStorageUnavailable, err, "lock invoice")
	}
	defer release()

	rec, err := v.store.Get(ctx, paymentID)
	if errors.Is(err, invoice.ErrNotFound) {
		return Result{}, "", protocol.Errorf(protocol.CodeInvoiceNotFound, "invoice %s not found", paymentID)
	}
	if err != nil {
		return Result{}, "", protocol.Wrap(protocol.CodeStorageUnavailable, err, "load invoice")
	}
	network := rec.Network
	if rec.Status != invoice.StatusPending {
		return Result{}, network, protocol.Errorf(protocol.CodeInvoiceNotPending, "invoice %s is %s", paymentID, rec.Status)
	}

	if rec.Expired(v.now()) {
		return Result{}, network, v.reject(ctx, rec, invoice.StatusExpired,
			protocol.Errorf(protocol.CodeInvoiceExpired, "invoice %s expired at %s", paymentID, rec.ExpiresAt.Format(time.RFC3339)))
	}

	merchantData := rec.Details.MerchantData
	if rec.Token != "" {
		data, err := v.tokens.Resolve(ctx, rec.Token)
		if errors.Is(err, protocol.ErrUnknownToken) {
			return Result{}, network, v.reject(ctx, rec, invoice.StatusFailed, err)
		}
		if err != nil {
			return Result{}, network, err
		}
		merchantData = data
	}
	if !bytes.Equal(p.MerchantData, rec.Details.MerchantData) {
		return Result{}, network, v.reject(ctx, rec, invoice.StatusFailed,
			protocol.Errorf(protocol.CodeMerchantDataMismatch, "merchant data does not match invoice %s", paymentID))
	}

	if len(p.Transactions) == 0 {
		return Result{}, network, v.reject(ctx, rec, invoice.StatusFailed,
			protocol.Errorf(protocol.CodeUnderpaidOrMismatchedOutputs, "payment carries no transaction"))
	}
	txs := make([]*wire.MsgTx, 0, len(p.Transactions))
	for i, raw := range p.Transactions {
		tx, err := chain.DecodeTx(raw)
		if err != nil {
			return Result{}, network, protocol.Wrap(protocol.CodeMalformedMessage, err, fmt.Sprintf("transaction %d", i))
		}
		txs = append(txs, tx)
	}
	if err := CheckOutputs(rec.Details.Outputs, txs); err != nil {
		return Result{}, network, v.reject(ctx, rec, invoice.StatusFailed, err)
	}

	txids, err := v.broadcast(ctx, p.Transactions)
	if err != nil {
		if len(txids) > 0 {
			v.log.Warn("payment partly relayed",
				zap.String("payment_id", paymentID), zap.Strings("txids", txids),
				zap.Int("transactions", len(p.Transactions)), zap.Error(err))
		}
		if protocol.CodeOf(err) == protocol.CodeBroadcastTimeout {
			return Result{}, network, err
		}
		return Result{}, network, v.reject(ctx, rec, invoice.StatusFailed, err, txids...)
	}

	ack := protocol.PaymentACK{Payment: p, Memo: rec.AckMemo}
	now := v.now().UTC()
	paid, err := v.store.Transition(ctx, paymentID, invoice.StatusPending, invoice.StatusPaid, invoice.Change{
		At:       now,
		TxIDs:    txids,
		RefundTo: p.RefundTo,
		ACK:      ack.Marshal(),
	})
	if errors.Is(err, invoice.ErrConflict) {
		return Result{}, network, protocol.Errorf(protocol.CodeInvoiceNotPending, "invoice %s is %s", paymentID, paid.Status)
	}
	if err != nil {
		v.log.Error("payment broadcast but invoice not marked paid",
			zap.String("payment_id", paymentID), zap.Strings("txids", txids), zap.Error(err))
		return Result{}, network, protocol.Wrap(protocol.CodeStorageUnavailable, err, "mark invoice paid")
	}
	rec = paid
	v.revoke(ctx, rec)

	v.log.Info("payment accepted", zap.String("payment_id", paymentID), zap.Strings("txids", txids))
	v.events.Emit(ctx, events.PaymentAccepted, eventOf(rec, ""))
	if rec.CallbackURL != "" {
		payload := protocol.CallbackPayload{PaymentID: paymentID, PaymentACK: ack}
		if err := v.callbacks.Enqueue(context.WithoutCancel(ctx), rec.CallbackURL, payload); err != nil {
			v.log.Warn("callback not handed off", zap.String("payment_id", paymentID), zap.Error(err))
		}
	}
	return Result{ACK: ack, Record: rec, MerchantData: merchantData}, network, nil
}

func (v *Verifier) broadcast(ctx context.Context, raws [][]byte) ([]string, error) {
	start := v.now()
	defer func() { v.metrics.ObserveLatency(metrics.OpBroadcast, v.now().Sub(start), nil) }()

	txids := make([]string, 0, len(raws))
	for _, raw := range raws {
		bctx, cancel := context.WithTimeout(ctx, v.timeout)
		txid, err := v.node.Broadcast(bctx, raw)
		cancel()
		if err != nil {
			switch {
			case protocol.CodeOf(err) != "":
				return txids, err
			case errors.Is(err, context.DeadlineExceeded):
				return txids, protocol.Wrap(protocol.CodeBroadcastTimeout, err, "broadcast")
			default:
				return txids, protocol.Wrap(protocol.CodeBroadcastRejected, err, "broadcast")
			}
		}
		txids = append(txids, txid)
	}
	return txids, nil
}

// reject records a terminal failure and returns cause. relayed lists
// transactions the node already accepted. A storage failure while recording
// it takes precedence so the caller can retry.
func (v *Verifier) reject(ctx context.Context, rec invoice.Record, to invoice.Status, cause error, relayed ...string) error {
	reason := cause.Error()
	if len(relayed) > 0 {
		reason = fmt.Sprintf("%s (already relayed: %s)", reason, strings.Join(relayed, ", "))
	}
	_, err := v.store.Transition(ctx, rec.PaymentID, invoice.StatusPending, to, invoice.Change{
		At:            v.now().UTC(),
		TxIDs:         relayed,
		FailureReason: reason,
	})
	if err != nil && !errors.Is(err, invoice.ErrConflict) {
		return protocol.Wrap(protocol.CodeStorageUnavailable, err, "record "+string(to)+" invoice")
	}
	rec.Status = to
	if len(relayed) > 0 {
		rec.TxIDs = relayed
	}
	v.revoke(ctx, rec)

	eventType := events.PaymentRejected
	if to == invoice.StatusExpired {
		eventType = events.InvoiceExpired
	}
	v.events.Emit(ctx, eventType, eventOf(rec, cause.Error()))
	return cause
}

func (v *Verifier) revoke(ctx context.Context, rec invoice.Record) {
	if err := v.tokens.Revoke(ctx, rec.Token); err != nil {
		v.log.Warn("failed to revoke token", zap.String("payment_id", rec.PaymentID), zap.Error(err))
	}
}

// CheckOutputs requires every output of the invoice to be paid in full by
// txs. Outputs sharing a script are summed; outputs to other scripts (change)
// are ignored.
func CheckOutputs(required []protocol.Output, txs []*wire.MsgTx) error {
	want := make(map[string]uint64, len(required))
	for _, o := range required {
		want[string(o.Script)] += o.Amount
	}
	paid := make(map[string]uint64, len(want))
	seen := make(map[string]bool, len(want))
	for _, tx := range txs {
		for _, out := range tx.TxOut {
			key := string(out.PkScript)
			if _, ok := want[key]; !ok || out.Value < 0 {
				continue
			}
			paid[key] += uint64(out.Value)
			seen[key] = true
		}
	}
	for script, amount := range want {
		if !seen[script] {
			return protocol.Errorf(protocol.CodeUnderpaidOrMismatchedOutputs, "no output pays script %s", hex.EncodeToString([]byte(script)))
		}
		if paid[script] < amount {
			return protocol.Errorf(protocol.CodeUnderpaidOrMismatchedOutputs, "script %s paid %d of %d", hex.EncodeToString([]byte(script)), paid[script], amount)
		}
	}
	return nil
}

func eventOf(rec invoice.Record, reason string) events.Invoice {
	return events.Invoice{
		PaymentID:   rec.PaymentID,
		Network:     rec.Network,
		Amount:      events.CoinAmount(rec.Amount),
		AmountUnits: rec.Amount,
		Status:      string(rec.Status),
		ExpiresAt:   rec.ExpiresAt,
		TxIDs:       rec.TxIDs,
		Reason:      reason,
	}
}
