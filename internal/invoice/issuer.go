package invoice

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// Tokenizer is the part of the token vault the invoice lifecycle needs.
type Tokenizer interface {
	Issue(ctx context.Context, data []byte, expiresAt time.Time) (string, error)
	Revoke(ctx context.Context, token string) error
}

type Config struct {
	// Network every invoice is issued on. Requests naming another network
	// are rejected; an empty request network means this one.
	Network string
	// PaymentURL is the public submission endpoint; the payment id is
	// appended as the last path segment.
	PaymentURL string
	// ClockSkew bounds how far in the future a request's time may be.
	ClockSkew time.Duration
	// EmbedTxData adds an OP_RETURN output carrying InvoiceRequest.tx_data.
	EmbedTxData bool
}

type Issuer struct {
	cfg     Config
	store   Store
	tokens  Tokenizer
	payee   chain.AddressSource
	events  *events.Emitter
	metrics metrics.Recorder
	log     *zap.Logger
	tracer  trace.Tracer

	now   func() time.Time
	newID func() string
}

func NewIssuer(cfg Config, store Store, tokens Tokenizer, payee chain.AddressSource, emitter *events.Emitter, rec metrics.Recorder, log *zap.Logger) *Issuer {
	return &Issuer{
		cfg:     cfg,
		store:   store,
		tokens:  tokens,
		payee:   payee,
		events:  emitter,
		metrics: rec,
		log:     log.Named("issuer"),
		tracer:  otel.Tracer("bip70-server/invoice"),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Create validates req, persists a Pending invoice and returns the
// PaymentRequest the payer's wallet must satisfy.
func (i *Issuer) Create(ctx context.Context, req protocol.InvoiceRequest) (protocol.InvoiceResponse, error) {
	ctx, span := i.tracer.Start(ctx, "invoice.create")
	defer span.End()
	start := i.now()

	resp, err := i.create(ctx, req)
	labels := map[string]string{"network": i.cfg.Network}
	i.metrics.ObserveLatency(metrics.OpIssue, i.now().Sub(start), labels)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		labels["code"] = string(protocol.CodeOf(err))
		i.metrics.IncCounter(metrics.InvoicesRejected, labels)
		i.log.Info("invoice rejected", zap.String("code", labels["code"]), zap.Error(err))
		return protocol.InvoiceResponse{}, err
	}
	span.SetAttributes(attribute.String("payment_id", resp.PaymentID))
	i.metrics.IncCounter(metrics.InvoicesCreated, labels)
	return resp, nil
}

func (i *Issuer) create(ctx context.Context, req protocol.InvoiceRequest) (protocol.InvoiceResponse, error) {
	now := i.now()
	if err := i.validate(req, now); err != nil {
		return protocol.InvoiceResponse{}, err
	}
	expiresAt := time.Unix(int64(req.Expires), 0).UTC()

	script, err := i.payee.NewPayeeScript(ctx)
	if err != nil {
		return protocol.InvoiceResponse{}, fmt.Errorf("failed to derive payee script: %w", err)
	}
	outputs := []protocol.Output{{Amount: req.Amount, Script: script}}
	if i.cfg.EmbedTxData && len(req.TxData) > 0 {
		carrier, err := chain.DataCarrierScript(req.TxData)
		if err != nil {
			return protocol.InvoiceResponse{}, protocol.Wrap(protocol.CodeMalformedMessage, err, "tx_data does not fit a data carrier output")
		}
		outputs = append(outputs, protocol.Output{Script: carrier})
	}

	paymentID := i.newID()
	paymentURL, err := url.JoinPath(i.cfg.PaymentURL, paymentID)
	if err != nil {
		return protocol.InvoiceResponse{}, fmt.Errorf("failed to build payment url: %w", err)
	}

	merchantData := req.MerchantData
	var token string
	if req.Tokenize && len(req.MerchantData) > 0 {
		token, err = i.tokens.Issue(ctx, req.MerchantData, expiresAt)
		if err != nil {
			return protocol.InvoiceResponse{}, err
		}
		merchantData = []byte(token)
	}

	memo := req.ReqMemo
	if memo == "" {
		memo = req.AckMemo
	}
	details := protocol.PaymentDetails{
		Network:      i.cfg.Network,
		Outputs:      outputs,
		Time:         req.Time,
		Expires:      req.Expires,
		Memo:         memo,
		PaymentURL:   paymentURL,
		MerchantData: merchantData,
	}
	request := protocol.PaymentRequest{
		PaymentDetailsVersion:    protocol.SchemaVersion,
		PKIType:                  protocol.PKITypeNone,
		SerializedPaymentDetails: details.Marshal(),
	}

	rec := Record{
		PaymentID:   paymentID,
		Network:     i.cfg.Network,
		Amount:      req.Amount,
		Request:     request,
		Details:     details,
		Status:      StatusPending,
		Token:       token,
		AckMemo:     req.AckMemo,
		CallbackURL: req.CallbackURL,
		CreatedAt:   now.UTC(),
		ExpiresAt:   expiresAt,
		UpdatedAt:   now.UTC(),
	}
	if err := i.store.Create(ctx, rec); err != nil {
		if token != "" {
			if rerr := i.tokens.Revoke(ctx, token); rerr != nil {
				i.log.Warn("failed to revoke token of unsaved invoice", zap.String("payment_id", paymentID), zap.Error(rerr))
			}
		}
		return protocol.InvoiceResponse{}, protocol.Wrap(protocol.CodeStorageUnavailable, err, "save invoice")
	}

	i.log.Info("invoice created",
		zap.String("payment_id", paymentID),
		zap.Uint64("amount", req.Amount),
		zap.Time("expires_at", expiresAt),
		zap.Bool("tokenized", token != ""),
		zap.Bool("callback", req.CallbackURL != ""))
	i.events.Emit(ctx, events.InvoiceCreated, events.Invoice{
		PaymentID:   paymentID,
		Network:     i.cfg.Network,
		Amount:      events.CoinAmount(req.Amount),
		AmountUnits: req.Amount,
		Status:      string(StatusPending),
		ExpiresAt:   expiresAt,
	})

	return protocol.InvoiceResponse{PaymentID: paymentID, PaymentRequest: request}, nil
}

func (i *Issuer) validate(req protocol.InvoiceRequest, now time.Time) error {
	if req.Amount == 0 {
		return protocol.Errorf(protocol.CodeInvalidAmount, "amount must be positive")
	}
	if req.Expires <= req.Time {
		return protocol.Errorf(protocol.CodeInvalidExpiry, "expires %d is not after time %d", req.Expires, req.Time)
	}
	if latest := now.Add(i.cfg.ClockSkew).Unix(); latest < 0 || req.Time > uint64(latest) {
		return protocol.Errorf(protocol.CodeInvalidExpiry, "time %d is in the future", req.Time)
	}
	if req.Expires > math.MaxInt64 {
		return protocol.Errorf(protocol.CodeInvalidExpiry, "expires %d out of range", req.Expires)
	}
	if req.Network != "" && (!chain.Supported(req.Network) || req.Network != i.cfg.Network) {
		return protocol.Errorf(protocol.CodeUnsupportedNetwork, "network %q is not served here", req.Network)
	}
	if req.CallbackURL != "" {
		if err := ValidateCallbackURL(req.CallbackURL); err != nil {
			return err
		}
	}
	return nil
}

// ValidateCallbackURL accepts absolute http and https URLs.
func ValidateCallbackURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return protocol.Wrap(protocol.CodeInvalidCallbackURL, err, "invalid callback url")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return protocol.Errorf(protocol.CodeInvalidCallbackURL, "callback url %q must be an absolute http(s) url", raw)
	}
	return nil
}
