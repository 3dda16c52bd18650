package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/ack"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/payment"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

const maxPaymentBytes = 4 << 20

type PaymentSubmitter interface {
	Submit(ctx context.Context, paymentID string, p protocol.Payment) (payment.Result, error)
}

type Credentials interface {
	Issue(paymentID string, merchantData []byte) (ack.Credential, error)
	ReceiptURL(paymentID string) (string, error)
	Verify(token, audience string) (ack.Claims, error)
}

type RecordReader interface {
	Get(ctx context.Context, paymentID string) (invoice.Record, error)
}

// PaymentRoutes serves the payer facing endpoints.
type PaymentRoutes struct {
	Verifier    PaymentSubmitter
	Credentials Credentials
	Records     RecordReader
	Metrics     metrics.Recorder
	Log         *zap.Logger
}

// Register wires
//
//	POST /payments/{id}          body: Payment  ->  302 or 200, body: PaymentACK
//	GET  /payments/{id}/receipt  bearer credential  ->  200, body: PaymentACK
func (p PaymentRoutes) Register(mux *http.ServeMux) {
	mux.Handle("POST /payments/{id}", otelhttp.NewHandler(http.HandlerFunc(p.submit), "payment-submit"))
	mux.Handle("GET /payments/{id}/receipt", otelhttp.NewHandler(http.HandlerFunc(p.receipt), "payment-receipt"))
}

func (p PaymentRoutes) submit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !hasContentType(r, protocol.ContentTypePayment) {
		writeError(w, p.Log, errContentType)
		return
	}
	if !accepts(r.Header.Get("Accept"), protocol.ContentTypePaymentACK) {
		writeError(w, p.Log, errAccept)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPaymentBytes))
	if err != nil {
		writeError(w, p.Log, errBody)
		return
	}
	pay, err := protocol.DecodePayment(body)
	if err != nil {
		writeError(w, p.Log, err)
		return
	}

	res, err := p.Verifier.Submit(r.Context(), id, pay)
	if err != nil {
		writeError(w, p.Log, err)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypePaymentACK)
	w.Header().Set("Content-Transfer-Encoding", "binary")

	status := http.StatusOK
	cred, err := p.Credentials.Issue(id, res.MerchantData)
	if err != nil {
		// The payment stands; the payer just gets no redirect.
		p.Metrics.IncCounter(metrics.CredentialFailures, nil)
		p.Log.Warn("credential not issued",
			zap.String("payment_id", id),
			zap.String("code", string(protocol.CodeCredentialIssuanceFailed)),
			zap.Error(err))
	} else {
		w.Header().Set("Location", cred.Location)
		w.Header().Set("Authorization", "Bearer "+cred.Token)
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Cache-Control", "no-store")
		status = http.StatusFound
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.ACK.Marshal())
}

func (p PaymentRoutes) receipt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bip70"`)
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	audience, err := p.Credentials.ReceiptURL(id)
	if err != nil {
		writeError(w, p.Log, fmt.Errorf("receipt url: %w", err))
		return
	}
	claims, err := p.Credentials.Verify(token, audience)
	if errors.Is(err, ack.ErrOtherAudience) {
		http.Error(w, "credential is for another resource", http.StatusForbidden)
		return
	}
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="bip70", error="invalid_token"`)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}
	if claims.PaymentID != id {
		http.Error(w, "credential is for another payment", http.StatusForbidden)
		return
	}

	rec, err := p.Records.Get(r.Context(), id)
	if errors.Is(err, invoice.ErrNotFound) {
		writeError(w, p.Log, protocol.ErrInvoiceNotFound)
		return
	}
	if err != nil {
		writeError(w, p.Log, protocol.Wrap(protocol.CodeStorageUnavailable, err, "load invoice"))
		return
	}
	if rec.Status != invoice.StatusPaid || len(rec.ACK) == 0 {
		writeError(w, p.Log, protocol.Errorf(protocol.CodeInvoiceNotPending, "invoice is %s", rec.Status))
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypePaymentACK)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(rec.ACK)
}

// bearerToken reads the credential from the Authorization header, falling
// back to the code query parameter the redirect Location carries.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("code")
}

func hasContentType(r *http.Request, want string) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == want
}

// accepts reports whether an Accept header admits ct. An absent header
// accepts anything.
func accepts(header, ct string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	major, _, _ := strings.Cut(ct, "/")
	for _, part := range strings.Split(header, ",") {
		mt, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if params["q"] == "0" {
			continue
		}
		if mt == ct || mt == "*/*" || mt == major+"/*" {
			return true
		}
	}
	return false
}

// NewPublicHandler assembles the payer facing listener. Browser wallets
// call it cross origin, so CORS is allowed for the given origins.
func NewPublicHandler(routes PaymentRoutes, origins []string, health Health) http.Handler {
	log := routes.Log.Named("public")
	routes.Log = log
	mux := http.NewServeMux()
	routes.Register(mux)
	RegisterHealthRoutes(mux, health)

	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept", "Authorization"},
		ExposedHeaders: []string{"Location", "Authorization", ErrorCodeHeader},
	})
	return standardChain(log).Append(c.Handler).Then(mux)
}
