package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/ack"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain/chaintest"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/payment"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

type nopQueue struct{}

func (nopQueue) Enqueue(context.Context, string, protocol.CallbackPayload) error { return nil }

type server struct {
	private http.Handler
	public  http.Handler
	store   *invoice.MemoryStore
	node    *chaintest.FakeNode
	creds   *ack.Issuer
}

func newServer(t *testing.T, secret string) *server {
	t.Helper()
	log := zap.NewNop()
	store := invoice.NewMemoryStore()
	node := chaintest.NewFakeNode()
	v := vault.New(vault.NewMemoryStore(), log)
	emitter := events.NewEmitter(nil, log)
	issuer := invoice.NewIssuer(invoice.Config{
		Network:    chain.Regnet,
		PaymentURL: "http://127.0.0.1:8081/payments/",
		ClockSkew:  time.Minute,
	}, store, v, node, emitter, metrics.NoopRecorder{}, log)
	verifier := payment.NewVerifier(payment.Options{BroadcastTimeout: 100 * time.Millisecond},
		store, invoice.NewKeyedMutex(), v, node, nopQueue{}, emitter, metrics.NoopRecorder{}, log)
	creds := ack.NewIssuer(ack.Config{Secret: []byte(secret), ReceiptBase: "http://127.0.0.1:8081/payments/"})

	routes := PaymentRoutes{Verifier: verifier, Credentials: creds, Records: store, Metrics: metrics.NoopRecorder{}, Log: log}
	return &server{
		private: NewPrivateHandler(issuer, http.NotFoundHandler(), nil, log),
		public:  NewPublicHandler(routes, []string{"*"}, nil),
		store:   store,
		node:    node,
		creds:   creds,
	}
}

func (s *server) createInvoice(t *testing.T, req protocol.InvoiceRequest) protocol.InvoiceResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	s.private.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoice", bytes.NewReader(req.Marshal())))
	require.Equal(t, http.StatusPaymentRequired, rec.Code, rec.Body.String())
	assert.Equal(t, protocol.ContentTypePaymentRequest, rec.Header().Get("Content-Type"))
	assert.Equal(t, "binary", rec.Header().Get("Content-Transfer-Encoding"))
	resp, err := protocol.DecodeInvoiceResponse(rec.Body.Bytes())
	require.NoError(t, err)
	return resp
}

func invoiceRequest(merchantData string) protocol.InvoiceRequest {
	now := uint64(time.Now().Unix())
	return protocol.InvoiceRequest{
		Network:      chain.Regnet,
		Amount:       500000,
		Time:         now,
		Expires:      now + 600,
		MerchantData: []byte(merchantData),
		AckMemo:      "thanks for paying",
		Tokenize:     true,
	}
}

func paymentFor(t *testing.T, resp protocol.InvoiceResponse) protocol.Payment {
	t.Helper()
	details, err := resp.PaymentRequest.Details()
	require.NoError(t, err)
	return protocol.Payment{
		MerchantData: details.MerchantData,
		Transactions: [][]byte{chaintest.BuildTx(details.Outputs...)},
	}
}

func submit(h http.Handler, id string, p protocol.Payment, contentType, accept string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/payments/"+id, bytes.NewReader(p.Marshal()))
	req.Header.Set("Content-Type", contentType)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInvoiceThenPaymentRedirectsToMerchant(t *testing.T) {
	s := newServer(t, "secret")
	resp := s.createInvoice(t, invoiceRequest("https://merchant.example/order/42"))

	details, err := resp.PaymentRequest.Details()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8081/payments/"+resp.PaymentID, details.PaymentURL)
	assert.NotEqual(t, []byte("https://merchant.example/order/42"), details.MerchantData)

	rec := submit(s.public, resp.PaymentID, paymentFor(t, resp), protocol.ContentTypePayment, protocol.ContentTypePaymentACK)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))
	assert.Equal(t, protocol.ContentTypePaymentACK, rec.Header().Get("Content-Type"))

	auth := rec.Header().Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "Bearer "))
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "merchant.example", loc.Host)
	assert.Equal(t, "/order/42", loc.Path)
	assert.Equal(t, strings.TrimPrefix(auth, "Bearer "), loc.Query().Get("code"))

	claims, err := s.creds.Verify(strings.TrimPrefix(auth, "Bearer "), "https://merchant.example/order/42")
	require.NoError(t, err)
	assert.Equal(t, resp.PaymentID, claims.PaymentID)

	// The credential belongs to the merchant page, not the server receipt.
	receipt := httptest.NewRequest(http.MethodGet, "/payments/"+resp.PaymentID+"/receipt", nil)
	receipt.Header.Set("Authorization", auth)
	w := httptest.NewRecorder()
	s.public.ServeHTTP(w, receipt)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ackMsg, err := protocol.DecodePaymentACK(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "thanks for paying", ackMsg.Memo)
	assert.Len(t, s.node.Broadcasts(), 1)

	// Replays of a settled invoice conflict.
	again := submit(s.public, resp.PaymentID, paymentFor(t, resp), protocol.ContentTypePayment, "")
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, string(protocol.CodeInvoiceNotPending), again.Header().Get(ErrorCodeHeader))
}

func TestReceiptWithCredential(t *testing.T) {
	s := newServer(t, "secret")
	resp := s.createInvoice(t, invoiceRequest("order 42"))
	rec := submit(s.public, resp.PaymentID, paymentFor(t, resp), protocol.ContentTypePayment, "*/*")
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/payments/"+resp.PaymentID+"/receipt", loc.Path)

	get := func(path, auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		w := httptest.NewRecorder()
		s.public.ServeHTTP(w, req)
		return w
	}

	ok := get(loc.RequestURI(), "")
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, rec.Body.Bytes(), ok.Body.Bytes())

	withHeader := get("/payments/"+resp.PaymentID+"/receipt", rec.Header().Get("Authorization"))
	assert.Equal(t, http.StatusOK, withHeader.Code)

	assert.Equal(t, http.StatusUnauthorized, get("/payments/"+resp.PaymentID+"/receipt", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get("/payments/"+resp.PaymentID+"/receipt", "Bearer garbage").Code)

	other := s.createInvoice(t, invoiceRequest("order 43"))
	assert.Equal(t, http.StatusForbidden, get("/payments/"+other.PaymentID+"/receipt", rec.Header().Get("Authorization")).Code)

	// A credential for an unpaid invoice finds nothing to show.
	cred, err := s.creds.Issue(other.PaymentID, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, get("/payments/"+other.PaymentID+"/receipt", "Bearer "+cred.Token).Code)
}

func TestPaymentWithoutCredentialAnswersOK(t *testing.T) {
	s := newServer(t, "")
	resp := s.createInvoice(t, invoiceRequest("order 42"))
	rec := submit(s.public, resp.PaymentID, paymentFor(t, resp), protocol.ContentTypePayment, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
	assert.Empty(t, rec.Header().Get("Authorization"))
	_, err := protocol.DecodePaymentACK(rec.Body.Bytes())
	assert.NoError(t, err)

	rec2, err := s.store.Get(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, rec2.Status)
}

func TestPaymentHeaderChecks(t *testing.T) {
	s := newServer(t, "secret")
	resp := s.createInvoice(t, invoiceRequest("order 42"))
	p := paymentFor(t, resp)

	assert.Equal(t, http.StatusUnsupportedMediaType, submit(s.public, resp.PaymentID, p, "application/octet-stream", "").Code)
	assert.Equal(t, http.StatusNotAcceptable, submit(s.public, resp.PaymentID, p, protocol.ContentTypePayment, "application/json").Code)

	rec, err := s.store.Get(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPending, rec.Status)
	assert.Empty(t, s.node.Broadcasts())
}

func TestErrorStatuses(t *testing.T) {
	s := newServer(t, "secret")

	rec := submit(s.public, "unknown", protocol.Payment{Transactions: [][]byte{{0x01}}}, protocol.ContentTypePayment, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := s.createInvoice(t, invoiceRequest("order 42"))
	underpaid := paymentFor(t, resp)
	details, err := resp.PaymentRequest.Details()
	require.NoError(t, err)
	underpaid.Transactions = [][]byte{chaintest.BuildTx(protocol.Output{Amount: 1, Script: details.Outputs[0].Script})}
	rec = submit(s.public, resp.PaymentID, underpaid, protocol.ContentTypePayment, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(protocol.CodeUnderpaidOrMismatchedOutputs), rec.Header().Get(ErrorCodeHeader))

	malformed := httptest.NewRequest(http.MethodPost, "/payments/x", strings.NewReader("\xff\xff"))
	malformed.Header.Set("Content-Type", protocol.ContentTypePayment)
	w := httptest.NewRecorder()
	s.public.ServeHTTP(w, malformed)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(protocol.CodeMalformedMessage), w.Header().Get(ErrorCodeHeader))

	s.node.Hang = true
	timeout := s.createInvoice(t, invoiceRequest("order 44"))
	rec = submit(s.public, timeout.PaymentID, paymentFor(t, timeout), protocol.ContentTypePayment, "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestInvoiceValidationErrors(t *testing.T) {
	s := newServer(t, "secret")
	req := invoiceRequest("x")
	req.Amount = 0
	rec := httptest.NewRecorder()
	s.private.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoice", bytes.NewReader(req.Marshal())))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(protocol.CodeInvalidAmount), rec.Header().Get(ErrorCodeHeader))

	rec = httptest.NewRecorder()
	s.private.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoice", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{protocol.ErrInvalidExpiry, http.StatusBadRequest},
		{protocol.ErrUnsupportedNetwork, http.StatusBadRequest},
		{protocol.ErrInvoiceExpired, http.StatusGone},
		{protocol.ErrBroadcastRejected, http.StatusBadRequest},
		{protocol.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{protocol.ErrMerchantDataMismatch, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", errAccept), http.StatusNotAcceptable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusOf(tt.err), tt.err.Error())
	}
}

func TestAccepts(t *testing.T) {
	ct := protocol.ContentTypePaymentACK
	assert.True(t, accepts("", ct))
	assert.True(t, accepts(ct, ct))
	assert.True(t, accepts("text/html, application/*;q=0.8", ct))
	assert.True(t, accepts("*/*", ct))
	assert.False(t, accepts("application/json", ct))
	assert.False(t, accepts(ct+";q=0", ct))
}

func TestHealthz(t *testing.T) {
	log := zap.NewNop()
	h := NewPrivateHandler(nil, nil, Health{
		"database": func(context.Context) error { return errors.New("down") },
	}, log)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `"database":"down"`)

	rec = httptest.NewRecorder()
	NewPrivateHandler(nil, nil, nil, log).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, "secret")
	req := httptest.NewRequest(http.MethodOptions, "/payments/abc", nil)
	req.Header.Set("Origin", "https://wallet.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.public.ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
