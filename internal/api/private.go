package api

import (
	"context"
	"io"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

const maxInvoiceRequestBytes = 64 << 10

type InvoiceCreator interface {
	Create(ctx context.Context, req protocol.InvoiceRequest) (protocol.InvoiceResponse, error)
}

// RegisterInvoiceRoutes wires the merchant facing invoice endpoint.
//
//	POST /invoice  body: InvoiceRequest  ->  402, body: InvoiceResponse
func RegisterInvoiceRoutes(mux *http.ServeMux, issuer InvoiceCreator, log *zap.Logger) {
	mux.Handle("POST /invoice", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCreateInvoice(issuer, log, w, r)
	}), "invoice-create"))
}

func handleCreateInvoice(issuer InvoiceCreator, log *zap.Logger, w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxInvoiceRequestBytes))
	if err != nil {
		writeError(w, log, errBody)
		return
	}
	req, err := protocol.DecodeInvoiceRequest(body)
	if err != nil {
		writeError(w, log, err)
		return
	}
	resp, err := issuer.Create(r.Context(), req)
	if err != nil {
		writeError(w, log, err)
		return
	}

	w.Header().Set("Content-Type", protocol.ContentTypePaymentRequest)
	w.Header().Set("Content-Transfer-Encoding", "binary")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(resp.Marshal())
}

// NewPrivateHandler assembles the merchant facing listener: invoice
// creation, metrics and health.
func NewPrivateHandler(issuer InvoiceCreator, metrics http.Handler, health Health, log *zap.Logger) http.Handler {
	log = log.Named("private")
	mux := http.NewServeMux()
	RegisterInvoiceRoutes(mux, issuer, log)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	RegisterHealthRoutes(mux, health)
	return standardChain(log).Then(mux)
}
