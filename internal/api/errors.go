package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// ErrorCodeHeader carries the protocol error code of a failed request.
const ErrorCodeHeader = "X-Bip70-Error"

var (
	errContentType = errors.New("invalid content-type")
	errAccept      = errors.New("not acceptable")
	errBody        = errors.New("failed to receive payload")
)

// StatusOf maps an error onto the HTTP status reported to the caller.
func StatusOf(err error) int {
	switch {
	case errors.Is(err, errContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, errAccept):
		return http.StatusNotAcceptable
	case errors.Is(err, errBody):
		return http.StatusBadRequest
	}
	switch protocol.CodeOf(err) {
	case protocol.CodeMalformedMessage,
		protocol.CodeInvalidAmount,
		protocol.CodeInvalidExpiry,
		protocol.CodeUnsupportedNetwork,
		protocol.CodeInvalidCallbackURL,
		protocol.CodeMerchantDataMismatch,
		protocol.CodeUnderpaidOrMismatchedOutputs,
		protocol.CodeUnknownToken,
		protocol.CodeBroadcastRejected:
		return http.StatusBadRequest
	case protocol.CodeInvoiceNotFound:
		return http.StatusNotFound
	case protocol.CodeInvoiceNotPending:
		return http.StatusConflict
	case protocol.CodeInvoiceExpired:
		return http.StatusGone
	case protocol.CodeBroadcastTimeout:
		return http.StatusGatewayTimeout
	case protocol.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError answers with the error text. Errors without a protocol code
// are logged and hidden behind the status text.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := StatusOf(err)
	msg := err.Error()
	if code := protocol.CodeOf(err); code != "" {
		w.Header().Set(ErrorCodeHeader, string(code))
	} else if status == http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
		msg = http.StatusText(status)
	}
	http.Error(w, msg, status)
}
