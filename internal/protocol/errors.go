package protocol

import (
	"errors"
	"fmt"
)

// Code tags every error the payment core reports to its callers.
type Code string

const (
	// Validation errors: rejected before any state mutation.
	CodeMalformedMessage   Code = "MALFORMED_MESSAGE"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeInvalidExpiry      Code = "INVALID_EXPIRY"
	CodeUnsupportedNetwork Code = "UNSUPPORTED_NETWORK"
	CodeInvalidCallbackURL Code = "INVALID_CALLBACK_URL"

	// State conflicts.
	CodeInvoiceNotFound   Code = "INVOICE_NOT_FOUND"
	CodeInvoiceNotPending Code = "INVOICE_NOT_PENDING"
	CodeInvoiceExpired    Code = "INVOICE_EXPIRED"

	// Verification errors: the invoice moves to Failed.
	CodeMerchantDataMismatch         Code = "MERCHANT_DATA_MISMATCH"
	CodeUnderpaidOrMismatchedOutputs Code = "UNDERPAID_OR_MISMATCHED_OUTPUTS"
	CodeUnknownToken                 Code = "UNKNOWN_TOKEN"

	// External dependencies.
	CodeBroadcastRejected  Code = "BROADCAST_REJECTED"
	CodeBroadcastTimeout   Code = "BROADCAST_TIMEOUT"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Best effort: logged and alerted, never returned from a payment.
	CodeCredentialIssuanceFailed Code = "CREDENTIAL_ISSUANCE_FAILED"
	CodeCallbackDeliveryFailed   Code = "CALLBACK_DELIVERY_FAILED"
)

// Error is a tagged protocol error. Two errors match under errors.Is when
// their codes are equal, so the package level sentinels below can be used as
// targets regardless of the message or wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrMalformedMessage             = &Error{Code: CodeMalformedMessage, Message: "malformed message"}
	ErrInvalidAmount                = &Error{Code: CodeInvalidAmount, Message: "invalid amount"}
	ErrInvalidExpiry                = &Error{Code: CodeInvalidExpiry, Message: "invalid expiry"}
	ErrUnsupportedNetwork           = &Error{Code: CodeUnsupportedNetwork, Message: "unsupported network"}
	ErrInvalidCallbackURL           = &Error{Code: CodeInvalidCallbackURL, Message: "invalid callback url"}
	ErrInvoiceNotFound              = &Error{Code: CodeInvoiceNotFound, Message: "invoice not found"}
	ErrInvoiceNotPending            = &Error{Code: CodeInvoiceNotPending, Message: "invoice not pending"}
	ErrInvoiceExpired               = &Error{Code: CodeInvoiceExpired, Message: "invoice expired"}
	ErrMerchantDataMismatch         = &Error{Code: CodeMerchantDataMismatch, Message: "merchant data mismatch"}
	ErrUnderpaidOrMismatchedOutputs = &Error{Code: CodeUnderpaidOrMismatchedOutputs, Message: "underpaid or mismatched outputs"}
	ErrUnknownToken                 = &Error{Code: CodeUnknownToken, Message: "unknown token"}
	ErrBroadcastRejected            = &Error{Code: CodeBroadcastRejected, Message: "broadcast rejected"}
	ErrBroadcastTimeout             = &Error{Code: CodeBroadcastTimeout, Message: "broadcast timeout"}
	ErrStorageUnavailable           = &Error{Code: CodeStorageUnavailable, Message: "storage unavailable"}
	ErrCredentialIssuanceFailed     = &Error{Code: CodeCredentialIssuanceFailed, Message: "credential issuance failed"}
	ErrCallbackDeliveryFailed       = &Error{Code: CodeCallbackDeliveryFailed, Message: "callback delivery failed"}
)

// Errorf builds a tagged error with a formatted message.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with code. A nil cause yields nil.
func Wrap(code Code, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: cause}
}

// CodeOf returns the code of the first tagged error in err's chain, or "".
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the same operation.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeBroadcastTimeout, CodeStorageUnavailable:
		return true
	}
	return false
}
