package protocol

import "fmt"

// Encode serializes m. It never fails: every value of a message type has a
// valid encoding.
func Encode(m Message) []byte {
	return m.Marshal()
}

// Decode parses b as a message of the given kind. The concrete value type is
// returned (InvoiceRequest, Payment, ...), never a pointer.
func Decode(b []byte, kind Kind) (Message, error) {
	switch kind {
	case KindInvoiceRequest:
		var m InvoiceRequest
		return decodeInto(&m, b, func() Message { return m })
	case KindInvoiceResponse:
		var m InvoiceResponse
		return decodeInto(&m, b, func() Message { return m })
	case KindPaymentRequest:
		var m PaymentRequest
		return decodeInto(&m, b, func() Message { return m })
	case KindPaymentDetails:
		var m PaymentDetails
		return decodeInto(&m, b, func() Message { return m })
	case KindPayment:
		var m Payment
		return decodeInto(&m, b, func() Message { return m })
	case KindPaymentACK:
		var m PaymentACK
		return decodeInto(&m, b, func() Message { return m })
	case KindCallbackPayload:
		var m CallbackPayload
		return decodeInto(&m, b, func() Message { return m })
	}
	return nil, Errorf(CodeMalformedMessage, "unknown message kind %d", int(kind))
}

type unmarshaler interface {
	Unmarshal([]byte) error
}

func decodeInto(u unmarshaler, b []byte, value func() Message) (Message, error) {
	if err := u.Unmarshal(b); err != nil {
		return nil, err
	}
	return value(), nil
}

// DecodeInvoiceRequest, DecodePayment and friends are typed shortcuts over
// the Unmarshal methods for callers that know the kind statically.

func DecodeInvoiceRequest(b []byte) (InvoiceRequest, error) {
	var m InvoiceRequest
	err := m.Unmarshal(b)
	return m, err
}

func DecodeInvoiceResponse(b []byte) (InvoiceResponse, error) {
	var m InvoiceResponse
	err := m.Unmarshal(b)
	return m, err
}

func DecodePaymentRequest(b []byte) (PaymentRequest, error) {
	var m PaymentRequest
	err := m.Unmarshal(b)
	return m, err
}

func DecodePayment(b []byte) (Payment, error) {
	var m Payment
	err := m.Unmarshal(b)
	return m, err
}

func DecodePaymentACK(b []byte) (PaymentACK, error) {
	var m PaymentACK
	err := m.Unmarshal(b)
	return m, err
}

func DecodeCallbackPayload(b []byte) (CallbackPayload, error) {
	var m CallbackPayload
	err := m.Unmarshal(b)
	return m, err
}

// ParseKind maps a message name (as printed by Kind.String, case sensitive)
// back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k := KindInvoiceRequest; k <= KindCallbackPayload; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown message kind %q", name)
}
