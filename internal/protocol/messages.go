package protocol

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// SchemaVersion tags the field layout implemented by this package. It is the
// value written into PaymentRequest.PaymentDetailsVersion.
const SchemaVersion uint32 = 1

// Media types of the binary messages exchanged with wallets.
const (
	ContentTypePaymentRequest = "application/bitcoincash-paymentrequest"
	ContentTypePayment        = "application/bitcoincash-payment"
	ContentTypePaymentACK     = "application/bitcoincash-paymentack"
	ContentTypeInvoiceRequest = "application/bitcoincash-invoicerequest"
	ContentTypeCallback       = "application/bitcoincash-callback"
)

// PKITypeNone marks an unsigned PaymentRequest.
const PKITypeNone = "none"

// Kind selects the schema used by Decode.
type Kind int

const (
	KindInvoiceRequest Kind = iota + 1
	KindInvoiceResponse
	KindPaymentRequest
	KindPaymentDetails
	KindPayment
	KindPaymentACK
	KindCallbackPayload
)

func (k Kind) String() string {
	switch k {
	case KindInvoiceRequest:
		return "InvoiceRequest"
	case KindInvoiceResponse:
		return "InvoiceResponse"
	case KindPaymentRequest:
		return "PaymentRequest"
	case KindPaymentDetails:
		return "PaymentDetails"
	case KindPayment:
		return "Payment"
	case KindPaymentACK:
		return "PaymentACK"
	case KindCallbackPayload:
		return "CallbackPayload"
	}
	return "Unknown"
}

// Message is implemented by every wire message value.
type Message interface {
	Kind() Kind
	Marshal() []byte
}

// Output is a required payment output: an amount paid to a locking script.
type Output struct {
	Amount uint64
	Script []byte

	unknown []byte
}

func (m Output) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, m.Amount)
	b = appendBytesAlways(b, 2, m.Script)
	return append(b, m.unknown...)
}

func (m *Output) Unmarshal(b []byte) error {
	const name = "Output"
	*m = Output{}
	var hasScript bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.Amount, n, err = consumeVarint(name, num, typ, v)
		case 2:
			m.Script, n, err = consumeBytes(name, num, typ, v)
			hasScript = true
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasScript {
		return missing(name, "script")
	}
	m.unknown = unknown
	return nil
}

// PaymentDetails lists what a valid payment must satisfy.
type PaymentDetails struct {
	Network      string
	Outputs      []Output
	Time         uint64
	Expires      uint64
	Memo         string
	PaymentURL   string
	MerchantData []byte

	unknown []byte
}

func (m PaymentDetails) Kind() Kind { return KindPaymentDetails }

func (m PaymentDetails) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Network)
	for _, o := range m.Outputs {
		b = appendBytesAlways(b, 2, o.Marshal())
	}
	b = appendVarintAlways(b, 3, m.Time)
	b = appendVarint(b, 4, m.Expires)
	b = appendString(b, 5, m.Memo)
	b = appendString(b, 6, m.PaymentURL)
	b = appendBytes(b, 7, m.MerchantData)
	return append(b, m.unknown...)
}

func (m *PaymentDetails) Unmarshal(b []byte) error {
	const name = "PaymentDetails"
	*m = PaymentDetails{}
	var hasTime bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.Network, n, err = consumeString(name, num, typ, v)
		case 2:
			var raw []byte
			if raw, n, err = consumeBytes(name, num, typ, v); err != nil {
				return 0, err
			}
			var o Output
			if err = o.Unmarshal(raw); err != nil {
				return 0, err
			}
			m.Outputs = append(m.Outputs, o)
		case 3:
			m.Time, n, err = consumeVarint(name, num, typ, v)
			hasTime = true
		case 4:
			m.Expires, n, err = consumeVarint(name, num, typ, v)
		case 5:
			m.Memo, n, err = consumeString(name, num, typ, v)
		case 6:
			m.PaymentURL, n, err = consumeString(name, num, typ, v)
		case 7:
			m.MerchantData, n, err = consumeBytes(name, num, typ, v)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasTime {
		return missing(name, "time")
	}
	m.unknown = unknown
	return nil
}

// TotalAmount sums the output amounts.
func (m PaymentDetails) TotalAmount() uint64 {
	var total uint64
	for _, o := range m.Outputs {
		total += o.Amount
	}
	return total
}

// PaymentRequest wraps the serialized PaymentDetails with signature metadata.
// The serialized bytes are kept as issued so a signature, if any, stays valid.
type PaymentRequest struct {
	PaymentDetailsVersion    uint32
	PKIType                  string
	PKIData                  []byte
	SerializedPaymentDetails []byte
	Signature                []byte

	unknown []byte
}

func (m PaymentRequest) Kind() Kind { return KindPaymentRequest }

func (m PaymentRequest) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.PaymentDetailsVersion))
	b = appendString(b, 2, m.PKIType)
	b = appendBytes(b, 3, m.PKIData)
	b = appendBytesAlways(b, 4, m.SerializedPaymentDetails)
	b = appendBytes(b, 5, m.Signature)
	return append(b, m.unknown...)
}

func (m *PaymentRequest) Unmarshal(b []byte) error {
	const name = "PaymentRequest"
	*m = PaymentRequest{}
	var hasDetails bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.PaymentDetailsVersion, n, err = consumeUint32(name, num, typ, v)
		case 2:
			m.PKIType, n, err = consumeString(name, num, typ, v)
		case 3:
			m.PKIData, n, err = consumeBytes(name, num, typ, v)
		case 4:
			m.SerializedPaymentDetails, n, err = consumeBytes(name, num, typ, v)
			hasDetails = true
		case 5:
			m.Signature, n, err = consumeBytes(name, num, typ, v)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasDetails {
		return missing(name, "serialized_payment_details")
	}
	m.unknown = unknown
	return nil
}

// Details decodes the embedded PaymentDetails.
func (m PaymentRequest) Details() (PaymentDetails, error) {
	var d PaymentDetails
	err := d.Unmarshal(m.SerializedPaymentDetails)
	return d, err
}

// Version returns the details version, applying the schema default of 1
// when the field was not set.
func (m PaymentRequest) Version() uint32 {
	if m.PaymentDetailsVersion == 0 {
		return SchemaVersion
	}
	return m.PaymentDetailsVersion
}

// Payment is what the wallet submits: signed transactions plus the echoed
// merchant data.
type Payment struct {
	MerchantData []byte
	Transactions [][]byte
	RefundTo     []Output
	Memo         string

	unknown []byte
}

func (m Payment) Kind() Kind { return KindPayment }

func (m Payment) Marshal() []byte {
	var b []byte
	b = appendBytes(b, 1, m.MerchantData)
	for _, tx := range m.Transactions {
		b = appendBytesAlways(b, 2, tx)
	}
	for _, o := range m.RefundTo {
		b = appendBytesAlways(b, 3, o.Marshal())
	}
	b = appendString(b, 4, m.Memo)
	return append(b, m.unknown...)
}

func (m *Payment) Unmarshal(b []byte) error {
	const name = "Payment"
	*m = Payment{}
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.MerchantData, n, err = consumeBytes(name, num, typ, v)
		case 2:
			var tx []byte
			tx, n, err = consumeBytes(name, num, typ, v)
			m.Transactions = append(m.Transactions, tx)
		case 3:
			var raw []byte
			if raw, n, err = consumeBytes(name, num, typ, v); err != nil {
				return 0, err
			}
			var o Output
			if err = o.Unmarshal(raw); err != nil {
				return 0, err
			}
			m.RefundTo = append(m.RefundTo, o)
		case 4:
			m.Memo, n, err = consumeString(name, num, typ, v)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	m.unknown = unknown
	return nil
}

// PaymentACK acknowledges an accepted Payment.
type PaymentACK struct {
	Payment Payment
	Memo    string

	unknown []byte
}

func (m PaymentACK) Kind() Kind { return KindPaymentACK }

func (m PaymentACK) Marshal() []byte {
	var b []byte
	b = appendBytesAlways(b, 1, m.Payment.Marshal())
	b = appendString(b, 2, m.Memo)
	return append(b, m.unknown...)
}

func (m *PaymentACK) Unmarshal(b []byte) error {
	const name = "PaymentACK"
	*m = PaymentACK{}
	var hasPayment bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			var raw []byte
			if raw, n, err = consumeBytes(name, num, typ, v); err != nil {
				return 0, err
			}
			hasPayment = true
			return n, m.Payment.Unmarshal(raw)
		case 2:
			m.Memo, n, err = consumeString(name, num, typ, v)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasPayment {
		return missing(name, "payment")
	}
	m.unknown = unknown
	return nil
}

// InvoiceRequest is sent by the merchant backend to open an invoice.
type InvoiceRequest struct {
	Network      string
	Amount       uint64
	Time         uint64
	Expires      uint64
	ReqMemo      string
	MerchantData []byte
	AckMemo      string
	Tokenize     bool
	TxData       []byte
	CallbackURL  string

	unknown []byte
}

func (m InvoiceRequest) Kind() Kind { return KindInvoiceRequest }

func (m InvoiceRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Network)
	b = appendVarint(b, 2, m.Amount)
	b = appendVarint(b, 3, m.Time)
	b = appendVarint(b, 4, m.Expires)
	b = appendString(b, 5, m.ReqMemo)
	b = appendBytes(b, 6, m.MerchantData)
	b = appendString(b, 7, m.AckMemo)
	b = appendBool(b, 8, m.Tokenize)
	b = appendBytes(b, 9, m.TxData)
	b = appendString(b, 10, m.CallbackURL)
	return append(b, m.unknown...)
}

func (m *InvoiceRequest) Unmarshal(b []byte) error {
	const name = "InvoiceRequest"
	*m = InvoiceRequest{}
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.Network, n, err = consumeString(name, num, typ, v)
		case 2:
			m.Amount, n, err = consumeVarint(name, num, typ, v)
		case 3:
			m.Time, n, err = consumeVarint(name, num, typ, v)
		case 4:
			m.Expires, n, err = consumeVarint(name, num, typ, v)
		case 5:
			m.ReqMemo, n, err = consumeString(name, num, typ, v)
		case 6:
			m.MerchantData, n, err = consumeBytes(name, num, typ, v)
		case 7:
			m.AckMemo, n, err = consumeString(name, num, typ, v)
		case 8:
			var x uint64
			x, n, err = consumeVarint(name, num, typ, v)
			m.Tokenize = protowire.DecodeBool(x)
		case 9:
			m.TxData, n, err = consumeBytes(name, num, typ, v)
		case 10:
			m.CallbackURL, n, err = consumeString(name, num, typ, v)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	m.unknown = unknown
	return nil
}

// InvoiceResponse answers an InvoiceRequest.
type InvoiceResponse struct {
	PaymentID      string
	PaymentRequest PaymentRequest

	unknown []byte
}

func (m InvoiceResponse) Kind() Kind { return KindInvoiceResponse }

func (m InvoiceResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PaymentID)
	b = appendBytesAlways(b, 2, m.PaymentRequest.Marshal())
	return append(b, m.unknown...)
}

func (m *InvoiceResponse) Unmarshal(b []byte) error {
	const name = "InvoiceResponse"
	*m = InvoiceResponse{}
	var hasRequest bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.PaymentID, n, err = consumeString(name, num, typ, v)
		case 2:
			var raw []byte
			if raw, n, err = consumeBytes(name, num, typ, v); err != nil {
				return 0, err
			}
			hasRequest = true
			return n, m.PaymentRequest.Unmarshal(raw)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasRequest {
		return missing(name, "payment_request")
	}
	m.unknown = unknown
	return nil
}

// CallbackPayload is posted to the merchant once a payment is accepted.
type CallbackPayload struct {
	PaymentID  string
	PaymentACK PaymentACK

	unknown []byte
}

func (m CallbackPayload) Kind() Kind { return KindCallbackPayload }

func (m CallbackPayload) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.PaymentID)
	b = appendBytesAlways(b, 2, m.PaymentACK.Marshal())
	return append(b, m.unknown...)
}

func (m *CallbackPayload) Unmarshal(b []byte) error {
	const name = "CallbackPayload"
	*m = CallbackPayload{}
	var hasACK bool
	unknown, err := walk(name, b, func(num protowire.Number, typ protowire.Type, v []byte) (n int, err error) {
		switch num {
		case 1:
			m.PaymentID, n, err = consumeString(name, num, typ, v)
		case 2:
			var raw []byte
			if raw, n, err = consumeBytes(name, num, typ, v); err != nil {
				return 0, err
			}
			hasACK = true
			return n, m.PaymentACK.Unmarshal(raw)
		default:
			return unknownField, nil
		}
		return n, err
	})
	if err != nil {
		return err
	}
	if !hasACK {
		return missing(name, "payment_ack")
	}
	m.unknown = unknown
	return nil
}
