package protocol

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// unknownField is returned by a field visitor that does not recognise the
// field number; walk then keeps the raw field for re-encoding.
const unknownField = -1

type visitor func(num protowire.Number, typ protowire.Type, v []byte) (int, error)

// walk iterates the fields of one encoded message. Unknown fields are
// returned verbatim (tag included) so newer schema revisions survive a
// decode/encode cycle through this server.
func walk(msg string, b []byte, visit visitor) ([]byte, error) {
	var unknown []byte
	for len(b) > 0 {
		num, typ, tn := protowire.ConsumeTag(b)
		if tn < 0 {
			return nil, malformed(msg, protowire.ParseError(tn))
		}
		n, err := visit(num, typ, b[tn:])
		if err != nil {
			return nil, err
		}
		if n == unknownField {
			n = protowire.ConsumeFieldValue(num, typ, b[tn:])
			if n < 0 {
				return nil, malformed(msg, protowire.ParseError(n))
			}
			unknown = append(unknown, b[:tn+n]...)
		}
		b = b[tn+n:]
	}
	return unknown, nil
}

func malformed(msg string, cause error) error {
	return &Error{Code: CodeMalformedMessage, Message: "malformed " + msg, Err: cause}
}

func missing(msg, field string) error {
	return Errorf(CodeMalformedMessage, "malformed %s: missing required field %s", msg, field)
}

func mismatch(msg string, num protowire.Number, typ protowire.Type) error {
	return Errorf(CodeMalformedMessage, "malformed %s: field %d has wire type %d", msg, num, typ)
}

func consumeVarint(msg string, num protowire.Number, typ protowire.Type, v []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, mismatch(msg, num, typ)
	}
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return 0, 0, malformed(msg, protowire.ParseError(n))
	}
	return x, n, nil
}

func consumeUint32(msg string, num protowire.Number, typ protowire.Type, v []byte) (uint32, int, error) {
	x, n, err := consumeVarint(msg, num, typ, v)
	if err != nil {
		return 0, 0, err
	}
	if x > math.MaxUint32 {
		return 0, 0, malformed(msg, fmt.Errorf("field %d overflows uint32", num))
	}
	return uint32(x), n, nil
}

// consumeBytes copies the field value so decoded messages never alias the
// input buffer. Empty values decode to nil.
func consumeBytes(msg string, num protowire.Number, typ protowire.Type, v []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, mismatch(msg, num, typ)
	}
	x, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return nil, 0, malformed(msg, protowire.ParseError(n))
	}
	return append([]byte(nil), x...), n, nil
}

func consumeString(msg string, num protowire.Number, typ protowire.Type, v []byte) (string, int, error) {
	x, n, err := consumeBytes(msg, num, typ, v)
	if err != nil {
		return "", 0, err
	}
	return string(x), n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	return appendVarintAlways(b, num, v)
}

func appendVarintAlways(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarintAlways(b, num, protowire.EncodeBool(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	return appendBytesAlways(b, num, v)
}

func appendBytesAlways(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
