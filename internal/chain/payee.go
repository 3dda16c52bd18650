package chain

import (
	"context"
	"encoding/hex"
	"fmt"
)

// StaticPayee pays every invoice to one configured script.
type StaticPayee struct {
	Script []byte
}

// NewStaticPayee accepts either a hex locking script or a legacy address for
// network.
func NewStaticPayee(scriptHex, address, network string) (StaticPayee, error) {
	switch {
	case scriptHex != "":
		script, err := hex.DecodeString(scriptHex)
		if err != nil {
			return StaticPayee{}, fmt.Errorf("failed to decode payee script: %w", err)
		}
		return StaticPayee{Script: script}, nil
	case address != "":
		script, err := PayToAddrScript(address, network)
		if err != nil {
			return StaticPayee{}, err
		}
		return StaticPayee{Script: script}, nil
	}
	return StaticPayee{}, fmt.Errorf("payee script or address required")
}

func (s StaticPayee) NewPayeeScript(context.Context) ([]byte, error) {
	return append([]byte(nil), s.Script...), nil
}

type splitNode struct {
	Broadcaster
	AddressSource
}

// Compose pairs a broadcaster with a different source of payee scripts.
func Compose(b Broadcaster, a AddressSource) Node {
	return splitNode{Broadcaster: b, AddressSource: a}
}
