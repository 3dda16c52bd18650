package chain

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DecodeTx parses a raw legacy-serialized transaction. Trailing bytes are
// rejected.
func DecodeTx(raw []byte) (*wire.MsgTx, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty transaction")
	}
	r := bytes.NewReader(raw)
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.DeserializeNoWitness(r); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("failed to decode transaction: %d trailing bytes", r.Len())
	}
	return tx, nil
}

// EncodeTx serializes tx without witness data.
func EncodeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(tx.SerializeSizeStripped())
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// TxID returns the display hash of a raw transaction.
func TxID(raw []byte) (string, error) {
	tx, err := DecodeTx(raw)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

// PayToAddrScript decodes a legacy address for network and returns its
// locking script.
func PayToAddrScript(address, network string) ([]byte, error) {
	params, err := Params(network)
	if err != nil {
		return nil, err
	}
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address %q: %w", address, err)
	}
	if !addr.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not for %s", address, network)
	}
	return txscript.PayToAddrScript(addr)
}

// DataCarrierScript builds an OP_RETURN script carrying data.
func DataCarrierScript(data []byte) ([]byte, error) {
	return txscript.NullDataScript(data)
}

// ScriptClass names the standard class of a locking script, for logs.
func ScriptClass(script []byte) string {
	return txscript.GetScriptClass(script).String()
}
