// Package chain holds the blockchain collaborators of the payment server:
// transaction decoding, locking scripts, and the node used to derive payee
// scripts and broadcast accepted payments.
package chain

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network names accepted in InvoiceRequest.network.
const (
	Mainnet = "mainnet"
	Testnet = "testnet"
	Regnet  = "regnet"
)

// Broadcaster submits a signed transaction. Implementations return a
// BroadcastRejected protocol error when the node refuses the transaction and
// a BroadcastTimeout one when it could not answer in time.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTx []byte) (txid string, err error)
}

// AddressSource yields the locking script a new invoice is paid to.
type AddressSource interface {
	NewPayeeScript(ctx context.Context) ([]byte, error)
}

// Node is the full node capability used by the server.
type Node interface {
	Broadcaster
	AddressSource
}

// Params maps a network name to its chain parameters.
func Params(network string) (*chaincfg.Params, error) {
	switch network {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regnet:
		return &chaincfg.RegressionNetParams, nil
	}
	return nil, fmt.Errorf("unsupported network %q", network)
}

// Supported reports whether network is a known network name.
func Supported(network string) bool {
	_, err := Params(network)
	return err == nil
}
