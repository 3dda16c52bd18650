// Package chaintest provides a deterministic in-memory node and transaction
// builders for tests.
package chaintest

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// FakeNode records broadcasts and hands out sequential payee scripts.
type FakeNode struct {
	mu sync.Mutex

	// BroadcastErr, when set, is returned by every Broadcast.
	BroadcastErr error
	// Hang makes Broadcast block until its context is done.
	Hang bool
	// RejectAfter, when positive, rejects every broadcast once that many
	// were accepted.
	RejectAfter int

	broadcasts [][]byte
	next       byte
}

func NewFakeNode() *FakeNode {
	return &FakeNode{}
}

// PayeeScript returns the n-th script NewPayeeScript hands out (n from 1).
func PayeeScript(n byte) []byte {
	script := []byte{0x76, 0xa9, 0x14}
	for i := 0; i < 20; i++ {
		script = append(script, n)
	}
	return append(script, 0x88, 0xac)
}

func (f *FakeNode) NewPayeeScript(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return PayeeScript(f.next), nil
}

func (f *FakeNode) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	f.mu.Lock()
	hang, bErr := f.Hang, f.BroadcastErr
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return "", protocol.Wrap(protocol.CodeBroadcastTimeout, ctx.Err(), "fake node timed out")
	}
	if bErr != nil {
		return "", bErr
	}
	txid, err := chain.TxID(rawTx)
	if err != nil {
		return "", protocol.Wrap(protocol.CodeBroadcastRejected, err, "fake node rejected transaction")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectAfter > 0 && len(f.broadcasts) >= f.RejectAfter {
		return "", protocol.Errorf(protocol.CodeBroadcastRejected, "fake node rejected %s: bad-txns-inputs-missingorspent", txid)
	}
	f.broadcasts = append(f.broadcasts, append([]byte(nil), rawTx...))
	return txid, nil
}

// Broadcasts returns the transactions accepted so far.
func (f *FakeNode) Broadcasts() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.broadcasts...)
}

// SetBroadcastErr changes the broadcast outcome.
func (f *FakeNode) SetBroadcastErr(err error) {
	f.mu.Lock()
	f.BroadcastErr = err
	f.mu.Unlock()
}

// BuildTx serializes a one-input transaction paying the given outputs.
func BuildTx(outputs ...protocol.Output) []byte {
	tx := wire.NewMsgTx(wire.TxVersion)
	prev := chainhash.DoubleHashH([]byte(fmt.Sprint(len(outputs), outputs)))
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prev, 0), []byte{0x51}, nil))
	for _, o := range outputs {
		tx.AddTxOut(wire.NewTxOut(int64(o.Amount), o.Script))
	}
	raw, err := chain.EncodeTx(tx)
	if err != nil {
		panic(err)
	}
	return raw
}
