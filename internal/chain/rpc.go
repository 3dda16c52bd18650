package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// RPCConfig addresses the node's JSON-RPC endpoint.
type RPCConfig struct {
	Host     string
	Port     int
	User     string
	Password string
}

// RPCNode talks to a full node over JSON-RPC. New payee scripts come from
// the node wallet; accepted payments are relayed with sendrawtransaction.
type RPCNode struct {
	client *rpcclient.Client
	log    *zap.Logger
}

// NewRPCNode builds a client in HTTP POST mode. No connection is made until
// the first call.
func NewRPCNode(cfg RPCConfig, log *zap.Logger) (*RPCNode, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		User:         cfg.User,
		Pass:         cfg.Password,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create node rpc client: %w", err)
	}
	return &RPCNode{client: client, log: log.Named("node")}, nil
}

// Close releases the client.
func (n *RPCNode) Close() {
	n.client.Shutdown()
}

type validateAddressResult struct {
	IsValid      bool   `json:"isvalid"`
	Address      string `json:"address"`
	ScriptPubKey string `json:"scriptPubKey"`
}

// NewPayeeScript asks the node wallet for a fresh address and returns the
// locking script the node reports for it. Asking the node for the script
// keeps the server independent of the network's address encoding.
func (n *RPCNode) NewPayeeScript(ctx context.Context) ([]byte, error) {
	raw, err := n.call(ctx, "getnewaddress")
	if err != nil {
		return nil, fmt.Errorf("failed to get new address: %w", err)
	}
	var address string
	if err := json.Unmarshal(raw, &address); err != nil {
		return nil, fmt.Errorf("failed to parse getnewaddress result: %w", err)
	}

	param, err := json.Marshal(address)
	if err != nil {
		return nil, err
	}
	raw, err = n.call(ctx, "validateaddress", param)
	if err != nil {
		return nil, fmt.Errorf("failed to validate address %s: %w", address, err)
	}
	var res validateAddressResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse validateaddress result: %w", err)
	}
	if !res.IsValid || res.ScriptPubKey == "" {
		return nil, fmt.Errorf("node returned unusable address %s", address)
	}
	script, err := hex.DecodeString(res.ScriptPubKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode script of %s: %w", address, err)
	}
	n.log.Debug("new payee address", zap.String("address", address), zap.String("class", ScriptClass(script)))
	return script, nil
}

// Broadcast relays rawTx with sendrawtransaction.
func (n *RPCNode) Broadcast(ctx context.Context, rawTx []byte) (string, error) {
	param, err := json.Marshal(hex.EncodeToString(rawTx))
	if err != nil {
		return "", err
	}
	raw, err := n.call(ctx, "sendrawtransaction", param)
	if err != nil {
		return "", classifyBroadcastError(err)
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", protocol.Wrap(protocol.CodeBroadcastRejected, err, "unexpected sendrawtransaction result")
	}
	return txid, nil
}

// call runs one RPC. rpcclient has no context support, so the request runs
// on its own goroutine and ctx only bounds how long we wait for it.
func (n *RPCNode) call(ctx context.Context, method string, params ...json.RawMessage) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := n.client.RawRequest(method, params)
		done <- result{raw, err}
	}()
	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classifyBroadcastError(err error) error {
	var rpcErr *btcjson.RPCError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return protocol.Wrap(protocol.CodeBroadcastTimeout, err, "node did not answer in time")
	case errors.As(err, &rpcErr):
		if rpcErr.Code == btcjson.ErrRPCInWarmup {
			return protocol.Wrap(protocol.CodeBroadcastTimeout, err, "node is warming up")
		}
		return protocol.Wrap(protocol.CodeBroadcastRejected, err, "node rejected transaction")
	}
	// Transport failures leave the outcome unknown; the payer may retry.
	return protocol.Wrap(protocol.CodeBroadcastTimeout, err, "node unreachable")
}
