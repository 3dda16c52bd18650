package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

type outputView struct {
	Amount decimal.Decimal `json:"amount"`
	Units  uint64          `json:"units"`
	Script string          `json:"script"`
	Class  string          `json:"class"`
}

func outputs(in []protocol.Output) []outputView {
	out := make([]outputView, 0, len(in))
	for _, o := range in {
		out = append(out, outputView{
			Amount: events.CoinAmount(o.Amount),
			Units:  o.Amount,
			Script: hex.EncodeToString(o.Script),
			Class:  chain.ScriptClass(o.Script),
		})
	}
	return out
}

func unix(ts uint64) string {
	return time.Unix(int64(ts), 0).UTC().Format(time.RFC3339)
}

// view renders a message for humans: byte fields as hex or text, amounts
// in coins, nested serialized messages decoded.
func view(m protocol.Message) (any, error) {
	switch m := m.(type) {
	case protocol.InvoiceRequest:
		return map[string]any{
			"network":       m.Network,
			"amount":        events.CoinAmount(m.Amount),
			"time":          unix(m.Time),
			"expires":       unix(m.Expires),
			"memo":          m.ReqMemo,
			"merchant_data": string(m.MerchantData),
			"ack_memo":      m.AckMemo,
			"tokenize":      m.Tokenize,
			"tx_data":       hex.EncodeToString(m.TxData),
			"callback_url":  m.CallbackURL,
		}, nil
	case protocol.InvoiceResponse:
		req, err := view(m.PaymentRequest)
		if err != nil {
			return nil, err
		}
		return map[string]any{"payment_id": m.PaymentID, "payment_request": req}, nil
	case protocol.PaymentRequest:
		details, err := m.Details()
		if err != nil {
			return nil, fmt.Errorf("payment details: %w", err)
		}
		d, _ := view(details)
		return map[string]any{
			"version":         m.Version(),
			"pki_type":        m.PKIType,
			"payment_details": d,
		}, nil
	case protocol.PaymentDetails:
		return map[string]any{
			"network":       m.Network,
			"outputs":       outputs(m.Outputs),
			"total":         events.CoinAmount(m.TotalAmount()),
			"time":          unix(m.Time),
			"expires":       unix(m.Expires),
			"memo":          m.Memo,
			"payment_url":   m.PaymentURL,
			"merchant_data": string(m.MerchantData),
		}, nil
	case protocol.Payment:
		txs := make([]map[string]string, 0, len(m.Transactions))
		for _, raw := range m.Transactions {
			txid, err := chain.TxID(raw)
			if err != nil {
				txid = "undecodable: " + err.Error()
			}
			txs = append(txs, map[string]string{"txid": txid, "hex": hex.EncodeToString(raw)})
		}
		return map[string]any{
			"merchant_data": string(m.MerchantData),
			"transactions":  txs,
			"refund_to":     outputs(m.RefundTo),
			"memo":          m.Memo,
		}, nil
	case protocol.PaymentACK:
		p, err := view(m.Payment)
		if err != nil {
			return nil, err
		}
		return map[string]any{"payment": p, "memo": m.Memo}, nil
	case protocol.CallbackPayload:
		ack, err := view(m.PaymentACK)
		if err != nil {
			return nil, err
		}
		return map[string]any{"payment_id": m.PaymentID, "payment_ack": ack}, nil
	}
	return nil, fmt.Errorf("no view for %s", m.Kind())
}
