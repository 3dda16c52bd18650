package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

func createCmd() *cobra.Command {
	var (
		server       string
		req          protocol.InvoiceRequest
		expiresIn    time.Duration
		merchantData string
		txData       string
		raw          bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open an invoice on the merchant listener",
		Example: `  invoicectl create --amount 500000 --merchant-data https://shop.example/order/42 --tokenize
  invoicectl create --server http://127.0.0.1:8900 --amount 1000 --expires-in 10m --raw > invoice.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			req.Time = uint64(now.Unix())
			req.Expires = uint64(now.Add(expiresIn).Unix())
			req.MerchantData = []byte(merchantData)
			if txData != "" {
				b, err := hex.DecodeString(txData)
				if err != nil {
					return fmt.Errorf("tx-data: %w", err)
				}
				req.TxData = b
			}

			endpoint, err := url.JoinPath(server, "invoice")
			if err != nil {
				return err
			}
			resp, body, err := post(cmd, endpoint, protocol.ContentTypeInvoiceRequest, "", req.Marshal())
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusPaymentRequired {
				return serverError(resp, body)
			}
			if raw {
				_, err := cmd.OutOrStdout().Write(body)
				return err
			}
			invoice, err := protocol.DecodeInvoiceResponse(body)
			if err != nil {
				return fmt.Errorf("undecodable invoice response: %w", err)
			}
			v, err := view(invoice)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	f := cmd.Flags()
	f.StringVar(&server, "server", "http://127.0.0.1:8900", "merchant listener base URL")
	f.Uint64Var(&req.Amount, "amount", 0, "amount in smallest units")
	f.DurationVar(&expiresIn, "expires-in", 15*time.Minute, "invoice lifetime")
	f.StringVar(&req.Network, "network", "", "network (defaults to the server's)")
	f.StringVar(&req.ReqMemo, "memo", "", "memo shown to the payer")
	f.StringVar(&req.AckMemo, "ack-memo", "", "memo returned with the acknowledgment")
	f.StringVar(&merchantData, "merchant-data", "", "opaque merchant data")
	f.BoolVar(&req.Tokenize, "tokenize", false, "replace merchant data by a vault token")
	f.StringVar(&txData, "tx-data", "", "hex data for an OP_RETURN output")
	f.StringVar(&req.CallbackURL, "callback-url", "", "URL notified when the invoice is paid")
	f.BoolVar(&raw, "raw", false, "write the binary InvoiceResponse to stdout")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func payCmd() *cobra.Command {
	var (
		merchantData string
		txs          []string
		memo         string
	)
	cmd := &cobra.Command{
		Use:   "pay <payment-url>",
		Short: "Submit a payment built from raw transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := protocol.Payment{MerchantData: []byte(merchantData), Memo: memo}
			for _, tx := range txs {
				b, err := hex.DecodeString(strings.TrimSpace(tx))
				if err != nil {
					return fmt.Errorf("tx: %w", err)
				}
				p.Transactions = append(p.Transactions, b)
			}

			resp, body, err := post(cmd, args[0], protocol.ContentTypePayment, protocol.ContentTypePaymentACK, p.Marshal())
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusFound {
				return serverError(resp, body)
			}
			ack, err := protocol.DecodePaymentACK(body)
			if err != nil {
				return fmt.Errorf("undecodable acknowledgment: %w", err)
			}
			v, err := view(ack)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"status":        resp.StatusCode,
				"location":      resp.Header.Get("Location"),
				"authorization": resp.Header.Get("Authorization"),
				"ack":           v,
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&merchantData, "merchant-data", "", "merchant data echoed from the payment request")
	f.StringArrayVar(&txs, "tx", nil, "signed transaction hex (repeatable)")
	f.StringVar(&memo, "memo", "", "memo for the merchant")
	_ = cmd.MarkFlagRequired("tx")
	return cmd
}

func decodeCmd() *cobra.Command {
	var isHex bool
	cmd := &cobra.Command{
		Use:   "decode <kind> [file]",
		Short: "Decode a binary message (InvoiceRequest, InvoiceResponse, PaymentRequest, PaymentDetails, Payment, PaymentACK, CallbackPayload)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := protocol.ParseKind(args[0])
			if err != nil {
				return err
			}
			var in io.Reader = cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return err
			}
			if isHex {
				data, err = hex.DecodeString(strings.TrimSpace(string(data)))
				if err != nil {
					return fmt.Errorf("input is not hex: %w", err)
				}
			}
			msg, err := protocol.Decode(data, kind)
			if err != nil {
				return err
			}
			v, err := view(msg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), v)
		},
	}
	cmd.Flags().BoolVar(&isHex, "hex", false, "input is hex encoded")
	return cmd
}

func serverError(resp *http.Response, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if code := resp.Header.Get("X-Bip70-Error"); code != "" {
		return fmt.Errorf("%s (%s): %s", resp.Status, code, msg)
	}
	if msg == "" {
		return errors.New(resp.Status)
	}
	return fmt.Errorf("%s: %s", resp.Status, msg)
}
