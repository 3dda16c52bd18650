package bdd

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cucumber/godog"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/api"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain/chaintest"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

func (w *PaymentWorld) registerInvoiceSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the merchant opens an invoice for (\d+) units expiring in (\d+) seconds with merchant data "([^"]*)"( tokenized)?( and a callback)?$`, w.openInvoice)
	sc.Step(`^the merchant opens an invoice for (\d+) units that expired (\d+) seconds ago$`, w.openExpiredInvoice)
	sc.Step(`^the server answers (\d+)$`, w.assertStatus)
	sc.Step(`^the server answers (\d+) with error "([^"]+)"$`, w.assertError)
	sc.Step(`^the payment request has a single output of (\d+) units$`, w.assertSingleOutput)
	sc.Step(`^the merchant data in the payment request is a token$`, w.assertTokenized)
	sc.Step(`^the wallet pays (\d+) units to the requested script$`, w.pay)
	sc.Step(`^(\d+) wallets pay (\d+) units to the requested script at the same time$`, w.payConcurrently)
	sc.Step(`^the wallet pays with merchant data "([^"]*)"$`, w.payWithMerchantData)
	sc.Step(`^the redirect points to "([^"]+)" with a bearer credential$`, w.assertRedirect)
	sc.Step(`^the invoice is "([^"]+)"$`, w.assertInvoiceStatus)
	sc.Step(`^exactly one payment was broadcast$`, w.assertOneBroadcast)
	sc.Step(`^a "([^"]+)" event is published$`, w.assertEvent)
}

func (w *PaymentWorld) registerCallbackSteps(sc *godog.ScenarioContext) {
	sc.Step(`^the merchant callback endpoint fails the first (\d+) requests$`, w.merchantFailsFirst)
	sc.Step(`^the merchant callback endpoint fails every request$`, w.merchantAlwaysFails)
	sc.Step(`^the merchant receives (\d+) callbacks? carrying the acknowledgment$`, w.assertCallbacks)
	sc.Step(`^the merchant callback endpoint was called (\d+) times$`, w.assertCallbackAttempts)
	sc.Step(`^no "([^"]+)" event is published$`, w.assertNoEvent)
}

func (w *PaymentWorld) openInvoice(amount uint64, seconds int, merchantData, tokenized, withCallback string) error {
	now := time.Now()
	req := protocol.InvoiceRequest{
		Network:      chain.Regnet,
		Amount:       amount,
		Time:         uint64(now.Unix()),
		Expires:      uint64(now.Add(time.Duration(seconds) * time.Second).Unix()),
		MerchantData: []byte(merchantData),
		AckMemo:      "thank you",
		Tokenize:     tokenized != "",
	}
	if withCallback != "" {
		req.CallbackURL = w.merchantUp.URL + "/callbacks/bip70"
	}
	return w.create(req)
}

func (w *PaymentWorld) openExpiredInvoice(amount uint64, ago int) error {
	now := time.Now()
	return w.create(protocol.InvoiceRequest{
		Amount:  amount,
		Time:    uint64(now.Add(-10 * time.Minute).Unix()),
		Expires: uint64(now.Add(-time.Duration(ago) * time.Second).Unix()),
	})
}

func (w *PaymentWorld) create(req protocol.InvoiceRequest) error {
	w.original = req.MerchantData
	if err := w.do(http.MethodPost, w.private.URL+"/invoice", protocol.ContentTypeInvoiceRequest, req.Marshal()); err != nil {
		return err
	}
	if w.status != http.StatusPaymentRequired {
		return nil
	}
	resp, err := protocol.DecodeInvoiceResponse(w.body)
	if err != nil {
		return fmt.Errorf("decode invoice response: %w", err)
	}
	details, err := resp.PaymentRequest.Details()
	if err != nil {
		return fmt.Errorf("decode payment details: %w", err)
	}
	w.invoice, w.details = resp, details
	return nil
}

func (w *PaymentWorld) assertStatus(status int) error {
	if w.status != status {
		return fmt.Errorf("status %d, want %d: %s", w.status, status, strings.TrimSpace(string(w.body)))
	}
	return nil
}

func (w *PaymentWorld) assertError(status int, code string) error {
	if err := w.assertStatus(status); err != nil {
		return err
	}
	if got := w.header.Get(api.ErrorCodeHeader); got != code {
		return fmt.Errorf("error code %q, want %q", got, code)
	}
	return nil
}

func (w *PaymentWorld) assertSingleOutput(amount uint64) error {
	if w.invoice.PaymentRequest.PKIType != protocol.PKITypeNone {
		return fmt.Errorf("pki type %q", w.invoice.PaymentRequest.PKIType)
	}
	if len(w.details.Outputs) != 1 {
		return fmt.Errorf("%d outputs, want 1", len(w.details.Outputs))
	}
	if got := w.details.Outputs[0].Amount; got != amount {
		return fmt.Errorf("output amount %d, want %d", got, amount)
	}
	return nil
}

func (w *PaymentWorld) assertTokenized() error {
	if len(w.details.MerchantData) == 0 || bytes.Equal(w.details.MerchantData, w.original) {
		return errors.New("merchant data was not replaced by a token")
	}
	return nil
}

func (w *PaymentWorld) payment(amount uint64, merchantData []byte) protocol.Payment {
	var script []byte
	if len(w.details.Outputs) > 0 {
		script = w.details.Outputs[0].Script
	}
	change := protocol.Output{Amount: 1000, Script: chaintest.PayeeScript(99)}
	return protocol.Payment{
		MerchantData: merchantData,
		Transactions: [][]byte{chaintest.BuildTx(protocol.Output{Amount: amount, Script: script}, change)},
	}
}

func (w *PaymentWorld) submit(p protocol.Payment) error {
	if err := w.do(http.MethodPost, w.details.PaymentURL, protocol.ContentTypePayment, p.Marshal()); err != nil {
		return err
	}
	if w.status == http.StatusOK || w.status == http.StatusFound {
		ack, err := protocol.DecodePaymentACK(w.body)
		if err != nil {
			return fmt.Errorf("decode acknowledgment: %w", err)
		}
		w.ack = ack
	}
	return nil
}

func (w *PaymentWorld) pay(amount uint64) error {
	return w.submit(w.payment(amount, w.details.MerchantData))
}

func (w *PaymentWorld) payWithMerchantData(data string) error {
	return w.submit(w.payment(w.details.TotalAmount(), []byte(data)))
}

func (w *PaymentWorld) payConcurrently(n int, amount uint64) error {
	p := w.payment(amount, w.details.MerchantData)
	statuses := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := w.client.Post(w.details.PaymentURL, protocol.ContentTypePayment, bytes.NewReader(p.Marshal()))
			if err != nil {
				return
			}
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	accepted, conflicts := 0, 0
	for _, s := range statuses {
		switch s {
		case http.StatusFound:
			accepted++
		case http.StatusConflict:
			conflicts++
		}
	}
	if accepted != 1 || conflicts != n-1 {
		return fmt.Errorf("statuses %v: %d accepted, %d conflicts", statuses, accepted, conflicts)
	}
	return nil
}

func (w *PaymentWorld) assertRedirect(target string) error {
	loc, err := url.Parse(w.header.Get("Location"))
	if err != nil {
		return err
	}
	want, _ := url.Parse(target)
	if loc.Host != want.Host || loc.Path != want.Path {
		return fmt.Errorf("location %s, want %s", loc, target)
	}
	auth := w.header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || loc.Query().Get("code") != strings.TrimPrefix(auth, "Bearer ") {
		return fmt.Errorf("authorization %q does not match location %s", auth, loc)
	}
	if w.header.Get("Pragma") != "no-cache" {
		return errors.New("missing Pragma: no-cache")
	}
	return nil
}

func (w *PaymentWorld) assertInvoiceStatus(status string) error {
	rec, err := w.record()
	if err != nil {
		return err
	}
	if string(rec.Status) != status {
		return fmt.Errorf("invoice is %s, want %s", rec.Status, status)
	}
	return nil
}

func (w *PaymentWorld) assertOneBroadcast() error {
	if n := len(w.node.Broadcasts()); n != 1 {
		return fmt.Errorf("%d broadcasts, want 1", n)
	}
	return nil
}

func (w *PaymentWorld) hasEvent(eventType string) bool {
	for _, e := range w.events.Events() {
		if e.EventType == eventType && e.AggregateID == w.invoice.PaymentID {
			return true
		}
	}
	return false
}

func (w *PaymentWorld) assertEvent(eventType string) error {
	return eventually(2*time.Second, func() error {
		if !w.hasEvent(eventType) {
			return fmt.Errorf("no %s event for %s in %v", eventType, w.invoice.PaymentID, w.events.Types())
		}
		return nil
	})
}

func (w *PaymentWorld) assertNoEvent(eventType string) error {
	if w.hasEvent(eventType) {
		return fmt.Errorf("unexpected %s event", eventType)
	}
	return nil
}

func (w *PaymentWorld) merchantFailsFirst(n int) error {
	w.merchant.mu.Lock()
	w.merchant.failFor = n
	w.merchant.mu.Unlock()
	return nil
}

func (w *PaymentWorld) merchantAlwaysFails() error {
	return w.merchantFailsFirst(-1)
}

func (w *PaymentWorld) assertCallbacks(n int) error {
	return eventually(2*time.Second, func() error {
		_, accepted := w.merchant.snapshot()
		if len(accepted) != n {
			return fmt.Errorf("%d callbacks accepted, want %d", len(accepted), n)
		}
		for _, cb := range accepted {
			if cb.PaymentID != w.invoice.PaymentID {
				return fmt.Errorf("callback for %s, want %s", cb.PaymentID, w.invoice.PaymentID)
			}
			if !bytes.Equal(cb.PaymentACK.Marshal(), w.ack.Marshal()) {
				return errors.New("callback does not carry the acknowledgment sent to the wallet")
			}
		}
		return nil
	})
}

func (w *PaymentWorld) assertCallbackAttempts(n int) error {
	return eventually(2*time.Second, func() error {
		attempts, _ := w.merchant.snapshot()
		if attempts != n {
			return fmt.Errorf("%d callback attempts, want %d", attempts, n)
		}
		return nil
	})
}
