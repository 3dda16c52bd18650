package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/callback"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain/chaintest"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

type queued struct {
	url     string
	payload protocol.CallbackPayload
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queued
}

func (q *fakeQueue) Enqueue(_ context.Context, url string, payload protocol.CallbackPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, queued{url, payload})
	return nil
}

func (q *fakeQueue) Items() []queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queued(nil), q.items...)
}

type fixture struct {
	now      time.Time
	store    *invoice.MemoryStore
	tokens   *vault.MemoryStore
	vault    *vault.Vault
	node     *chaintest.FakeNode
	queue    *fakeQueue
	events   *events.Memory
	issuer   *invoice.Issuer
	verifier *Verifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Now(),
		store:  invoice.NewMemoryStore(),
		tokens: vault.NewMemoryStore(),
		node:   chaintest.NewFakeNode(),
		queue:  &fakeQueue{},
		events: &events.Memory{},
	}
	f.vault = vault.New(f.tokens, zap.NewNop())
	emitter := events.NewEmitter(f.events, zap.NewNop())
	f.issuer = invoice.NewIssuer(invoice.Config{
		Network:    chain.Regnet,
		PaymentURL: "http://127.0.0.1:8081/payments/",
		ClockSkew:  time.Minute,
	}, f.store, f.vault, f.node, emitter, metrics.NoopRecorder{}, zap.NewNop())
	f.verifier = NewVerifier(Options{BroadcastTimeout: 50 * time.Millisecond},
		f.store, invoice.NewKeyedMutex(), f.vault, f.node, f.queue, emitter, metrics.NoopRecorder{}, zap.NewNop())
	f.verifier.now = func() time.Time { return f.now }
	return f
}

// issue opens a tokenized invoice for amount valid for ten minutes.
func (f *fixture) issue(t *testing.T, amount uint64, callbackURL string) (string, protocol.PaymentDetails) {
	t.Helper()
	resp, err := f.issuer.Create(context.Background(), protocol.InvoiceRequest{
		Network:      chain.Regnet,
		Amount:       amount,
		Time:         uint64(f.now.Unix()),
		Expires:      uint64(f.now.Unix()) + 600,
		MerchantData: []byte("merchant-secret"),
		AckMemo:      "thanks",
		Tokenize:     true,
		CallbackURL:  callbackURL,
	})
	require.NoError(t, err)
	details, err := resp.PaymentRequest.Details()
	require.NoError(t, err)
	return resp.PaymentID, details
}

func (f *fixture) status(t *testing.T, id string) invoice.Status {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func paying(details protocol.PaymentDetails, amount uint64, extra ...protocol.Output) protocol.Payment {
	outs := append([]protocol.Output{{Amount: amount, Script: details.Outputs[0].Script}}, extra...)
	return protocol.Payment{
		MerchantData: details.MerchantData,
		Transactions: [][]byte{chaintest.BuildTx(outs...)},
		RefundTo:     []protocol.Output{{Script: []byte{0x51}}},
	}
}

func TestSubmitAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id, details := f.issue(t, 500000, "https://merchant.example/cb")

	p := paying(details, 500000, protocol.Output{Amount: 1234, Script: []byte{0x76, 0xa9, 0x14, 0xff}})
	res, err := f.verifier.Submit(ctx, id, p)
	require.NoError(t, err)

	assert.Equal(t, p, res.ACK.Payment)
	assert.Equal(t, "thanks", res.ACK.Memo)
	assert.Equal(t, []byte("merchant-secret"), res.MerchantData)
	assert.Equal(t, invoice.StatusPaid, res.Record.Status)
	require.Len(t, res.Record.TxIDs, 1)
	assert.Equal(t, res.ACK.Marshal(), res.Record.ACK)
	assert.Equal(t, p.RefundTo, res.Record.RefundTo)
	assert.Equal(t, invoice.StatusPaid, f.status(t, id))
	assert.Len(t, f.node.Broadcasts(), 1)

	_, err = f.vault.Resolve(ctx, string(details.MerchantData))
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)

	items := f.queue.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "https://merchant.example/cb", items[0].url)
	assert.Equal(t, id, items[0].payload.PaymentID)
	assert.Equal(t, res.ACK, items[0].payload.PaymentACK)
	assert.Equal(t, []string{events.InvoiceCreated, events.PaymentAccepted}, f.events.Types())
}

func TestSubmitOverpaymentAndSplitOutputs(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 1000, "")

	script := details.Outputs[0].Script
	p := protocol.Payment{
		MerchantData: details.MerchantData,
		Transactions: [][]byte{
			chaintest.BuildTx(protocol.Output{Amount: 600, Script: script}),
			chaintest.BuildTx(protocol.Output{Amount: 500, Script: script}),
		},
	}
	_, err := f.verifier.Submit(context.Background(), id, p)
	require.NoError(t, err)
	assert.Len(t, f.node.Broadcasts(), 2)
	assert.Empty(t, f.queue.Items())
}

func TestSubmitRejections(t *testing.T) {
	cases := []struct {
		name   string
		build  func(details protocol.PaymentDetails) protocol.Payment
		want   error
		status invoice.Status
	}{
		{
			name:   "underpaid",
			build:  func(d protocol.PaymentDetails) protocol.Payment { return paying(d, 499999) },
			want:   protocol.ErrUnderpaidOrMismatchedOutputs,
			status: invoice.StatusFailed,
		},
		{
			name: "wrong script",
			build: func(d protocol.PaymentDetails) protocol.Payment {
				p := paying(d, 0)
				p.Transactions = [][]byte{chaintest.BuildTx(protocol.Output{Amount: 500000, Script: []byte{0x51}})}
				return p
			},
			want:   protocol.ErrUnderpaidOrMismatchedOutputs,
			status: invoice.StatusFailed,
		},
		{
			name: "no transactions",
			build: func(d protocol.PaymentDetails) protocol.Payment {
				return protocol.Payment{MerchantData: d.MerchantData}
			},
			want:   protocol.ErrUnderpaidOrMismatchedOutputs,
			status: invoice.StatusFailed,
		},
		{
			name: "foreign token",
			build: func(d protocol.PaymentDetails) protocol.Payment {
				p := paying(d, 500000)
				p.MerchantData = []byte("some-other-invoice-token")
				return p
			},
			want:   protocol.ErrMerchantDataMismatch,
			status: invoice.StatusFailed,
		},
		{
			name: "raw merchant data instead of token",
			build: func(d protocol.PaymentDetails) protocol.Payment {
				p := paying(d, 500000)
				p.MerchantData = []byte("merchant-secret")
				return p
			},
			want:   protocol.ErrMerchantDataMismatch,
			status: invoice.StatusFailed,
		},
		{
			name: "undecodable transaction",
			build: func(d protocol.PaymentDetails) protocol.Payment {
				p := paying(d, 500000)
				p.Transactions = [][]byte{{0x01, 0x02}}
				return p
			},
			want:   protocol.ErrMalformedMessage,
			status: invoice.StatusPending,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			id, details := f.issue(t, 500000, "https://merchant.example/cb")

			_, err := f.verifier.Submit(context.Background(), id, tc.build(details))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.status, f.status(t, id))
			assert.Empty(t, f.node.Broadcasts())
			assert.Empty(t, f.queue.Items())
		})
	}
}

func TestSubmitExpired(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	f.now = f.now.Add(601 * time.Second)

	_, err := f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.ErrorIs(t, err, protocol.ErrInvoiceExpired)
	assert.Equal(t, invoice.StatusExpired, f.status(t, id))
	assert.Empty(t, f.node.Broadcasts())
	assert.Contains(t, f.events.Types(), events.InvoiceExpired)

	_, err = f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.ErrorIs(t, err, protocol.ErrInvoiceNotPending)
}

func TestSubmitReplay(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	p := paying(details, 500000)

	_, err := f.verifier.Submit(context.Background(), id, p)
	require.NoError(t, err)
	_, err = f.verifier.Submit(context.Background(), id, p)
	assert.ErrorIs(t, err, protocol.ErrInvoiceNotPending)
	assert.Len(t, f.node.Broadcasts(), 1)
	assert.Len(t, f.queue.Items(), 1)
}

func TestSubmitConcurrentExactlyOnce(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	p := paying(details, 500000)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.verifier.Submit(context.Background(), id, p)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, protocol.ErrInvoiceNotPending)
	}
	assert.Equal(t, 1, ok)
	assert.Len(t, f.node.Broadcasts(), 1)
	assert.Len(t, f.queue.Items(), 1)
}

func TestSubmitRacesJanitor(t *testing.T) {
	f := newFixture(t)
	f.now = time.Now().Add(-time.Hour)
	id, details := f.issue(t, 500000, "")
	locker := invoice.NewKeyedMutex()
	f.verifier.locker = locker
	janitor := invoice.NewJanitor(f.store, locker, f.vault, events.NewEmitter(nil, zap.NewNop()), metrics.NoopRecorder{}, zap.NewNop(), time.Minute)

	f.now = time.Now()
	var wg sync.WaitGroup
	var submitErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, submitErr = f.verifier.Submit(context.Background(), id, paying(details, 500000))
	}()
	go func() {
		defer wg.Done()
		_, _ = janitor.Sweep(context.Background())
	}()
	wg.Wait()

	assert.Equal(t, invoice.StatusExpired, f.status(t, id))
	require.Error(t, submitErr)
	assert.Contains(t, []protocol.Code{protocol.CodeInvoiceExpired, protocol.CodeInvoiceNotPending}, protocol.CodeOf(submitErr))
	assert.Empty(t, f.node.Broadcasts())
}

func TestSubmitBroadcastTimeoutKeepsPending(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	f.node.Hang = true

	_, err := f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.ErrorIs(t, err, protocol.ErrBroadcastTimeout)
	assert.True(t, protocol.Retryable(err))
	assert.Equal(t, invoice.StatusPending, f.status(t, id))

	f.node.Hang = false
	_, err = f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.NoError(t, err)
}

func TestSubmitBroadcastRejected(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	f.node.SetBroadcastErr(protocol.Errorf(protocol.CodeBroadcastRejected, "txn-mempool-conflict"))

	_, err := f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.ErrorIs(t, err, protocol.ErrBroadcastRejected)
	assert.False(t, protocol.Retryable(err))
	assert.Equal(t, invoice.StatusFailed, f.status(t, id))
	assert.Empty(t, f.queue.Items())
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, string, protocol.CallbackPayload) error {
	return errors.New("failed to queue callback: connection refused")
}

type alerts struct {
	mu       sync.Mutex
	failures []callback.Failure
}

func (a *alerts) CallbackFailed(_ context.Context, f callback.Failure) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures = append(a.failures, f)
}

func (a *alerts) all() []callback.Failure {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]callback.Failure(nil), a.failures...)
}

func TestSubmitAlertsWhenCallbackCannotBeQueued(t *testing.T) {
	f := newFixture(t)
	n := &alerts{}
	f.verifier.callbacks = callback.NewReportingQueue(failingQueue{}, n, metrics.NoopRecorder{}, zap.NewNop())
	id, details := f.issue(t, 500000, "https://merchant.example/cb")

	res, err := f.verifier.Submit(context.Background(), id, paying(details, 500000))
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, res.Record.Status)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, id, n.all()[0].PaymentID)
	assert.Equal(t, "https://merchant.example/cb", n.all()[0].URL)
	assert.Equal(t, invoice.StatusPaid, f.status(t, id))
}

func TestSubmitPartlyRelayedKeepsTxIDs(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "https://merchant.example/cb")
	f.node.RejectAfter = 1

	first := chaintest.BuildTx(protocol.Output{Amount: 300000, Script: details.Outputs[0].Script})
	second := chaintest.BuildTx(protocol.Output{Amount: 200000, Script: details.Outputs[0].Script})
	relayed, err := chain.TxID(first)
	require.NoError(t, err)

	_, err = f.verifier.Submit(context.Background(), id, protocol.Payment{
		MerchantData: details.MerchantData,
		Transactions: [][]byte{first, second},
	})
	assert.ErrorIs(t, err, protocol.ErrBroadcastRejected)

	rec, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusFailed, rec.Status)
	assert.Equal(t, []string{relayed}, rec.TxIDs)
	assert.Contains(t, rec.FailureReason, relayed)
	assert.Len(t, f.node.Broadcasts(), 1)
	assert.Empty(t, f.queue.Items())
}

func TestSubmitUnknownToken(t *testing.T) {
	f := newFixture(t)
	id, details := f.issue(t, 500000, "")
	require.NoError(t, f.vault.Revoke(context.Background(), string(details.MerchantData)))

	_, err := f.verifier.Submit(context.Background(), id, paying(details, 500000))
	assert.ErrorIs(t, err, protocol.ErrUnknownToken)
	assert.Equal(t, invoice.StatusFailed, f.status(t, id))
}

func TestSubmitUnknownInvoice(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.Submit(context.Background(), "missing", protocol.Payment{})
	assert.ErrorIs(t, err, protocol.ErrInvoiceNotFound)
}

func TestCheckOutputs(t *testing.T) {
	a := []byte{0xaa}
	b := []byte{0xbb}
	required := []protocol.Output{{Amount: 100, Script: a}, {Amount: 0, Script: b}}

	decode := func(outs ...protocol.Output) []*wire.MsgTx {
		tx, err := chain.DecodeTx(chaintest.BuildTx(outs...))
		require.NoError(t, err)
		return []*wire.MsgTx{tx}
	}

	assert.NoError(t, CheckOutputs(required, decode(protocol.Output{Amount: 100, Script: a}, protocol.Output{Script: b})))
	assert.ErrorIs(t, CheckOutputs(required, decode(protocol.Output{Amount: 100, Script: a})), protocol.ErrUnderpaidOrMismatchedOutputs)
	assert.ErrorIs(t, CheckOutputs(required, decode(protocol.Output{Amount: 99, Script: a}, protocol.Output{Script: b})), protocol.ErrUnderpaidOrMismatchedOutputs)
}
