package bdd

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/ack"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/alert"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/api"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/callback"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/chain/chaintest"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/payment"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
	postgresdb "github.com/AnthonyGillesRudolfo/bip70-server/internal/storage/postgres"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

const maxCallbackAttempts = 3

// merchant is the callback endpoint of the merchant backend.
type merchant struct {
	mu       sync.Mutex
	failFor  int // -1 fails forever
	attempts int
	accepted []protocol.CallbackPayload
}

func (m *merchant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failFor < 0 || m.attempts <= m.failFor {
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	payload, err := protocol.DecodeCallbackPayload(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.accepted = append(m.accepted, payload)
	w.WriteHeader(http.StatusNoContent)
}

func (m *merchant) snapshot() (int, []protocol.CallbackPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, append([]protocol.CallbackPayload(nil), m.accepted...)
}

// PaymentWorld runs one server per scenario: both listeners over real HTTP,
// memory or postgres records, a fake node and the callback dispatcher.
type PaymentWorld struct {
	t *testing.T

	db         *sql.DB
	store      invoice.Store
	locker     invoice.Locker
	node       *chaintest.FakeNode
	events     *events.Memory
	dispatcher *callback.Dispatcher
	private    *httptest.Server
	public     *httptest.Server
	merchant   *merchant
	merchantUp *httptest.Server
	client     *http.Client

	// last exchange
	status   int
	header   http.Header
	body     []byte
	invoice  protocol.InvoiceResponse
	details  protocol.PaymentDetails
	original []byte
	ack      protocol.PaymentACK
}

func NewPaymentWorld(t *testing.T, db *sql.DB) *PaymentWorld {
	return &PaymentWorld{t: t, db: db}
}

func (w *PaymentWorld) Register(sc *godog.ScenarioContext) {
	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, w.start()
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		w.stop()
		return ctx, nil
	})

	w.registerInvoiceSteps(sc)
	w.registerCallbackSteps(sc)
}

func (w *PaymentWorld) start() error {
	log := zaptest.NewLogger(w.t, zaptest.Level(zap.WarnLevel))
	*w = PaymentWorld{t: w.t, db: w.db}

	if w.db != nil {
		w.store = postgresdb.NewInvoiceStore(w.db, log)
		w.locker = postgresdb.NewAdvisoryLocker(w.db, log)
	} else {
		w.store = invoice.NewMemoryStore()
		w.locker = invoice.NewKeyedMutex()
	}
	w.node = chaintest.NewFakeNode()
	w.events = &events.Memory{}
	emitter := events.NewEmitter(w.events, log)
	tokens := vault.New(vault.NewMemoryStore(), log)

	w.merchant = &merchant{}
	w.merchantUp = httptest.NewServer(w.merchant)

	notifier := alert.New(emitter, log, alert.NewEmailSink(alert.LogSender{Log: log}, "ops@shop.example"))
	w.dispatcher = callback.NewDispatcher(callback.Config{
		Workers:        2,
		QueueSize:      16,
		MaxAttempts:    maxCallbackAttempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RequestTimeout: time.Second,
	}, w.merchantUp.Client(), notifier, metrics.NoopRecorder{}, log)
	w.dispatcher.Start()

	w.public = httptest.NewUnstartedServer(nil)
	paymentURL := "http://" + w.public.Listener.Addr().String() + "/payments/"

	issuer := invoice.NewIssuer(invoice.Config{
		Network:    chain.Regnet,
		PaymentURL: paymentURL,
		ClockSkew:  time.Minute,
	}, w.store, tokens, w.node, emitter, metrics.NoopRecorder{}, log)
	verifier := payment.NewVerifier(payment.Options{BroadcastTimeout: time.Second},
		w.store, w.locker, tokens, w.node, w.dispatcher, emitter, metrics.NoopRecorder{}, log)
	creds := ack.NewIssuer(ack.Config{Secret: []byte("bdd-secret"), ReceiptBase: paymentURL})

	w.private = httptest.NewServer(api.NewPrivateHandler(issuer, nil, nil, log))
	w.public.Config.Handler = api.NewPublicHandler(api.PaymentRoutes{
		Verifier:    verifier,
		Credentials: creds,
		Records:     w.store,
		Metrics:     metrics.NoopRecorder{},
		Log:         log,
	}, []string{"*"}, nil)
	w.public.Start()

	w.client = &http.Client{
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return nil
}

func (w *PaymentWorld) stop() {
	if w.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = w.dispatcher.Stop(ctx)
		cancel()
	}
	for _, srv := range []*httptest.Server{w.public, w.private, w.merchantUp} {
		if srv != nil {
			srv.Close()
		}
	}
}

func (w *PaymentWorld) do(method, url, contentType string, body []byte) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	w.status = resp.StatusCode
	w.header = resp.Header
	w.body, err = io.ReadAll(resp.Body)
	return err
}

func (w *PaymentWorld) record() (invoice.Record, error) {
	return w.store.Get(context.Background(), w.invoice.PaymentID)
}

// eventually polls cond until it holds or the deadline passes.
func eventually(timeout time.Duration, cond func() error) error {
	deadline := time.Now().Add(timeout)
	for {
		err := cond()
		if err == nil || time.Now().After(deadline) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func openTestDatabase() (*sql.DB, error) {
	url := os.Getenv("BIP70_TEST_DATABASE_URL")
	if url == "" {
		return nil, nil
	}
	ctx := context.Background()
	db, err := postgresdb.OpenDatabase(ctx, postgresdb.DatabaseConfig{URL: url})
	if err != nil {
		return nil, err
	}
	if err := postgresdb.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
