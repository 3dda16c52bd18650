package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	restate "github.com/restatedev/sdk-go"
	"github.com/restatedev/sdk-go/mocks"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

type recordingNotifier struct {
	mu       sync.Mutex
	failures []Failure
}

func (n *recordingNotifier) CallbackFailed(_ context.Context, f Failure) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
}

func (n *recordingNotifier) all() []Failure {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Failure(nil), n.failures...)
}

// merchant answers 503 to the first failFirst posts and 200 afterwards.
type merchant struct {
	failFirst int32
	posts     atomic.Int32
	ok        atomic.Int32
	mu        sync.Mutex
	bodies    [][]byte
	types     []string
}

func (m *merchant) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	m.bodies = append(m.bodies, body)
	m.types = append(m.types, r.Header.Get("Content-Type"))
	m.mu.Unlock()
	if n := m.posts.Add(1); n <= m.failFirst {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	m.ok.Add(1)
	w.WriteHeader(http.StatusOK)
}

func samplePayload(id string) protocol.CallbackPayload {
	return protocol.CallbackPayload{
		PaymentID: id,
		PaymentACK: protocol.PaymentACK{
			Payment: protocol.Payment{MerchantData: []byte("order-42"), Transactions: [][]byte{{0x01, 0x02}}},
			Memo:    "thanks",
		},
	}
}

func fastConfig() Config {
	return Config{Workers: 2, QueueSize: 4, MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, RequestTimeout: time.Second}
}

func newTestDispatcher(t *testing.T, cfg Config, n Notifier) *Dispatcher {
	return NewDispatcher(cfg, nil, n, metrics.NoopRecorder{}, zaptest.NewLogger(t))
}

func TestDeliverRetriesUntilAccepted(t *testing.T) {
	m := &merchant{failFirst: 2}
	srv := httptest.NewServer(m)
	defer srv.Close()
	n := &recordingNotifier{}
	d := newTestDispatcher(t, fastConfig(), n)

	attempts, err := d.Deliver(context.Background(), Job{URL: srv.URL, Payload: samplePayload("p-1")})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(1), m.ok.Load())
	assert.Empty(t, n.all())

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, body := range m.bodies {
		assert.Equal(t, protocol.ContentTypeCallback, m.types[i])
		got, err := protocol.DecodeCallbackPayload(body)
		require.NoError(t, err)
		assert.Equal(t, samplePayload("p-1"), got)
	}
}

func TestDeliverGivesUpAtMaxAttempts(t *testing.T) {
	m := &merchant{failFirst: 100}
	srv := httptest.NewServer(m)
	defer srv.Close()
	n := &recordingNotifier{}
	d := newTestDispatcher(t, fastConfig(), n)

	attempts, err := d.Deliver(context.Background(), Job{URL: srv.URL, Payload: samplePayload("p-2")})
	assert.ErrorIs(t, err, protocol.ErrCallbackDeliveryFailed)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int32(3), m.posts.Load())

	failures := n.all()
	require.Len(t, failures, 1)
	assert.Equal(t, "p-2", failures[0].PaymentID)
	assert.Equal(t, srv.URL, failures[0].URL)
	assert.Equal(t, 3, failures[0].Attempts)
}

func TestDeliverDoesNotRetryBadURL(t *testing.T) {
	n := &recordingNotifier{}
	d := newTestDispatcher(t, fastConfig(), n)

	attempts, err := d.Deliver(context.Background(), Job{URL: "http://[::1", Payload: samplePayload("p-3")})
	assert.ErrorIs(t, err, protocol.ErrCallbackDeliveryFailed)
	assert.Equal(t, 1, attempts)
	assert.Len(t, n.all(), 1)
}

func TestWorkersDrainQueueOnStop(t *testing.T) {
	m := &merchant{failFirst: 1}
	srv := httptest.NewServer(m)
	defer srv.Close()
	d := newTestDispatcher(t, fastConfig(), nil)
	d.Start()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Enqueue(context.Background(), srv.URL, samplePayload(id)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, int32(3), m.ok.Load())

	assert.ErrorIs(t, d.Enqueue(context.Background(), srv.URL, samplePayload("d")), ErrStopped)
	assert.NoError(t, d.Stop(ctx))
}

func TestEnqueueFullQueueIsAFailure(t *testing.T) {
	n := &recordingNotifier{}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := newTestDispatcher(t, cfg, n)

	require.NoError(t, d.Enqueue(context.Background(), "http://merchant.invalid/cb", samplePayload("first")))
	err := d.Enqueue(context.Background(), "http://merchant.invalid/cb", samplePayload("second"))
	assert.ErrorIs(t, err, ErrQueueFull)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	failures := n.all()
	assert.Equal(t, "second", failures[0].PaymentID)
	assert.ErrorIs(t, failures[0].Err, ErrQueueFull)
}

// slowNotifier holds every report until release is closed.
type slowNotifier struct {
	recordingNotifier
	release chan struct{}
}

func (n *slowNotifier) CallbackFailed(ctx context.Context, f Failure) {
	<-n.release
	n.recordingNotifier.CallbackFailed(ctx, f)
}

func TestEnqueueFullQueueDoesNotWaitForAlerts(t *testing.T) {
	n := &slowNotifier{release: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := newTestDispatcher(t, cfg, n)
	require.NoError(t, d.Enqueue(context.Background(), "http://merchant.invalid/cb", samplePayload("first")))

	done := make(chan error, 1)
	go func() { done <- d.Enqueue(context.Background(), "http://merchant.invalid/cb", samplePayload("second")) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue waited for the notifier")
	}

	// Stop is not held up by the pending alert either.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))

	close(n.release)
	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
}

type refusingQueue struct{ err error }

func (q refusingQueue) Enqueue(context.Context, string, protocol.CallbackPayload) error { return q.err }

func TestReportingQueueAlertsOnRefusedHandOff(t *testing.T) {
	n := &recordingNotifier{}
	brokerDown := errors.New("dial tcp 127.0.0.1:9092: connect: connection refused")

	q := NewReportingQueue(refusingQueue{err: brokerDown}, n, metrics.NoopRecorder{}, zap.NewNop())
	err := q.Enqueue(context.Background(), "https://merchant.example/cb", samplePayload("p-9"))
	assert.ErrorIs(t, err, brokerDown)

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	f := n.all()[0]
	assert.Equal(t, "p-9", f.PaymentID)
	assert.Equal(t, "https://merchant.example/cb", f.URL)
	assert.ErrorIs(t, f.Err, brokerDown)

	ok := NewReportingQueue(refusingQueue{}, n, metrics.NoopRecorder{}, zap.NewNop())
	require.NoError(t, ok.Enqueue(context.Background(), "https://merchant.example/cb", samplePayload("p-10")))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, n.all(), 1)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{BaseDelay: time.Hour, MaxDelay: time.Minute}.withDefaults()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 1024, cfg.QueueSize)
	assert.Equal(t, 8, cfg.MaxAttempts)
	assert.Equal(t, time.Hour, cfg.MaxDelay)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestRestateEnqueuerSendsKeyedOneWayCall(t *testing.T) {
	var (
		gotPath string
		gotKey  string
		gotReq  DeliveryRequest
	)
	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("idempotency-key")
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ingress.Close()

	e := NewRestateEnqueuer(ingress.URL+"/", nil, zaptest.NewLogger(t))
	require.NoError(t, e.Enqueue(context.Background(), "https://merchant.example/cb", samplePayload("p-9")))

	assert.Equal(t, "/CallbackService/Deliver/send", gotPath)
	assert.Equal(t, "callback-p-9", gotKey)
	assert.Equal(t, "p-9", gotReq.PaymentID)
	assert.Equal(t, "https://merchant.example/cb", gotReq.URL)
	payload, err := protocol.DecodeCallbackPayload(gotReq.Payload)
	require.NoError(t, err)
	assert.Equal(t, samplePayload("p-9"), payload)
}

func TestRestateEnqueuerReportsIngressErrors(t *testing.T) {
	ingress := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service not registered", http.StatusNotFound)
	}))
	defer ingress.Close()

	e := NewRestateEnqueuer(ingress.URL, nil, zaptest.NewLogger(t))
	err := e.Enqueue(context.Background(), "https://merchant.example/cb", samplePayload("p-9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service not registered")
}

type stubRunContext struct {
	context.Context
}

func (stubRunContext) Log() *slog.Logger         { return slog.Default() }
func (stubRunContext) Request() *restate.Request { return &restate.Request{} }

// interceptRun executes journaled closures inline and copies their result
// into the caller's output pointer.
func interceptRun(t *testing.T, mockCtx *mocks.MockContext) {
	respond := func(args mock.Arguments) {
		fn := args[0].(func(restate.RunContext) (any, error))
		result, err := fn(stubRunContext{Context: context.Background()})
		require.NoError(t, err)
		switch out := args[1].(type) {
		case *bool:
			*out = result.(bool)
		case *restate.Void:
		}
	}
	mockCtx.On("Run", mock.Anything, mock.Anything).Maybe().Run(respond).Return(nil)
	mockCtx.On("Run", mock.Anything, mock.Anything, mock.Anything).Maybe().Run(respond).Return(nil)
}

func TestDurableDeliverRetriesWithTimers(t *testing.T) {
	m := &merchant{failFirst: 2}
	srv := httptest.NewServer(m)
	defer srv.Close()
	d := newTestDispatcher(t, fastConfig(), nil)

	mockCtx := mocks.NewMockContext(t)
	interceptRun(t, mockCtx)
	mockCtx.On("Sleep", time.Millisecond).Once().Return(nil)
	mockCtx.On("Sleep", 2*time.Millisecond).Once().Return(nil)

	req := DeliveryRequest{PaymentID: "p-5", URL: srv.URL, Payload: samplePayload("p-5").Marshal()}
	require.NoError(t, NewDurable(d).Deliver(restate.WithMockContext(mockCtx), req))
	assert.Equal(t, int32(3), m.posts.Load())
	assert.Equal(t, int32(1), m.ok.Load())
}

func TestDurableDeliverTerminatesAtCap(t *testing.T) {
	m := &merchant{failFirst: 100}
	srv := httptest.NewServer(m)
	defer srv.Close()
	n := &recordingNotifier{}
	d := newTestDispatcher(t, fastConfig(), n)

	mockCtx := mocks.NewMockContext(t)
	interceptRun(t, mockCtx)
	mockCtx.On("Sleep", mock.Anything).Return(nil)

	req := DeliveryRequest{PaymentID: "p-6", URL: srv.URL, Payload: samplePayload("p-6").Marshal()}
	err := NewDurable(d).Deliver(restate.WithMockContext(mockCtx), req)
	require.Error(t, err)
	assert.True(t, restate.IsTerminalError(err))
	assert.ErrorIs(t, err, protocol.ErrCallbackDeliveryFailed)
	assert.Equal(t, int32(3), m.posts.Load())
	require.Len(t, n.all(), 1)
	assert.Equal(t, 3, n.all()[0].Attempts)
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) == 0 {
		r.mu.Unlock()
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	r.mu.Unlock()
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func TestConsumerDeliversAndCommits(t *testing.T) {
	m := &merchant{}
	srv := httptest.NewServer(m)
	defer srv.Close()
	d := newTestDispatcher(t, fastConfig(), nil)

	good, err := json.Marshal(DeliveryRequest{PaymentID: "p-7", URL: srv.URL, Payload: samplePayload("p-7").Marshal()})
	require.NoError(t, err)
	badPayload, err := json.Marshal(DeliveryRequest{PaymentID: "p-8", URL: srv.URL, Payload: []byte{0xff}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := &fakeReader{cancel: cancel, msgs: []kafka.Message{
		{Offset: 1, Value: good},
		{Offset: 2, Value: []byte("not json")},
		{Offset: 3, Value: badPayload},
	}}

	require.NoError(t, NewConsumer(r, d, zaptest.NewLogger(t)).Run(ctx))
	assert.Equal(t, int32(1), m.ok.Load())
	assert.Equal(t, []int64{1, 2, 3}, r.committed)
}
