// Package callback delivers CallbackPayloads to merchant backends, off the
// payer's request path, retrying with exponential backoff.
package callback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

var (
	ErrQueueFull = errors.New("callback queue full")
	ErrStopped   = errors.New("callback dispatcher stopped")
)

type Config struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Minute
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	return c
}

// Failure describes a callback that exhausted its attempts.
type Failure struct {
	PaymentID string
	URL       string
	Attempts  int
	Err       error
}

// Notifier is told about callbacks that could not be delivered.
type Notifier interface {
	CallbackFailed(ctx context.Context, f Failure)
}

// Job is one callback to deliver.
type Job struct {
	URL     string
	Payload protocol.CallbackPayload
}

// Dispatcher runs a fixed pool of workers fed by a bounded queue.
type Dispatcher struct {
	cfg      Config
	client   *http.Client
	notifier Notifier
	metrics  metrics.Recorder
	log      *zap.Logger

	queue  chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

func NewDispatcher(cfg Config, client *http.Client, notifier Notifier, rec metrics.Recorder, log *zap.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:      cfg,
		client:   client,
		notifier: notifier,
		metrics:  rec,
		log:      log.Named("callback"),
		queue:    make(chan Job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	d.log.Info("callback dispatcher started", zap.Int("workers", d.cfg.Workers), zap.Int("queue", d.cfg.QueueSize))
}

// Stop refuses new jobs and waits for queued ones to finish. When ctx ends
// first, in-flight retries are abandoned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Enqueue hands the payload to the workers without waiting. A full queue
// counts as a failed delivery, reported in the background.
func (d *Dispatcher) Enqueue(ctx context.Context, callbackURL string, payload protocol.CallbackPayload) error {
	err := d.offer(Job{URL: callbackURL, Payload: payload})
	if errors.Is(err, ErrQueueFull) {
		go d.fail(context.WithoutCancel(ctx), Failure{PaymentID: payload.PaymentID, URL: callbackURL, Err: err})
	}
	return err
}

func (d *Dispatcher) offer(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		return ErrStopped
	}
	select {
	case d.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for job := range d.queue {
		_, _ = d.Deliver(d.ctx, job)
	}
}

// Deliver posts job until the merchant answers 2xx or attempts run out. It
// returns the number of attempts made.
func (d *Dispatcher) Deliver(ctx context.Context, job Job) (int, error) {
	start := time.Now()
	body := job.Payload.Marshal()
	log := d.log.With(zap.String("payment_id", job.Payload.PaymentID), zap.String("url", job.URL))

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		d.metrics.IncCounter(metrics.CallbackAttempts, nil)
		return d.post(ctx, job.URL, body)
	}, d.policy(ctx), func(err error, wait time.Duration) {
		log.Debug("callback attempt failed", zap.Int("attempt", attempts), zap.Duration("retry_in", wait), zap.Error(err))
	})
	d.metrics.ObserveLatency(metrics.OpCallback, time.Since(start), nil)
	if err != nil {
		d.fail(ctx, Failure{PaymentID: job.Payload.PaymentID, URL: job.URL, Attempts: attempts, Err: err})
		return attempts, protocol.Wrap(protocol.CodeCallbackDeliveryFailed, err, fmt.Sprintf("callback after %d attempts", attempts))
	}
	d.metrics.IncCounter(metrics.CallbacksDelivered, nil)
	log.Info("callback delivered", zap.Int("attempts", attempts))
	return attempts, nil
}

func (d *Dispatcher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = d.cfg.MaxDelay
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)
}

// post makes one delivery attempt.
func (d *Dispatcher) post(ctx context.Context, callbackURL string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to build callback request: %w", err))
	}
	req.Header.Set("Content-Type", protocol.ContentTypeCallback)
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("merchant answered %s", resp.Status)
	}
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, f Failure) {
	d.metrics.IncCounter(metrics.CallbacksFailed, nil)
	d.log.Error("callback delivery failed",
		zap.String("payment_id", f.PaymentID),
		zap.String("url", f.URL),
		zap.Int("attempts", f.Attempts),
		zap.String("code", string(protocol.CodeCallbackDeliveryFailed)),
		zap.Error(f.Err))
	if d.notifier != nil {
		d.notifier.CallbackFailed(context.WithoutCancel(ctx), f)
	}
}
