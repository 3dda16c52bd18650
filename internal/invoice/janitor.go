package invoice

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/events"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/metrics"
)

const defaultSweepBatch = 100

// Janitor moves Pending invoices past their expiry to Expired. It takes the
// same per-invoice lock as payment verification, so a sweep and a racing
// submission resolve in lock order.
type Janitor struct {
	store    Store
	locker   Locker
	tokens   Tokenizer
	events   *events.Emitter
	metrics  metrics.Recorder
	log      *zap.Logger
	interval time.Duration
	batch    int
	now      func() time.Time
}

func NewJanitor(store Store, locker Locker, tokens Tokenizer, emitter *events.Emitter, rec metrics.Recorder, log *zap.Logger, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{
		store:    store,
		locker:   locker,
		tokens:   tokens,
		events:   emitter,
		metrics:  rec,
		log:      log.Named("janitor"),
		interval: interval,
		batch:    defaultSweepBatch,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep expires one batch of stale invoices and returns how many it
// expired.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	start := j.now()
	defer func() { j.metrics.ObserveLatency(metrics.OpSweep, j.now().Sub(start), nil) }()

	ids, err := j.store.ListExpired(ctx, start, j.batch)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		ok, err := j.expire(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			j.log.Warn("failed to expire invoice", zap.String("payment_id", id), zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		j.log.Info("expired invoices", zap.Int("count", expired))
	}
	return expired, nil
}

func (j *Janitor) expire(ctx context.Context, id string) (bool, error) {
	release, err := j.locker.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer release()

	rec, err := j.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	now := j.now()
	if rec.Status != StatusPending || !rec.Expired(now) {
		return false, nil
	}
	rec, err = j.store.Transition(ctx, id, StatusPending, StatusExpired, Change{At: now.UTC(), FailureReason: "expired"})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if err := j.tokens.Revoke(ctx, rec.Token); err != nil {
		j.log.Warn("failed to revoke token", zap.String("payment_id", id), zap.Error(err))
	}
	j.metrics.IncCounter(metrics.InvoicesExpired, map[string]string{"network": rec.Network})
	j.events.Emit(ctx, events.InvoiceExpired, events.Invoice{
		PaymentID:   id,
		Network:     rec.Network,
		Amount:      events.CoinAmount(rec.Amount),
		AmountUnits: rec.Amount,
		Status:      string(StatusExpired),
		ExpiresAt:   rec.ExpiresAt,
		Reason:      "expired",
	})
	return true, nil
}
