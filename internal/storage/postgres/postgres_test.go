package postgres

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

// testDB connects to BIP70_TEST_DATABASE_URL, skipping the test when unset.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("BIP70_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("BIP70_TEST_DATABASE_URL not set")
	}
	db, err := OpenDatabase(context.Background(), DatabaseConfig{URL: url})
	require.NoError(t, err)
	require.NoError(t, Migrate(context.Background(), db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRecord(expiresAt time.Time) invoice.Record {
	now := time.Now().UTC().Truncate(time.Microsecond)
	details := protocol.PaymentDetails{
		Network:      "regnet",
		Outputs:      []protocol.Output{{Amount: 500000, Script: []byte{0x76, 0xa9}}},
		Time:         uint64(now.Unix()),
		Expires:      uint64(expiresAt.Unix()),
		PaymentURL:   "http://127.0.0.1:8081/payments/x",
		MerchantData: []byte("token"),
	}
	req := protocol.PaymentRequest{
		PaymentDetailsVersion:    protocol.SchemaVersion,
		PKIType:                  protocol.PKITypeNone,
		SerializedPaymentDetails: details.Marshal(),
	}
	return invoice.Record{
		PaymentID:   uuid.NewString(),
		Network:     "regnet",
		Amount:      500000,
		Request:     req,
		Details:     details,
		Status:      invoice.StatusPending,
		Token:       "tok",
		CallbackURL: "https://merchant.example/cb",
		CreatedAt:   now,
		ExpiresAt:   expiresAt.UTC().Truncate(time.Microsecond),
		UpdatedAt:   now,
	}
}

func TestInvoiceStoreLifecycle(t *testing.T) {
	db := testDB(t)
	store := NewInvoiceStore(db, zaptest.NewLogger(t))
	ctx := context.Background()

	rec := newRecord(time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, rec))
	assert.ErrorIs(t, store.Create(ctx, rec), invoice.ErrExists)

	got, err := store.Get(ctx, rec.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, rec.Details, got.Details)
	assert.Equal(t, rec.Amount, got.Amount)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	paidAt := time.Now().UTC().Truncate(time.Microsecond)
	change := invoice.Change{
		At:       paidAt,
		TxIDs:    []string{"abc"},
		RefundTo: []protocol.Output{{Amount: 1, Script: []byte{0x6a}}},
		ACK:      []byte{0x0a, 0x00},
	}
	paid, err := store.Transition(ctx, rec.PaymentID, invoice.StatusPending, invoice.StatusPaid, change)
	require.NoError(t, err)
	assert.Equal(t, invoice.StatusPaid, paid.Status)
	assert.Equal(t, []string{"abc"}, paid.TxIDs)
	assert.Equal(t, change.RefundTo, paid.RefundTo)
	assert.Equal(t, change.ACK, paid.ACK)
	assert.True(t, paidAt.Equal(paid.PaidAt))

	current, err := store.Transition(ctx, rec.PaymentID, invoice.StatusPending, invoice.StatusExpired, invoice.Change{At: time.Now()})
	assert.ErrorIs(t, err, invoice.ErrConflict)
	assert.Equal(t, invoice.StatusPaid, current.Status)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, invoice.ErrNotFound)
	_, err = store.Transition(ctx, "missing", invoice.StatusPending, invoice.StatusPaid, invoice.Change{At: time.Now()})
	assert.ErrorIs(t, err, invoice.ErrNotFound)
}

func TestInvoiceStoreTransitionIsExclusive(t *testing.T) {
	db := testDB(t)
	store := NewInvoiceStore(db, zaptest.NewLogger(t))
	ctx := context.Background()
	rec := newRecord(time.Now().Add(time.Hour))
	require.NoError(t, store.Create(ctx, rec))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Transition(ctx, rec.PaymentID, invoice.StatusPending, invoice.StatusPaid, invoice.Change{At: time.Now()}); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestInvoiceStoreListExpired(t *testing.T) {
	db := testDB(t)
	store := NewInvoiceStore(db, zaptest.NewLogger(t))
	ctx := context.Background()

	// Far in the past so rows of other tests never sort ahead of these.
	base := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	older := newRecord(base)
	newer := newRecord(base.Add(time.Minute))
	paid := newRecord(base)
	for _, r := range []invoice.Record{newer, older, paid} {
		require.NoError(t, store.Create(ctx, r))
	}
	_, err := store.Transition(ctx, paid.PaymentID, invoice.StatusPending, invoice.StatusPaid, invoice.Change{At: time.Now()})
	require.NoError(t, err)

	ids, err := store.ListExpired(ctx, base.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Contains(t, ids, older.PaymentID)
	assert.Contains(t, ids, newer.PaymentID)
	assert.NotContains(t, ids, paid.PaymentID)

	first, err := store.ListExpired(ctx, base.Add(30*time.Second), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{older.PaymentID}, first)
}

func TestTokenStore(t *testing.T) {
	db := testDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	token := uuid.NewString()
	require.NoError(t, store.Put(ctx, token, []byte("data"), time.Now().Add(time.Hour)))
	assert.ErrorIs(t, store.Put(ctx, token, []byte("other"), time.Time{}), vault.ErrExists)

	data, err := store.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	require.NoError(t, store.Delete(ctx, token))
	_, err = store.Get(ctx, token)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	stale := uuid.NewString()
	require.NoError(t, store.Put(ctx, stale, []byte("old"), time.Now().Add(-time.Minute)))
	_, err = store.Get(ctx, stale)
	assert.ErrorIs(t, err, vault.ErrNotFound)
	require.NoError(t, store.Put(ctx, stale, []byte("new"), time.Time{}))
	data, err = store.Get(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), data)
}

func TestAdvisoryLockerSerializes(t *testing.T) {
	db := testDB(t)
	locker := NewAdvisoryLocker(db, zaptest.NewLogger(t))
	ctx := context.Background()
	key := uuid.NewString()

	release, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(waitCtx, key)
	assert.Error(t, err)

	other, err := locker.Lock(ctx, key+"-other")
	require.NoError(t, err)
	other()

	release()
	again, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	again()
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, Database: "bip70", User: "bip70", Password: "pw"}
	assert.Equal(t, "host=db port=5432 dbname=bip70 user=bip70 password=pw sslmode=disable", cfg.DSN())
	cfg.URL = "postgres://u@h/db"
	assert.Equal(t, "postgres://u@h/db", cfg.DSN())
}
