package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"hash/fnv"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/invoice"
)

// AdvisoryLocker is an invoice.Locker shared by every server instance on
// the same database. Each held lock pins one pooled connection, since
// session advisory locks belong to the connection that took them.
type AdvisoryLocker struct {
	DB  *sql.DB
	log *zap.Logger
}

var _ invoice.Locker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(db *sql.DB, log *zap.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{DB: db, log: log.Named("db")}
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.DB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection for lock: %w", err)
	}
	id := lockID(key)
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, id); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, id); err != nil {
			l.log.Warn("failed to release advisory lock; dropping connection", zap.String("key", key), zap.Error(err))
			// Discard the connection so the session, and its lock, ends.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		_ = conn.Close()
	}, nil
}

// lockID maps a payment id onto the bigint advisory lock space.
func lockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("invoice:" + key))
	return int64(h.Sum64())
}
