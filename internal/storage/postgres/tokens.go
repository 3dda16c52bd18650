package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/vault"
)

// TokenStore is a vault.Store over the merchant_tokens table. An expired
// binding is invisible to Get and may be replaced by Put.
type TokenStore struct {
	DB *sql.DB
}

var _ vault.Store = (*TokenStore)(nil)

func NewTokenStore(db *sql.DB) *TokenStore {
	return &TokenStore{DB: db}
}

func (s *TokenStore) Put(ctx context.Context, token string, data []byte, expiresAt time.Time) error {
	var exp sql.NullTime
	if !expiresAt.IsZero() {
		exp = sql.NullTime{Time: expiresAt.UTC(), Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO merchant_tokens (token, data, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token) DO UPDATE SET
			data = EXCLUDED.data,
			expires_at = EXCLUDED.expires_at
		WHERE merchant_tokens.expires_at IS NOT NULL AND merchant_tokens.expires_at <= now()
	`, token, data, exp)
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vault.ErrExists
	}
	return nil
}

func (s *TokenStore) Get(ctx context.Context, token string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, `
		SELECT data FROM merchant_tokens
		WHERE token = $1 AND (expires_at IS NULL OR expires_at > now())
	`, token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, vault.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return data, nil
}

func (s *TokenStore) Delete(ctx context.Context, token string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM merchant_tokens WHERE token = $1`, token); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
