// Package vault issues opaque tokens that stand in for merchant data in
// payment requests, and is the only component that dereferences them.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/AnthonyGillesRudolfo/bip70-server/internal/protocol"
)

// TokenBytes is the entropy of a token.
const TokenBytes = 32

// Store errors. Implementations return them unwrapped or wrapped with %w.
var (
	ErrExists   = errors.New("token already bound")
	ErrNotFound = errors.New("token not found")
)

// Store persists token bindings. Put must fail with ErrExists rather than
// overwrite; a zero expiresAt means the binding does not expire.
type Store interface {
	Put(ctx context.Context, token string, data []byte, expiresAt time.Time) error
	Get(ctx context.Context, token string) ([]byte, error)
	Delete(ctx context.Context, token string) error
}

type Vault struct {
	store Store
	log   *zap.Logger
	rand  io.Reader
}

func New(store Store, log *zap.Logger) *Vault {
	return &Vault{store: store, log: log.Named("vault"), rand: rand.Reader}
}

// maxIssueAttempts bounds retries on token collisions, which only a broken
// random source produces.
const maxIssueAttempts = 3

// Issue binds data to a fresh token.
func (v *Vault) Issue(ctx context.Context, data []byte, expiresAt time.Time) (string, error) {
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		token, err := v.newToken()
		if err != nil {
			return "", protocol.Wrap(protocol.CodeStorageUnavailable, err, "generate token")
		}
		err = v.store.Put(ctx, token, data, expiresAt)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrExists) {
			return "", protocol.Wrap(protocol.CodeStorageUnavailable, err, "store token")
		}
		v.log.Warn("token collision, retrying", zap.Int("attempt", attempt+1))
	}
	return "", protocol.Errorf(protocol.CodeStorageUnavailable, "no unique token after %d attempts", maxIssueAttempts)
}

// Resolve returns the data bound to token.
func (v *Vault) Resolve(ctx context.Context, token string) ([]byte, error) {
	data, err := v.store.Get(ctx, token)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, protocol.Wrap(protocol.CodeUnknownToken, err, "resolve token")
	case err != nil:
		return nil, protocol.Wrap(protocol.CodeStorageUnavailable, err, "resolve token")
	}
	return data, nil
}

// Revoke removes the binding. Revoking an unknown token is not an error.
func (v *Vault) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := v.store.Delete(ctx, token)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return protocol.Wrap(protocol.CodeStorageUnavailable, err, "revoke token")
	}
	return nil
}

func (v *Vault) newToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := io.ReadFull(v.rand, b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
