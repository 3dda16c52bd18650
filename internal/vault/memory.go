package vault

import (
	"context"
	"sync"
	"time"
)

type binding struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps bindings in process. Expired bindings read as absent and
// are dropped on access.
type MemoryStore struct {
	mu       sync.RWMutex
	bindings map[string]binding
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bindings: make(map[string]binding), now: time.Now}
}

func (s *MemoryStore) Put(_ context.Context, token string, data []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.bindings[token]; ok && !s.expired(b) {
		return ErrExists
	}
	s.bindings[token] = binding{data: append([]byte(nil), data...), expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, token string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.bindings[token]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if s.expired(b) {
		s.mu.Lock()
		delete(s.bindings, token)
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	return append([]byte(nil), b.data...), nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.bindings, token)
	s.mu.Unlock()
	return nil
}

// Len reports the number of bindings held, expired ones included.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bindings)
}

func (s *MemoryStore) expired(b binding) bool {
	return !b.expiresAt.IsZero() && !s.now().Before(b.expiresAt)
}
