package invoice

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists invoice records. Transition is a compare-and-swap on the
// status: it fails with ErrConflict when the stored status is not from.
type Store interface {
	Create(ctx context.Context, rec Record) error
	Get(ctx context.Context, paymentID string) (Record, error)
	Transition(ctx context.Context, paymentID string, from, to Status, change Change) (Record, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.PaymentID]; ok {
		return ErrExists
	}
	s.records[rec.PaymentID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, paymentID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[paymentID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Transition(_ context.Context, paymentID string, from, to Status, change Change) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[paymentID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != from {
		return rec, ErrConflict
	}
	rec.Apply(to, change)
	s.records[paymentID] = rec
	return rec, nil
}

func (s *MemoryStore) ListExpired(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	var stale []Record
	for _, rec := range s.records {
		if rec.Status == StatusPending && rec.Expired(now) {
			stale = append(stale, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool { return stale[i].ExpiresAt.Before(stale[j].ExpiresAt) })
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	ids := make([]string, len(stale))
	for i, rec := range stale {
		ids[i] = rec.PaymentID
	}
	return ids, nil
}
