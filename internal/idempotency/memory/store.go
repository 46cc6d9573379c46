// Package memory is a process-local idempotency store for development and tests.
// Records do not survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/frahmantamala/restaurant-pos/internal/idempotency"
)

type Store struct {
	mu      sync.Mutex
	records map[string]idempotency.Record
	now     func() time.Time

	// Err, when set, is returned by every call. Lets callers exercise an unavailable store.
	Err error
}

var _ idempotency.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records: make(map[string]idempotency.Record),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) live(key string) (idempotency.Record, bool) {
	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return idempotency.Record{}, false
	}
	return rec, true
}

func (s *Store) Lookup(_ context.Context, key string) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, s.Err
	}
	rec, ok := s.live(key)
	if !ok {
		return nil, idempotency.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) Claim(_ context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return nil, false, s.Err
	}
	if existing, ok := s.live(rec.Key); ok {
		return &existing, false, nil
	}
	rec.State = idempotency.StateInFlight
	rec.Response = nil
	s.records[rec.Key] = rec
	return &rec, true, nil
}

func (s *Store) Complete(_ context.Context, key, transactionID string, response []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	rec := idempotency.Record{Key: key, TransactionID: transactionID}
	if existing, ok := s.live(key); ok {
		if existing.TransactionID != transactionID {
			return idempotency.ErrNotOwner
		}
		if existing.State == idempotency.StateCompleted {
			return nil
		}
		rec = existing
	}
	rec.State = idempotency.StateCompleted
	rec.Response = append([]byte(nil), response...)
	rec.ExpiresAt = expiresAt
	s.records[key] = rec
	return nil
}

func (s *Store) Release(_ context.Context, key, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	if rec, ok := s.records[key]; ok && rec.TransactionID == transactionID && rec.State == idempotency.StateInFlight {
		delete(s.records, key)
	}
	return nil
}

func (s *Store) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	now := s.now()
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}
