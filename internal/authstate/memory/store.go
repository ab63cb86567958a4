// Package memory implements the auth state store in process memory. Dev mode
// and unit tests only; the mutex plays the role the conditional UPDATE plays
// in the PostgreSQL backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fedgate/fedgate/internal/authstate"
)

type Store struct {
	mu        sync.Mutex
	byState   map[string]*authstate.Record
	retention time.Duration

	now func() time.Time // overridable in tests
}

// New creates an in-memory auth state store.
func New() *Store {
	return &Store{
		byState:   make(map[string]*authstate.Record),
		retention: authstate.ConsumedRetention,
		now:       time.Now,
	}
}

func (s *Store) Store(ctx context.Context, rec *authstate.Record) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(authstate.DefaultTTL)
	}

	cp := *rec
	s.mu.Lock()
	s.byState[rec.State] = &cp
	s.mu.Unlock()
	return rec.ID, nil
}

func (s *Store) Consume(ctx context.Context, stateToken string) (*authstate.Record, error) {
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byState[stateToken]
	if !ok || rec.ConsumedAt != nil || !rec.ExpiresAt.After(now) {
		return nil, nil
	}
	rec.ConsumedAt = &now
	cp := *rec
	return &cp, nil
}

func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, rec := range s.byState {
		if !rec.ExpiresAt.After(now) || (rec.ConsumedAt != nil && rec.ConsumedAt.Before(cutoff)) {
			delete(s.byState, k)
			n++
		}
	}
	return n, nil
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }
