package otp

import (
	"context"
	"sync"
	"time"
)

// Store persists challenges keyed by phone. Callers serialize access per
// phone; implementations only need to be safe for concurrent use across
// different phones.
type Store interface {
	Get(ctx context.Context, phone string) (*Challenge, error)
	Put(ctx context.Context, c Challenge) error
	Delete(ctx context.Context, phone string) error
}

// MemoryStore is the process-wide challenge table. Entries well past their
// expiry are pruned on the next write instead of by a timer.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]Challenge
	now        func() time.Time
	retention  time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]Challenge),
		now:        time.Now,
		retention:  time.Hour,
	}
}

func (s *MemoryStore) Get(_ context.Context, phone string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[phone]
	if !ok {
		return nil, ErrNoChallenge
	}
	return &c, nil
}

func (s *MemoryStore) Put(_ context.Context, c Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.retention)
	for phone, existing := range s.challenges {
		if existing.ExpiresAt.Before(cutoff) {
			delete(s.challenges, phone)
		}
	}
	s.challenges[c.Phone] = c
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, phone)
	return nil
}

// Len reports how many challenges are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}
