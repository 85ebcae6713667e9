package verification

import (
	"context"
	"sync"
	"time"
)

// SessionStore tracks failed attempts per session and action, and the phones a
// session has proven ownership of through a one-time code.
type SessionStore interface {
	Failures(ctx context.Context, session string, action Action) (int, error)
	RecordFailure(ctx context.Context, session string, action Action) (int, error)
	Grant(ctx context.Context, session, phone string) error
	HasGrant(ctx context.Context, session, phone string) (bool, error)
}

type counter struct {
	n         int
	expiresAt time.Time
}

// MemorySessionStore keeps session state in process. Entries expire lazily.
type MemorySessionStore struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	failures map[string]counter
	grants   map[string]time.Time
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemorySessionStore{
		ttl:      ttl,
		now:      time.Now,
		failures: make(map[string]counter),
		grants:   make(map[string]time.Time),
	}
}

func failureKey(session string, action Action) string {
	return session + "|" + string(action)
}

func grantKey(session, phone string) string {
	return session + "|" + phone
}

func (s *MemorySessionStore) Failures(_ context.Context, session string, action Action) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.failures[failureKey(session, action)]
	if !ok || s.now().After(c.expiresAt) {
		return 0, nil
	}
	return c.n, nil
}

func (s *MemorySessionStore) RecordFailure(_ context.Context, session string, action Action) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := failureKey(session, action)
	now := s.now()
	c := s.failures[key]
	if now.After(c.expiresAt) {
		c = counter{}
	}
	c.n++
	c.expiresAt = now.Add(s.ttl)
	s.failures[key] = c
	return c.n, nil
}

func (s *MemorySessionStore) Grant(_ context.Context, session, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(session, phone)] = s.now().Add(s.ttl)
	return nil
}

func (s *MemorySessionStore) HasGrant(_ context.Context, session, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.grants[grantKey(session, phone)]
	if !ok {
		return false, nil
	}
	if s.now().After(exp) {
		delete(s.grants, grantKey(session, phone))
		return false, nil
	}
	return true, nil
}
