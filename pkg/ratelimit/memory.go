package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

type memoryEntry struct {
	count   int64
	token   string
	expires time.Time
}

// MemoryStore is a single-process CounterStore for tests and local runs.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*memoryEntry
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.New()
	}
	return &MemoryStore{
		clock:   c,
		entries: make(map[string]*memoryEntry),
	}
}

// live returns the unexpired entry for key. Callers hold mu.
func (s *MemoryStore) live(key string) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !s.clock.Now().Before(e.expires) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) IncrWithTTL(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil {
		e = &memoryEntry{expires: s.clock.Now().Add(ttl)}
		s.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (s *MemoryStore) AcquireLock(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.live(key) != nil {
		return false, nil
	}
	s.entries[key] = &memoryEntry{token: token, expires: s.clock.Now().Add(ttl)}
	return true, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.live(key)
	if e == nil || e.token != token {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}
