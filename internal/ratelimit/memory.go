package ratelimit

import (
	"context"
	"sync"
	"time"
)

// gcThreshold bounds how large the counter map can grow before a sweep of
// elapsed windows runs on the next write.
const gcThreshold = 1024

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the process-local window store. Counters are not durable:
// a restart resets budgets, which is acceptable for advisory admission
// control on a single instance.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// WithClock replaces the store's clock. Test hook.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Count returns the live count for a window key, treating elapsed windows
// as zero.
func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok {
		return 0, nil
	}
	if !s.now().Before(c.expiresAt) {
		delete(s.counters, key)
		return 0, nil
	}
	return c.count, nil
}

// Increment adds one to each key, creating counters lazily. Elapsed windows
// are garbage-collected when the map grows past the threshold.
func (s *MemoryStore) Increment(_ context.Context, keys []string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, key := range keys {
		c, ok := s.counters[key]
		if !ok || !now.Before(c.expiresAt) {
			s.counters[key] = &memoryCounter{count: 1, expiresAt: expiresAt}
			continue
		}
		c.count++
	}

	if len(s.counters) > gcThreshold {
		s.sweepLocked(now)
	}
	return nil
}

// sweepLocked drops every counter whose window has elapsed. Caller holds the
// lock.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for key, c := range s.counters {
		if !now.Before(c.expiresAt) {
			delete(s.counters, key)
		}
	}
}

// Size returns the number of live counter entries.
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}
