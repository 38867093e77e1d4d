package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
)

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// MemoryStore is the single-process CounterStore used when Redis is not
// configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	windows map[string]*memoryWindow
	ops     int
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.System()
	}
	return &MemoryStore{clock: c, windows: map[string]*memoryWindow{}}
}

func (s *MemoryStore) Take(_ context.Context, key string, capacity int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweep(now)

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expiresAt) {
		w = &memoryWindow{expiresAt: now.Add(ttl)}
		s.windows[key] = w
	}
	if w.count >= capacity {
		return w.count, false, nil
	}
	w.count++
	return w.count, true, nil
}

func (s *MemoryStore) Peek(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || !s.clock.Now().Before(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}

func (s *MemoryStore) sweep(now time.Time) {
	s.ops++
	if s.ops%1024 != 0 {
		return
	}
	for key, w := range s.windows {
		if !now.Before(w.expiresAt) {
			delete(s.windows, key)
		}
	}
}
