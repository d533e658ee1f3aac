package ratelimit

import (
	"context"
	"sync"
	"time"
)

// counter is one client identity's fixed window
type counter struct {
	start  time.Time
	count  int
	denied bool
}

// MemoryStore keeps windows in process memory. Counts are not shared between
// instances; use RedisStore for that.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*counter

	now      func() time.Time
	interval time.Duration
	// longest window seen, entries idle past it are evicted
	maxWindow time.Duration
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, tests use it to step past a window.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithCleanupInterval controls how often expired windows are evicted.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewMemoryStore creates a MemoryStore and starts the background eviction
// goroutine, which stops when ctx is cancelled.
func NewMemoryStore(ctx context.Context, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		counters:  make(map[string]*counter),
		now:       time.Now,
		interval:  time.Minute,
		maxWindow: DefaultWindow,
	}
	for _, o := range opts {
		o(s)
	}
	go s.cleanup(ctx)
	return s
}

// Hit implements Store. A window expires once now reaches start+window, the
// next hit after that opens a fresh one with count 1.
func (s *MemoryStore) Hit(ctx context.Context, key string, max int, window time.Duration) (Window, error) {
	if err := ctx.Err(); err != nil {
		return Window{}, err
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if window > s.maxWindow {
		s.maxWindow = window
	}
	c, ok := s.counters[key]
	if !ok || !now.Before(c.start.Add(window)) {
		c = &counter{start: now}
		s.counters[key] = c
	}

	w := Window{ResetAt: c.start.Add(window)}
	if c.count < max {
		c.count++
		w.Count, w.Allowed = c.count, true
		return w, nil
	}
	w.Count = c.count
	w.FirstDenial = !c.denied
	c.denied = true
	return w, nil
}

// Len returns the number of tracked identities.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

func (s *MemoryStore) cleanup(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evict()
		}
	}
}

func (s *MemoryStore) evict() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.counters {
		if !now.Before(c.start.Add(s.maxWindow)) {
			delete(s.counters, key)
		}
	}
}
