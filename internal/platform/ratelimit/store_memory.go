package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps window counters in process memory. Suitable for a
// single instance; multi-instance deployments want the redis store so all
// instances share one budget.
type MemoryStore struct {
	mu       sync.RWMutex
	counters map[string]*counter
	done     chan struct{}
}

type counter struct {
	mu        sync.Mutex
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates the store and starts a background goroutine that
// drops counters for windows that have rolled over.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		counters: make(map[string]*counter),
		done:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c := s.get(key, ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return c.count, nil
}

func (s *MemoryStore) get(key string, ttl time.Duration) *counter {
	s.mu.RLock()
	c, ok := s.counters[key]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Double-check after acquiring write lock
	if c, ok := s.counters[key]; ok {
		return c
	}
	c = &counter{expiresAt: time.Now().Add(ttl)}
	s.counters[key] = c
	return c
}

// Len returns the number of live counters.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.counters)
}

// Close stops the background cleanup goroutine. Safe to call more than
// once; only the first call has effect.
func (s *MemoryStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryStore) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, c := range s.counters {
		if now.After(c.expiresAt) {
			delete(s.counters, key)
		}
	}
}
