package ratelimit

import (
	"context"
	"sync"
	"time"
)

// entry is a single counter value.
type entry struct {
	n         int64
	expiresAt time.Time // zero means no expiry
}

// MemoryCounter implements Counter with an in-process map.
//
// A background goroutine evicts expired entries every minute to bound
// memory. Counts are not shared across processes.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryCounter creates an in-memory counter. Call Close to stop the
// eviction goroutine.
func NewMemoryCounter() *MemoryCounter {
	m := &MemoryCounter{
		entries: make(map[string]*entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Incr increments key and returns the new value. An expired entry restarts
// from zero.
func (m *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || e.expired(now) {
		e = &entry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		m.entries[key] = e
	}
	e.n++
	return e.n, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryCounter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// cleanup periodically evicts expired entries.
func (m *MemoryCounter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryCounter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, e := range m.entries {
		if e.expired(now) {
			delete(m.entries, key)
		}
	}
}
