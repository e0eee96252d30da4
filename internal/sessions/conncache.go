package sessions

import (
	"sync"
	"time"
)

// ConnCache is a short-TTL in-memory cache of live session connections,
// keyed by request event ID. Agents reconnect through it without a provider
// round trip; a miss falls back to Provider.Get.
type ConnCache struct {
	mu      sync.RWMutex
	entries map[string]cachedConn
	ttl     time.Duration
	now     func() time.Time

	stopOnce sync.Once
	done     chan struct{}
}

type cachedConn struct {
	session   Session
	expiresAt time.Time
}

// NewConnCache creates a cache with the given TTL. Call Close to stop the
// background eviction goroutine.
func NewConnCache(ttl time.Duration) *ConnCache {
	c := &ConnCache{
		entries: make(map[string]cachedConn),
		ttl:     ttl,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Get returns the cached session and true if a valid entry exists.
func (c *ConnCache) Get(eventID string) (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[eventID]
	if !ok || c.now().After(entry.expiresAt) {
		return Session{}, false
	}
	return entry.session, true
}

// Set stores a session with the configured TTL.
func (c *ConnCache) Set(eventID string, s Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[eventID] = cachedConn{session: s, expiresAt: c.now().Add(c.ttl)}
}

// Delete drops an entry.
func (c *ConnCache) Delete(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, eventID)
}

// Len returns the number of stored entries, expired or not.
func (c *ConnCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background eviction goroutine. Safe to call multiple times.
func (c *ConnCache) Close() {
	c.stopOnce.Do(func() { close(c.done) })
}

// evictLoop removes expired entries every minute.
func (c *ConnCache) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ConnCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, v := range c.entries {
		if now.After(v.expiresAt) {
			delete(c.entries, k)
		}
	}
}
