package service

import (
	"sync"
	"time"
)

// DedupCache remembers keys for a fixed window. It suppresses requests
// and messages delivered more than once by the transport.
type DedupCache struct {
	mu      sync.Mutex
	clock   Clock
	ttl     time.Duration
	entries map[string]time.Time
}

// NewDedupCache creates a cache whose entries live for ttl
func NewDedupCache(clock Clock, ttl time.Duration) *DedupCache {
	if clock == nil {
		clock = SystemClock
	}
	return &DedupCache{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[string]time.Time),
	}
}

// Seen reports whether key was recorded inside the window. A key that was
// not seen, or whose entry has expired, is recorded and false is returned.
func (c *DedupCache) Seen(key string) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.entries[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.entries[key] = now
	return false
}

// Forget drops key so the next Seen records it again
func (c *DedupCache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// SetTTL changes the window for entries checked from now on
func (c *DedupCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Sweep evicts expired entries and returns how many were removed
func (c *DedupCache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, at := range c.entries {
		if now.Sub(at) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired or not
func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
