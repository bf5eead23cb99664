package platform

import (
	"sync"
	"time"

	"github.com/sawpanic/tokenwatch/internal/types"
)

// DetectorCache memoizes detections by mint with LRU eviction once
// maxEntries is reached, the way internal/data/cache's TTL cache does for
// provider responses.
type DetectorCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	ttl        time.Duration

	stopCh chan struct{}
	once   sync.Once
}

type cacheEntry struct {
	detection types.Detection
	expires   time.Time
	accessed  time.Time
}

// NewDetectorCache creates a cache with the given capacity and TTL. A
// background goroutine sweeps expired entries every minute; call Shutdown
// to stop it.
func NewDetectorCache(maxEntries int, ttl time.Duration) *DetectorCache {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	c := &DetectorCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
		stopCh:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached detection for mint if present and unexpired,
// marking the entry as the most recently accessed.
func (c *DetectorCache) Get(mint string) (types.Detection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[mint]
	if !ok || time.Now().After(e.expires) {
		return types.Detection{}, false
	}
	e.accessed = time.Now()
	return e.detection, true
}

// Set stores a detection for mint, evicting the least-recently-accessed
// entry first if at capacity.
func (c *DetectorCache) Set(mint string, d types.Detection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	now := time.Now()
	c.entries[mint] = &cacheEntry{
		detection: d,
		expires:   now.Add(c.ttl),
		accessed:  now,
	}
}

// Clear removes every cached entry.
func (c *DetectorCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}

// Shutdown stops the background sweep. Safe to call more than once.
func (c *DetectorCache) Shutdown() {
	c.once.Do(func() { close(c.stopCh) })
}

func (c *DetectorCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, e := range c.entries {
		if first || e.accessed.Before(oldestTime) {
			oldestKey, oldestTime, first = k, e.accessed, false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

func (c *DetectorCache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *DetectorCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
