// Package cache provides a small TTL cache for license status reads.
//
// It is deliberately separate from the store: correctness-critical paths
// (quota transactions, offline approvals) never read through it, and every
// mutation invalidates the affected key. It only shields the store from
// repeated status polls.
package cache

import (
	"sync"
	"time"

	"github.com/keyfortio/keyfort/internal/store"
)

// Entry is a cached license with bookkeeping for eviction and stats.
type Entry struct {
	License   store.License `json:"license"`
	CachedAt  time.Time     `json:"cached_at"`
	ExpiresAt time.Time     `json:"expires_at"`
	HitCount  int           `json:"hit_count"`
}

// LicenseCache caches license records by key with a fixed TTL and a hard
// size bound.
type LicenseCache struct {
	entries   map[string]Entry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// New creates a license cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int) *LicenseCache {
	c := &LicenseCache{
		entries:  make(map[string]Entry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// Get retrieves a cached license by key.
func (c *LicenseCache) Get(licenseKey string) (*store.License, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[licenseKey]
	if !exists || time.Now().After(entry.ExpiresAt) {
		c.missCount++
		return nil, false
	}

	entry.HitCount++
	c.entries[licenseKey] = entry
	c.hitCount++

	lic := entry.License
	return &lic, true
}

// Set stores a license in the cache.
func (c *LicenseCache) Set(licenseKey string, l store.License) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[licenseKey] = Entry{
		License:   l,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(c.ttl),
	}
}

// Invalidate removes a license from the cache. Called after every
// state-affecting mutation so stale status is bounded by the mutation,
// not the TTL.
func (c *LicenseCache) Invalidate(licenseKey string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, licenseKey)
}

// Stats returns cache hit/miss statistics.
func (c *LicenseCache) Stats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *LicenseCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop terminates the background sweeper.
func (c *LicenseCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *LicenseCache) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.ExpiresAt) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
