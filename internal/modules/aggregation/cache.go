package aggregation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache is a short-TTL in-memory cache for display rollups. Staleness within
// the TTL is acceptable for read-time summaries only; persisted engine
// outputs are always freshly computed and must not go through this cache.
type Cache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value   interface{}
	expires time.Time
}

// NewCache creates a rollup cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

// CacheKey builds a deterministic key from (portfolio, function, filter
// signature). Filter parts are sorted so argument order never splits the key.
func CacheKey(portfolioID int64, function string, filterParts ...string) string {
	sorted := make([]string, len(filterParts))
	copy(sorted, filterParts)
	sort.Strings(sorted)

	h := sha256.Sum256([]byte(strings.Join(sorted, ",")))
	return fmt.Sprintf("%d:%s:%s", portfolioID, function, hex.EncodeToString(h[:16]))
}

// GetOrCompute returns the cached value for key if it is still fresh,
// otherwise runs compute, stores the result and returns it.
func (c *Cache) GetOrCompute(key string, compute func() (interface{}, error)) (interface{}, error) {
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expires) {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return value, nil
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Len returns the number of entries currently held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
