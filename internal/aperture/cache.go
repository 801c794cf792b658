package aperture

import (
	"sync"

	"github.com/danhey/photometry/internal/stamp"
)

type cacheKey struct {
	target      string
	version     string
	fingerprint string
}

// Cache memoizes masks per target, policy version and stamp content.
type Cache struct {
	mu      sync.Mutex
	entries map[cacheKey]Mask
	limit   int
	hits    int
	misses  int
}

func NewCache(limit int) *Cache {
	if limit <= 0 {
		limit = 1024
	}
	return &Cache{entries: make(map[cacheKey]Mask), limit: limit}
}

// Select returns the cached mask for s under policy, computing it on a miss.
func (c *Cache) Select(s *stamp.Stamp, policy Policy) (Mask, error) {
	if c == nil || s == nil {
		return Select(s, policy)
	}
	key := cacheKey{target: s.TargetID, version: policy.PolicyVersion(), fingerprint: s.Fingerprint()}

	c.mu.Lock()
	if m, ok := c.entries[key]; ok {
		c.hits++
		c.mu.Unlock()
		return m.clone(), nil
	}
	c.misses++
	c.mu.Unlock()

	m, err := Select(s, policy)
	if err != nil {
		return Mask{}, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.limit {
		c.entries = make(map[cacheKey]Mask)
	}
	c.entries[key] = m.clone()
	c.mu.Unlock()
	return m, nil
}

// Stats returns cache hits and misses so far.
func (c *Cache) Stats() (hits, misses int) {
	if c == nil {
		return 0, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
