package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// BundleCache memoises compilation per spec content hash. Bounded, with at
// most one compile in flight per key; spec compile determinism (same spec,
// same bundle within a process lifetime) falls out of the memoisation.
type BundleCache struct {
	registry *Registry

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string
	max     int
}

type cacheEntry struct {
	once       sync.Once
	bundle     *Bundle
	violations []Violation
}

// NewBundleCache builds a cache over registry holding at most max entries.
func NewBundleCache(registry *Registry, max int) *BundleCache {
	if max <= 0 {
		max = 256
	}
	return &BundleCache{
		registry: registry,
		entries:  make(map[string]*cacheEntry),
		max:      max,
	}
}

// ContentHash is the memoisation key: a SHA-256 over the canonical JSON
// rendering of the spec (encoding/json sorts map keys, so the rendering is
// deterministic).
func ContentHash(s *AgentSpec) string {
	data, _ := json.Marshal(s)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compile returns the memoised bundle for the spec, compiling at most once
// per content hash.
func (c *BundleCache) Compile(s *AgentSpec) (*Bundle, []Violation) {
	key := ContentHash(s)

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &cacheEntry{}
		c.entries[key] = entry
		c.order = append(c.order, key)
		if len(c.order) > c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
	}
	c.mu.Unlock()

	entry.once.Do(func() {
		entry.bundle, entry.violations = c.registry.Compile(s)
	})
	return entry.bundle, entry.violations
}
