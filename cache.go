package mcpscout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// matchCache holds complete result sets keyed by a digest of the inputs.
// Entries are written once and never patched; expiry means the whole set is
// recomputed.
type matchCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	results   []MatchResult
	createdAt time.Time
}

func newMatchCache(ttl time.Duration) *matchCache {
	return &matchCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *matchCache) get(key string) ([]MatchResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.results, true
}

func (c *matchCache) put(key string, results []MatchResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{results: results, createdAt: c.now()}
}

// cacheKey digests the requirement list together with a capability-pool
// snapshot. Pool iteration order is randomized by the runtime, so server IDs
// are sorted first to keep the key stable for identical inputs.
func cacheKey(requirements []Requirement, pool CapabilityPool) string {
	h := sha256.New()

	enc := json.NewEncoder(h)
	for _, req := range requirements {
		_ = enc.Encode(req)
	}

	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		entry := pool[id]
		_ = enc.Encode(entry.ServerInfo)
		for _, cap := range entry.Capabilities() {
			_ = enc.Encode(cap)
		}
	}

	return hex.EncodeToString(h.Sum(nil))
}
