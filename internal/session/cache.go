package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// toolCache stores tool results keyed by (tool, argument hash) for the
// lifetime of one session. Entries die with the session, so a repeated
// tool call inside a request never issues a second external call.
type toolCache struct {
	mu      sync.RWMutex
	entries map[string]*ToolResult
}

func newToolCache() *toolCache {
	return &toolCache{entries: make(map[string]*ToolResult)}
}

// CacheKey derives the cache key for a tool invocation.
// Arguments are hashed so large payloads don't bloat the key space.
func CacheKey(tool string, args json.RawMessage) string {
	sum := sha256.Sum256(args)
	return tool + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached result for the key, if present.
func (c *toolCache) Get(key string) (*ToolResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[key]
	return res, ok
}

// Put stores a result. Only successful results are cached so transient
// failures are retried on the next identical call.
func (c *toolCache) Put(key string, res *ToolResult) {
	if res == nil || !res.OK {
		return
	}

	c.mu.Lock()
	c.entries[key] = res
	c.mu.Unlock()
}

// Len returns the number of cached results.
func (c *toolCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
