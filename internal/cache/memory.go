package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// MemoryCache is the in-process product/image cache the UI reads from.
// Entries expire naturally after their TTL; the invalidator drops them early
// when fresh data lands.
type MemoryCache struct {
	mu       sync.RWMutex
	ttl      time.Duration
	products map[string]memoryEntry
	images   map[string]memoryEntry
}

type memoryEntry struct {
	value   json.RawMessage
	expires time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &MemoryCache{
		ttl:      ttl,
		products: make(map[string]memoryEntry),
		images:   make(map[string]memoryEntry),
	}
}

func (c *MemoryCache) PutProduct(upc string, v json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[upc] = memoryEntry{value: v, expires: time.Now().Add(c.ttl)}
}

func (c *MemoryCache) GetProduct(upc string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.products[upc]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) PutImage(upc string, v json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images[upc] = memoryEntry{value: v, expires: time.Now().Add(c.ttl)}
}

func (c *MemoryCache) GetImage(upc string) (json.RawMessage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.images[upc]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) InvalidateProduct(upc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.products, upc)
}

func (c *MemoryCache) InvalidateImage(upc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, upc)
}
