// Package cache serves repeated reads of sealed batch data from memory.
// Once a batch is finalized its proofs and anchor payload only change when
// the batch itself is written to, so those GET responses are cached per
// batch and dropped on any successful write under the same batch.
package cache

import (
	"strings"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/spinachchain/spinachchain/pkg/metrics"
)

// ResponseCache stores response bodies keyed by request URI, grouped by
// batch ID for invalidation.
//
// Lock order is writeMu, then the LRU's internal lock, then mu. onEvict
// runs under the LRU lock and only takes mu.
type ResponseCache struct {
	lru     *expirable.LRU[string, []byte]
	metrics *metrics.Metrics

	// writeMu serializes stores against invalidation.
	writeMu sync.Mutex
	gens    map[string]uint64
	epoch   uint64

	mu      sync.Mutex
	byBatch map[string]map[string]struct{}
}

// New creates a ResponseCache. It returns nil when cfg is nil or disabled;
// all methods are safe on a nil receiver.
func New(cfg *Config, m *metrics.Metrics) *ResponseCache {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	size := cfg.MaxSize
	if size < 1 {
		size = 1
	}
	c := &ResponseCache{
		metrics: m,
		gens:    make(map[string]uint64),
		byBatch: make(map[string]map[string]struct{}),
	}
	c.lru = expirable.NewLRU[string, []byte](size, c.onEvict, cfg.TTL)
	return c
}

// Get returns the cached body for key.
func (c *ResponseCache) Get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	body, ok := c.lru.Get(key)
	if ok {
		c.metrics.CacheLookup("hit")
	} else {
		c.metrics.CacheLookup("miss")
	}
	return body, ok
}

// Set stores body under key and indexes it by batchID.
func (c *ResponseCache) Set(batchID, key string, body []byte) {
	if c == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.store(batchID, key, body)
}

// Generation returns a token that changes whenever batchID is invalidated
// or the cache is purged.
func (c *ResponseCache) Generation(batchID string) uint64 {
	if c == nil {
		return 0
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.epoch + c.gens[batchID]
}

// SetIfCurrent stores body like Set unless batchID was invalidated after
// gen was read from Generation. It reports whether the body was stored.
func (c *ResponseCache) SetIfCurrent(batchID, key string, body []byte, gen uint64) bool {
	if c == nil {
		return false
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.epoch+c.gens[batchID] != gen {
		return false
	}
	c.store(batchID, key, body)
	return true
}

func (c *ResponseCache) store(batchID, key string, body []byte) {
	c.mu.Lock()
	keys, ok := c.byBatch[batchID]
	if !ok {
		keys = make(map[string]struct{})
		c.byBatch[batchID] = keys
	}
	keys[key] = struct{}{}
	c.mu.Unlock()

	c.lru.Add(key, body)
}

// InvalidateBatch drops every entry cached for batchID.
func (c *ResponseCache) InvalidateBatch(batchID string) {
	if c == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.gens[batchID]++

	c.mu.Lock()
	keys := c.byBatch[batchID]
	delete(c.byBatch, batchID)
	c.mu.Unlock()

	for key := range keys {
		c.lru.Remove(key)
	}
}

// Purge drops every entry.
func (c *ResponseCache) Purge() {
	if c == nil {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch++
	c.lru.Purge()
	c.mu.Lock()
	c.byBatch = make(map[string]map[string]struct{})
	c.mu.Unlock()
}

// Len returns the number of cached entries, expired ones included until
// they are reaped.
func (c *ResponseCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// onEvict keeps the batch index in step with LRU and TTL eviction. It runs
// under the LRU's lock, so it must not call back into the LRU.
func (c *ResponseCache) onEvict(key string, _ []byte) {
	batchID := batchFromKey(key)
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.byBatch[batchID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byBatch, batchID)
		}
	}
}

// batchFromKey extracts the batch ID from a request URI of the form
// .../batches/{batchId}/...
func batchFromKey(key string) string {
	if i := strings.IndexByte(key, '?'); i >= 0 {
		key = key[:i]
	}
	_, rest, ok := strings.Cut(key, "/batches/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
