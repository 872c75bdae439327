// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package vmem

import (
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"
)

// CacheStats are page cache counters.
type CacheStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64

	PhysicalEntries int
	PTEEntries      int
}

// cacheKey tells physical addresses and PTE values apart in the shared LRU.
type cacheKey struct {
	key   uint64
	byPTE bool
}

// PageCache holds resolved pages keyed by physical address and by raw PTE value.
//
// Entries are write-once. With a limit the least recently used pages of
// both kinds are evicted, the snapshot being immutable re-resolution yields the same bytes.
type PageCache struct {
	mu sync.Mutex

	lru *simplelru.LRU

	stats CacheStats
	// clearing suppresses eviction accounting while purging
	clearing bool
}

// NewPageCache creates a page cache holding at most limit pages, zero means unbounded.
func NewPageCache(limit int) *PageCache {
	if limit <= 0 {
		limit = math.MaxInt
	}

	c := &PageCache{}

	// fails only for non-positive sizes
	c.lru, _ = simplelru.NewLRU(limit, c.evicted) //nolint:errcheck

	return c
}

// Physical returns the page at the physical address.
func (c *PageCache) Physical(addr uint64) ([]byte, bool) {
	return c.get(cacheKey{key: addr})
}

// PTE returns the page decoded for the raw PTE value.
func (c *PageCache) PTE(pte uint64) ([]byte, bool) {
	return c.get(cacheKey{key: pte, byPTE: true})
}

// StorePhysical caches the page at the physical address.
func (c *PageCache) StorePhysical(addr uint64, data []byte) {
	c.put(cacheKey{key: addr}, data)
}

// StorePTE caches the page decoded for the raw PTE value.
func (c *PageCache) StorePTE(pte uint64, data []byte) {
	c.put(cacheKey{key: pte, byPTE: true}, data)
}

func (c *PageCache) get(key cacheKey) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.lru.Get(key)
	if !ok {
		c.stats.Misses++

		return nil, false
	}

	c.stats.Hits++

	return v.([]byte), true //nolint:forcetypeassert
}

func (c *PageCache) put(key cacheKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lru.Contains(key) {
		return
	}

	c.lru.Add(key, data)
	c.count(key, 1)
}

// evicted is called by the LRU with c.mu held.
func (c *PageCache) evicted(k, _ any) {
	c.count(k.(cacheKey), -1) //nolint:forcetypeassert

	if !c.clearing {
		c.stats.Evictions++
	}
}

func (c *PageCache) count(key cacheKey, delta int) {
	if key.byPTE {
		c.stats.PTEEntries += delta
	} else {
		c.stats.PhysicalEntries += delta
	}
}

// Len returns the number of cached pages.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// Stats returns the cache counters.
func (c *PageCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stats
}

// Clear drops all cached pages.
func (c *PageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearing = true
	c.lru.Purge()
	c.clearing = false
}
