package bo

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// Default cache limits.
const (
	// DefaultCacheMaxMB is the default budget of idle cached blocks (64 MB).
	DefaultCacheMaxMB = 64

	// DefaultCacheTime is how long a freed block stays reusable.
	DefaultCacheTime = 2 * time.Second
)

// CacheStats contains block cache statistics.
type CacheStats struct {
	// CachedCount is the number of idle blocks held for reuse.
	CachedCount int

	// CachedBytes is the total size of the held blocks.
	CachedBytes uint64

	// BudgetBytes is the cache budget.
	BudgetBytes uint64

	// Hits and Misses count Get outcomes.
	Hits   uint64
	Misses uint64

	// EvictionCount is the number of blocks released by age or budget.
	EvictionCount uint64
}

// String returns a human-readable string of cache stats.
func (s CacheStats) String() string {
	return fmt.Sprintf("BOCache[%d blocks, %d/%d KB, %d hits, %d misses, %d evictions]",
		s.CachedCount,
		s.CachedBytes/1024,
		s.BudgetBytes/1024,
		s.Hits,
		s.Misses,
		s.EvictionCount)
}

// cacheEntry tracks a freed block with LRU information.
type cacheEntry struct {
	bo      *BO
	freedAt time.Time
	element *list.Element // position in lru
}

// CacheConfig holds configuration for a block cache.
type CacheConfig struct {
	// MaxMB is the cache budget in megabytes. Defaults to
	// DefaultCacheMaxMB if <= 0.
	MaxMB int

	// CacheTime is the maximum age of a cached block. Defaults to
	// DefaultCacheTime if <= 0.
	CacheTime time.Duration

	// Disabled turns the cache off: freed blocks go straight back to the
	// kernel.
	Disabled bool
}

// Cache keeps recently freed private blocks for reuse, bucketed by page
// count. Eviction releases the oldest blocks first.
//
// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	release func(*BO)
	now     func() time.Time

	budgetBytes uint64
	usedBytes   uint64
	cacheTime   time.Duration

	// buckets holds entries per page count, oldest first.
	buckets map[uint32][]*cacheEntry

	// lru: front = most recently freed, back = oldest.
	lru *list.List

	hits, misses  uint64
	evictionCount uint64
}

// NewCache creates a cache that hands evicted blocks to release.
func NewCache(config CacheConfig, release func(*BO)) *Cache {
	maxMB := config.MaxMB
	if maxMB <= 0 {
		maxMB = DefaultCacheMaxMB
	}
	cacheTime := config.CacheTime
	if cacheTime <= 0 {
		cacheTime = DefaultCacheTime
	}

	//nolint:gosec // G115: maxMB is positive
	return &Cache{
		release:     release,
		now:         time.Now,
		budgetBytes: uint64(maxMB) * 1024 * 1024,
		cacheTime:   cacheTime,
		buckets:     make(map[uint32][]*cacheEntry),
		lru:         list.New(),
	}
}

// Get returns a cached block of exactly size bytes (page aligned) that
// idle reports as not in use by the GPU, or nil.
func (c *Cache) Get(size uint32, idle func(*BO) bool) *BO {
	c.mu.Lock()
	defer c.mu.Unlock()

	pages := size / PageSize
	bucket := c.buckets[pages]
	if len(bucket) == 0 {
		c.misses++
		return nil
	}

	// Only the oldest entry is considered: if it is still busy, younger
	// ones will be too.
	entry := bucket[0]
	if idle != nil && !idle(entry.bo) {
		c.misses++
		return nil
	}

	c.removeLocked(entry)
	c.hits++
	return entry.bo
}

// Put stores a freed block and releases blocks that are too old or over
// budget.
func (c *Cache) Put(b *BO) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &cacheEntry{bo: b, freedAt: now}
	entry.element = c.lru.PushFront(entry)
	pages := b.Size / PageSize
	c.buckets[pages] = append(c.buckets[pages], entry)
	c.usedBytes += uint64(b.Size)

	c.evictLocked(now)
}

// Flush releases every cached block.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.lru.Len() > 0 {
		c.evictBackLocked()
	}
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		CachedCount:   c.lru.Len(),
		CachedBytes:   c.usedBytes,
		BudgetBytes:   c.budgetBytes,
		Hits:          c.hits,
		Misses:        c.misses,
		EvictionCount: c.evictionCount,
	}
}

// evictLocked drops stale entries and enforces the budget. Caller must
// hold mu.
func (c *Cache) evictLocked(now time.Time) {
	for c.lru.Len() > 0 {
		elem := c.lru.Back()
		entry, ok := elem.Value.(*cacheEntry)
		if !ok {
			c.lru.Remove(elem)
			continue
		}
		if now.Sub(entry.freedAt) <= c.cacheTime && c.usedBytes <= c.budgetBytes {
			return
		}
		c.evictBackLocked()
	}
}

// evictBackLocked releases the oldest entry. Caller must hold mu.
func (c *Cache) evictBackLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	entry, ok := elem.Value.(*cacheEntry)
	if !ok {
		c.lru.Remove(elem)
		return
	}
	c.removeLocked(entry)
	c.evictionCount++
	if c.release != nil {
		c.release(entry.bo)
	}
}

// removeLocked unlinks an entry from the lru and its bucket. Caller must
// hold mu.
func (c *Cache) removeLocked(entry *cacheEntry) {
	if entry.element != nil {
		c.lru.Remove(entry.element)
		entry.element = nil
	}

	pages := entry.bo.Size / PageSize
	bucket := c.buckets[pages]
	for i, e := range bucket {
		if e == entry {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(c.buckets, pages)
	} else {
		c.buckets[pages] = bucket
	}
	c.usedBytes -= uint64(entry.bo.Size)
}
