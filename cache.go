package fasq

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"
)

// CacheEntry is one cached value with its freshness and lifetime metadata.
// Entries are shared between queries for the same key and may outlive the
// query object that wrote them.
type CacheEntry struct {
	Data      any
	Err       error
	FetchedAt time.Time
	// StaleTime is the window after FetchedAt during which the entry is
	// fresh. Stale entries may still be served while a refetch runs.
	StaleTime time.Duration
	// CacheTime is how long the entry survives after its query becomes
	// unreferenced.
	CacheTime time.Duration
	// IsSecure excludes the entry from persistence and logging and makes it
	// eligible for eager clearing on app backgrounding/termination.
	IsSecure bool
	// ExpiresAt is the hard expiry deadline derived from MaxAge; zero means
	// no hard expiry. An expired entry is never fresh.
	ExpiresAt time.Time
}

// IsExpired reports whether the entry passed its hard expiry at now.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// IsFresh reports whether the entry is within its staleness window at now.
// Expired entries are never fresh.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	if e.IsExpired(now) {
		return false
	}
	return now.Before(e.FetchedAt.Add(e.StaleTime))
}

// SetOptions carries per-write entry metadata for CacheStore.Set.
type SetOptions struct {
	StaleTime time.Duration
	CacheTime time.Duration
	IsSecure  bool
	// MaxAge, when positive, sets a hard expiry of now+MaxAge.
	MaxAge time.Duration
}

// CacheStats tracks store activity. Counters are always on; the prometheus
// collector mirrors them when configured.
type CacheStats struct {
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
}

// Hits returns the hit count.
func (s *CacheStats) Hits() int64 { return atomic.LoadInt64(&s.hits) }

// Misses returns the miss count.
func (s *CacheStats) Misses() int64 { return atomic.LoadInt64(&s.misses) }

// Evictions returns the capacity-eviction count.
func (s *CacheStats) Evictions() int64 { return atomic.LoadInt64(&s.evictions) }

// Expirations returns the lazy-expiry count.
func (s *CacheStats) Expirations() int64 { return atomic.LoadInt64(&s.expirations) }

type storeItem struct {
	key      QueryKey
	entry    *CacheEntry
	accesses uint64
}

// CacheStore is a key/value store of cache entries with TTL-based freshness
// and pluggable eviction. It is safe for concurrent use and independent of
// any single query.
type CacheStore struct {
	mu         sync.Mutex
	maxEntries int
	policy     EvictionPolicy
	items      map[QueryKey]*list.Element
	order      *list.List // front = most recently used (LRU) / newest insert (FIFO)
	stats      *CacheStats
	metrics    *MetricsCollector
	onEvict    func(key QueryKey, entry *CacheEntry)
	now        func() time.Time
}

// NewCacheStore creates a store with the given capacity and eviction policy.
// maxEntries <= 0 means unbounded.
func NewCacheStore(maxEntries int, policy EvictionPolicy) *CacheStore {
	return &CacheStore{
		maxEntries: maxEntries,
		policy:     policy,
		items:      make(map[QueryKey]*list.Element),
		order:      list.New(),
		stats:      &CacheStats{},
		now:        time.Now,
	}
}

// Stats returns the store's live counters.
func (c *CacheStore) Stats() *CacheStats { return c.stats }

// Get returns the entry for key, or nil on miss. An expired entry is removed
// and reported as a miss. Access updates recency/frequency bookkeeping for
// the eviction policy.
func (c *CacheStore) Get(key QueryKey) *CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.items[key]
	if !ok {
		c.miss()
		return nil
	}

	item := element.Value.(*storeItem)
	if item.entry.IsExpired(c.now()) {
		c.removeElement(element)
		atomic.AddInt64(&c.stats.expirations, 1)
		if c.metrics != nil {
			c.metrics.RecordCacheExpiration()
		}
		c.miss()
		return nil
	}

	item.accesses++
	if c.policy == EvictLRU {
		c.order.MoveToFront(element)
	}

	atomic.AddInt64(&c.stats.hits, 1)
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	return item.entry
}

// Set writes data for key, replacing any existing entry, and evicts per the
// configured policy when capacity is exceeded.
func (c *CacheStore) Set(key QueryKey, data any, opts SetOptions) {
	now := c.now()
	entry := &CacheEntry{
		Data:      data,
		FetchedAt: now,
		StaleTime: opts.StaleTime,
		CacheTime: opts.CacheTime,
		IsSecure:  opts.IsSecure,
	}
	if opts.MaxAge > 0 {
		entry.ExpiresAt = now.Add(opts.MaxAge)
	}
	c.SetEntry(key, entry)
}

// SetEntry writes a prepared entry for key.
func (c *CacheStore) SetEntry(key QueryKey, entry *CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.items[key]; ok {
		item := element.Value.(*storeItem)
		item.entry = entry
		if c.policy != EvictFIFO {
			// Rewrites refresh recency but keep FIFO insertion order.
			c.order.MoveToFront(element)
		}
	} else {
		element := c.order.PushFront(&storeItem{key: key, entry: entry})
		c.items[key] = element
	}

	for c.maxEntries > 0 && len(c.items) > c.maxEntries {
		c.evictOne()
	}

	if c.metrics != nil {
		c.metrics.SetCacheSize(len(c.items))
	}
}

// MarkStale zeroes the freshness window of key's entry so the next read
// triggers a refetch. The data itself stays servable (stale-while-revalidate).
// Entries are immutable once published; the item swaps to a stale copy so
// readers holding the old pointer stay race-free.
func (c *CacheStore) MarkStale(key QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[key]; ok {
		item := element.Value.(*storeItem)
		stale := *item.entry
		stale.FetchedAt = time.Time{}
		item.entry = &stale
	}
}

// Remove deletes the entry for key if present.
func (c *CacheStore) Remove(key QueryKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[key]; ok {
		c.removeElement(element)
	}
}

// Clear removes all entries.
func (c *CacheStore) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[QueryKey]*list.Element)
	c.order.Init()
	if c.metrics != nil {
		c.metrics.SetCacheSize(0)
	}
}

// ClearSecureEntries removes only secure entries, leaving the rest intact.
// Intended to be called when the application is backgrounded or terminated.
func (c *CacheStore) ClearSecureEntries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if element.Value.(*storeItem).entry.IsSecure {
			c.removeElement(element)
		}
		element = next
	}
}

// Len returns the number of stored entries.
func (c *CacheStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns all stored keys in eviction-order (front first).
func (c *CacheStore) Keys() []QueryKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]QueryKey, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		keys = append(keys, element.Value.(*storeItem).key)
	}
	return keys
}

func (c *CacheStore) miss() {
	atomic.AddInt64(&c.stats.misses, 1)
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}

// evictOne removes one entry according to the configured policy. Caller
// holds the lock.
func (c *CacheStore) evictOne() {
	var victim *list.Element
	switch c.policy {
	case EvictLFU:
		var minAccesses uint64
		for element := c.order.Back(); element != nil; element = element.Prev() {
			item := element.Value.(*storeItem)
			if victim == nil || item.accesses < minAccesses {
				victim = element
				minAccesses = item.accesses
			}
		}
	default:
		// LRU: back is least recently used. FIFO: back is oldest insert.
		victim = c.order.Back()
	}
	if victim == nil {
		return
	}
	c.removeElement(victim)
	atomic.AddInt64(&c.stats.evictions, 1)
	if c.metrics != nil {
		c.metrics.RecordCacheEviction()
	}
}

// removeElement unlinks an element from both structures. Caller holds the lock.
func (c *CacheStore) removeElement(element *list.Element) {
	item := element.Value.(*storeItem)
	delete(c.items, item.key)
	c.order.Remove(element)
	if c.onEvict != nil {
		c.onEvict(item.key, item.entry)
	}
	if c.metrics != nil {
		c.metrics.SetCacheSize(len(c.items))
	}
}
