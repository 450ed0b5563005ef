package fasq

import (
	"testing"
	"time"
)

func TestCacheStoreSetGet(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)

	c.Set("a", "value", SetOptions{StaleTime: time.Minute})

	entry := c.Get("a")
	if entry == nil {
		t.Fatal("Get() returned nil for existing key")
	}
	if entry.Data != "value" {
		t.Errorf("Expected data %q, got %v", "value", entry.Data)
	}
	if !entry.IsFresh(time.Now()) {
		t.Error("Expected entry to be fresh within staleTime")
	}
}

func TestCacheStoreMiss(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)

	if entry := c.Get("missing"); entry != nil {
		t.Errorf("Expected nil for missing key, got %+v", entry)
	}
	if c.Stats().Misses() != 1 {
		t.Errorf("Expected 1 miss, got %d", c.Stats().Misses())
	}
}

func TestCacheStoreStaleness(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{StaleTime: 20 * time.Millisecond})

	entry := c.Get("a")
	if !entry.IsFresh(time.Now()) {
		t.Error("Expected entry fresh immediately after Set")
	}

	time.Sleep(30 * time.Millisecond)
	entry = c.Get("a")
	if entry == nil {
		t.Fatal("Stale entry should still be served")
	}
	if entry.IsFresh(time.Now()) {
		t.Error("Expected entry stale after staleTime elapsed")
	}
}

func TestCacheStoreHardExpiry(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{StaleTime: time.Hour, MaxAge: 15 * time.Millisecond})

	if c.Get("a") == nil {
		t.Fatal("Expected entry before expiry")
	}

	time.Sleep(25 * time.Millisecond)
	if entry := c.Get("a"); entry != nil {
		t.Errorf("Expected nil for expired entry, got %+v", entry)
	}
	if c.Len() != 0 {
		t.Errorf("Expected expired entry evicted, len=%d", c.Len())
	}
	if c.Stats().Expirations() != 1 {
		t.Errorf("Expected 1 expiration, got %d", c.Stats().Expirations())
	}
}

func TestCacheEntryExpiredNeverFresh(t *testing.T) {
	entry := &CacheEntry{
		FetchedAt: time.Now(),
		StaleTime: time.Hour,
		ExpiresAt: time.Now().Add(-time.Second),
	}
	if !entry.IsExpired(time.Now()) {
		t.Fatal("Expected entry expired")
	}
	if entry.IsFresh(time.Now()) {
		t.Error("An expired entry must never be fresh")
	}
}

func TestCacheStoreLRUEviction(t *testing.T) {
	c := NewCacheStore(2, EvictLRU)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	c.Get("a") // a becomes most recently used
	c.Set("c", 3, SetOptions{})

	if c.Get("b") != nil {
		t.Error("Expected b evicted (least recently used)")
	}
	if c.Get("a") == nil {
		t.Error("Expected a retained")
	}
	if c.Get("c") == nil {
		t.Error("Expected c retained")
	}
	if c.Stats().Evictions() != 1 {
		t.Errorf("Expected 1 eviction, got %d", c.Stats().Evictions())
	}
}

func TestCacheStoreLFUEviction(t *testing.T) {
	c := NewCacheStore(2, EvictLFU)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	c.Get("a")
	c.Get("a")
	c.Get("b")
	c.Set("c", 3, SetOptions{})

	if c.Get("b") != nil {
		t.Error("Expected b evicted (least frequently used)")
	}
	if c.Get("a") == nil {
		t.Error("Expected a retained")
	}
}

func TestCacheStoreFIFOEviction(t *testing.T) {
	c := NewCacheStore(2, EvictFIFO)

	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})
	c.Get("a") // access must not matter for FIFO
	c.Set("c", 3, SetOptions{})

	if c.Get("a") != nil {
		t.Error("Expected a evicted (oldest insert)")
	}
	if c.Get("b") == nil {
		t.Error("Expected b retained")
	}
}

func TestCacheStoreClearSecureEntries(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)

	c.Set("public", 1, SetOptions{})
	c.Set("token", "secret", SetOptions{IsSecure: true})
	c.Set("session", "secret2", SetOptions{IsSecure: true})

	c.ClearSecureEntries()

	if c.Get("token") != nil || c.Get("session") != nil {
		t.Error("Expected secure entries cleared")
	}
	if c.Get("public") == nil {
		t.Error("Expected non-secure entry untouched")
	}
}

func TestCacheStoreMarkStale(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{StaleTime: time.Hour})

	c.MarkStale("a")

	entry := c.Get("a")
	if entry == nil {
		t.Fatal("MarkStale must not remove the entry")
	}
	if entry.IsFresh(time.Now()) {
		t.Error("Expected entry stale after MarkStale")
	}
}

func TestCacheStoreMarkStaleLeavesPublishedEntryUntouched(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{StaleTime: time.Hour})

	published := c.Get("a")
	c.MarkStale("a")

	if !published.IsFresh(time.Now()) {
		t.Error("Entries must be immutable once handed out; MarkStale must swap, not mutate")
	}
	if fresh := c.Get("a"); fresh.IsFresh(time.Now()) {
		t.Error("Expected subsequent reads to see the stale copy")
	}
}

func TestCacheStoreMarkStaleConcurrentWithReads(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{StaleTime: time.Hour})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			if entry := c.Get("a"); entry != nil {
				_ = entry.IsFresh(time.Now())
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		c.MarkStale("a")
		c.Set("a", i, SetOptions{StaleTime: time.Hour})
	}
	<-done
}

func TestCacheStoreRemoveAndClear(t *testing.T) {
	c := NewCacheStore(0, EvictLRU)
	c.Set("a", 1, SetOptions{})
	c.Set("b", 2, SetOptions{})

	c.Remove("a")
	if c.Get("a") != nil {
		t.Error("Expected a removed")
	}

	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty store after Clear, len=%d", c.Len())
	}
}

func TestCacheStoreRewriteKeepsSingleEntry(t *testing.T) {
	c := NewCacheStore(2, EvictLRU)
	c.Set("a", 1, SetOptions{})
	c.Set("a", 2, SetOptions{})

	if c.Len() != 1 {
		t.Fatalf("Expected 1 entry after rewrite, got %d", c.Len())
	}
	if c.Get("a").Data != 2 {
		t.Errorf("Expected rewritten data 2, got %v", c.Get("a").Data)
	}
}
