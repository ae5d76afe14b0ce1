package cache

import (
	"sync"
	"testing"
)

func newTestCache(t *testing.T, size int) *Cache {
	t.Helper()

	c, err := New(size)
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func rows(vals ...string) []map[string]any {
	out := make([]map[string]any, len(vals))
	for i, v := range vals {
		out[i] = map[string]any{"name": v}
	}
	return out
}

func TestGetPut(t *testing.T) {
	c := newTestCache(t, 8)

	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Put(1, []string{"users"}, rows("a", "b"))

	e, ok := c.Get(1)
	if !ok {
		t.Fatal("expected hit")
	}
	if len(e.Rows) != 2 || e.Rows[0]["name"] != "a" {
		t.Errorf("unexpected rows: %v", e.Rows)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", c.Len())
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(t, 2)

	c.Put(1, []string{"users"}, rows("a"))
	c.Put(2, []string{"users"}, rows("b"))

	// Touch 1 so 2 becomes least recently used.
	if _, ok := c.Get(1); !ok {
		t.Fatal("expected hit for key 1")
	}

	c.Put(3, []string{"orders"}, rows("c"))

	if _, ok := c.Get(2); ok {
		t.Error("expected key 2 to be evicted")
	}
	if _, ok := c.Get(1); !ok {
		t.Error("expected key 1 to survive")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestInvalidateByTable(t *testing.T) {
	c := newTestCache(t, 8)

	c.Put(1, []string{"users"}, rows("a"))
	c.Put(2, []string{"users", "orders"}, rows("b"))
	c.Put(3, []string{"orders"}, rows("c"))

	removed := c.Invalidate("users")
	if removed != 2 {
		t.Errorf("expected 2 removed, got %d", removed)
	}

	if _, ok := c.Get(1); ok {
		t.Error("entry 1 should be invalidated")
	}
	if _, ok := c.Get(2); ok {
		t.Error("entry 2 should be invalidated")
	}
	if _, ok := c.Get(3); !ok {
		t.Error("entry 3 should survive")
	}
}

// TestEvictionCleansIndex verifies that an LRU eviction also drops the
// entry from the table index, so a later Invalidate does not over-purge.
func TestEvictionCleansIndex(t *testing.T) {
	c := newTestCache(t, 1)

	c.Put(1, []string{"users"}, rows("a"))
	c.Put(2, []string{"users"}, rows("b")) // evicts 1

	removed := c.Invalidate("users")
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}

func TestPurge(t *testing.T) {
	c := newTestCache(t, 8)

	c.Put(1, []string{"users"}, rows("a"))
	c.Put(2, []string{"orders"}, rows("b"))
	c.Purge()

	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
	if removed := c.Invalidate("users"); removed != 0 {
		t.Errorf("expected nothing to invalidate after purge, got %d", removed)
	}
}

// TestPutIfFresh verifies a result computed before a write's invalidation
// is discarded instead of re-populating the cache with pre-write rows.
func TestPutIfFresh(t *testing.T) {
	c := newTestCache(t, 8)

	stamp := c.Stamp([]string{"users"})
	if !c.PutIfFresh(1, []string{"users"}, rows("a"), stamp) {
		t.Fatal("expected insert with an untouched stamp to be kept")
	}
	if _, ok := c.Get(1); !ok {
		t.Fatal("expected hit after fresh insert")
	}

	// A write invalidates the table while another result is in flight.
	stale := c.Stamp([]string{"users"})
	c.Invalidate("users")
	if c.PutIfFresh(2, []string{"users"}, rows("old"), stale) {
		t.Fatal("expected insert with an invalidated stamp to be discarded")
	}
	if _, ok := c.Get(2); ok {
		t.Fatal("discarded entry must not be served")
	}

	// The invalidation epoch advances even when the table has no cached
	// entries yet.
	empty := c.Stamp([]string{"orders"})
	c.Invalidate("orders")
	if c.PutIfFresh(3, []string{"orders"}, rows("old"), empty) {
		t.Fatal("expected insert to be discarded for an empty table too")
	}
}

// TestPutIfFreshAfterPurge verifies a purge also blocks in-flight inserts.
func TestPutIfFreshAfterPurge(t *testing.T) {
	c := newTestCache(t, 8)

	stamp := c.Stamp([]string{"users"})
	c.Purge()
	if c.PutIfFresh(1, []string{"users"}, rows("old"), stamp) {
		t.Fatal("expected insert stamped before a purge to be discarded")
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d entries", c.Len())
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := newTestCache(t, 64)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := uint64(n*1000 + j%32)
				c.Put(key, []string{"users"}, rows("x"))
				c.Get(key)
				if j%50 == 0 {
					c.Invalidate("users")
				}
			}
		}(i)
	}
	wg.Wait()
}
