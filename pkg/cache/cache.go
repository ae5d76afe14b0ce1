package cache

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Entry is a cached result set together with the bookkeeping needed for
// table-level invalidation.
type Entry struct {
	// Tables are the table names the originating query referenced.
	Tables []string

	// Rows is the result set stored at insertion time.
	Rows []map[string]any

	// StoredAt is when the entry was inserted.
	StoredAt time.Time
}

// Cache is a bounded LRU mapping query fingerprints to result sets. Each
// entry records the tables its query touched, so a write to a table can
// remove every result that could now be stale.
//
// All methods are safe for concurrent use.
type Cache struct {
	lru *lru.Cache

	// mu guards the table index and the epoch counters. The LRU carries
	// its own lock; the index is kept in step via the eviction callback,
	// which the LRU invokes on every removal path (eviction, Remove,
	// Purge).
	mu      sync.Mutex
	byTable map[string]map[uint64]struct{}

	// epochs advances per table on every Invalidate, purges on every
	// Purge. Together they let PutIfFresh detect a write that landed
	// while a result set was being computed.
	epochs map[string]uint64
	purges uint64
}

// Stamp captures the invalidation state of a set of tables at one point
// in time. Take it before running a query and hand it to PutIfFresh so a
// result computed against a pre-write snapshot is never published after
// the write's invalidation has already run.
type Stamp struct {
	purges uint64
	tables map[string]uint64
}

// New creates a Cache bounded to size entries. Size must be positive.
func New(size int) (*Cache, error) {
	c := &Cache{
		byTable: make(map[string]map[uint64]struct{}),
		epochs:  make(map[string]uint64),
	}

	inner, err := lru.NewWithEvict(size, func(key, value interface{}) {
		k, ok := key.(uint64)
		if !ok {
			return
		}
		e, ok := value.(*Entry)
		if !ok {
			return
		}
		c.mu.Lock()
		for _, table := range e.Tables {
			if keys := c.byTable[table]; keys != nil {
				delete(keys, k)
				if len(keys) == 0 {
					delete(c.byTable, table)
				}
			}
		}
		c.mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU: %w", err)
	}

	c.lru = inner
	return c, nil
}

// Get returns the entry stored under key, if present. A hit refreshes the
// entry's LRU position.
func (c *Cache) Get(key uint64) (*Entry, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(*Entry)
	if !ok {
		// Foreign value under our key: the index cannot be trusted for
		// it, so drop it rather than serve garbage.
		c.lru.Remove(key)
		return nil, false
	}
	return e, true
}

// Put inserts or replaces the result set stored under key. If the cache is
// full the least-recently-used entry is evicted.
func (c *Cache) Put(key uint64, tables []string, rows []map[string]any) {
	e := &Entry{
		Tables:   tables,
		Rows:     rows,
		StoredAt: time.Now(),
	}

	c.mu.Lock()
	for _, table := range tables {
		keys := c.byTable[table]
		if keys == nil {
			keys = make(map[uint64]struct{})
			c.byTable[table] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()

	c.lru.Add(key, e)
}

// Stamp returns the current invalidation state for tables.
func (c *Cache) Stamp(tables []string) Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]uint64, len(tables))
	for _, table := range tables {
		m[table] = c.epochs[table]
	}
	return Stamp{purges: c.purges, tables: m}
}

// staleLocked reports whether any table in the stamp was invalidated, or
// the cache purged, after the stamp was taken. Caller holds mu.
func (c *Cache) staleLocked(s Stamp) bool {
	if c.purges != s.purges {
		return true
	}
	for table, epoch := range s.tables {
		if c.epochs[table] != epoch {
			return true
		}
	}
	return false
}

// PutIfFresh inserts the result set only if none of its tables were
// invalidated since stamp was taken. It reports whether the entry was
// kept. The epoch is re-checked after the LRU insert, so an invalidation
// racing with the insert always wins: either it removes the entry, or
// this method does.
func (c *Cache) PutIfFresh(key uint64, tables []string, rows []map[string]any, stamp Stamp) bool {
	c.mu.Lock()
	if c.staleLocked(stamp) {
		c.mu.Unlock()
		return false
	}
	for _, table := range tables {
		keys := c.byTable[table]
		if keys == nil {
			keys = make(map[uint64]struct{})
			c.byTable[table] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()

	c.lru.Add(key, &Entry{
		Tables:   tables,
		Rows:     rows,
		StoredAt: time.Now(),
	})

	c.mu.Lock()
	stale := c.staleLocked(stamp)
	c.mu.Unlock()
	if stale {
		c.lru.Remove(key)
		return false
	}
	return true
}

// Invalidate removes every entry whose query referenced table and returns
// the number removed. If the index disagrees with the LRU contents the
// whole cache is purged instead: serving a possibly stale result is worse
// than recomputing everything.
func (c *Cache) Invalidate(table string) int {
	c.mu.Lock()
	// Advance the epoch even when no entries are cached: an in-flight
	// read may be about to publish a result computed before this write.
	c.epochs[table]++
	keys := make([]uint64, 0, len(c.byTable[table]))
	for k := range c.byTable[table] {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	removed := 0
	for _, k := range keys {
		if c.lru.Remove(k) {
			removed++
		}
	}

	if removed != len(keys) {
		// Index pointed at entries the LRU no longer holds. Degrade
		// safely to an empty cache.
		c.Purge()
	}
	return removed
}

// Purge removes every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.purges++
	c.byTable = make(map[string]map[uint64]struct{})
	c.mu.Unlock()
	c.lru.Purge()
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
