// Package cache implements the ref-counted LRU block cache shared by
// every table reader in the process.
//
// Entries are pinned while a reader holds a handle; pinned entries are
// never evicted. Eviction happens on insert when usage would exceed
// capacity, on SetCapacity when the cache shrinks, and on Prune.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// Key uniquely identifies a cached block. CacheID is a process-unique
// reader identity; file numbers alone would collide across stores
// sharing one cache.
type Key struct {
	CacheID uint64
	Offset  uint64
}

// Handle is a pinned reference to a cached block. Callers must Release
// every handle obtained from Insert or Lookup.
type Handle struct {
	key     Key
	value   []byte
	charge  uint64
	refs    int32
	deleted bool
}

// Value returns the cached block data.
func (h *Handle) Value() []byte { return h.value }

// Charge returns the memory charge of the entry.
func (h *Handle) Charge() uint64 { return h.charge }

// LRUCache is a thread-safe LRU cache with a byte capacity.
type LRUCache struct {
	mu       sync.RWMutex
	capacity uint64
	usage    uint64
	table    map[Key]*list.Element
	lru      *list.List

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLRUCache creates a cache bounded by capacity bytes.
func NewLRUCache(capacity uint64) *LRUCache {
	return &LRUCache{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		lru:      list.New(),
	}
}

func entryOf(elem *list.Element) *Handle {
	h, _ := elem.Value.(*Handle)
	return h
}

// Insert adds a block, evicting unpinned entries as needed, and returns
// a pinned handle to it.
func (c *LRUCache) Insert(key Key, value []byte, charge uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		h := entryOf(elem)
		c.usage -= h.charge
		h.value = value
		h.charge = charge
		c.usage += charge
		c.lru.MoveToFront(elem)
		h.refs++
		return h
	}

	for c.usage+charge > c.capacity && c.lru.Len() > 0 {
		if !c.evictOne() {
			break
		}
	}

	h := &Handle{key: key, value: value, charge: charge, refs: 1}
	c.table[key] = c.lru.PushFront(h)
	c.usage += charge
	return h
}

// Lookup returns a pinned handle to the block, or nil on miss.
func (c *LRUCache) Lookup(key Key) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		h := entryOf(elem)
		if !h.deleted {
			c.lru.MoveToFront(elem)
			h.refs++
			c.hits.Add(1)
			return h
		}
	}
	c.misses.Add(1)
	return nil
}

// Release unpins a handle.
func (c *LRUCache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h.refs--
	if h.refs == 0 && h.deleted {
		if elem, ok := c.table[h.key]; ok {
			c.removeLocked(elem)
		}
	}
}

// Erase removes a key. Pinned entries are removed once the last handle
// is released.
func (c *LRUCache) Erase(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		h := entryOf(elem)
		h.deleted = true
		if h.refs == 0 {
			c.removeLocked(elem)
		}
	}
}

// SetCapacity resizes the cache in place, evicting unpinned entries
// while usage exceeds the new capacity.
func (c *LRUCache) SetCapacity(capacity uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.capacity = capacity
	for c.usage > c.capacity && c.lru.Len() > 0 {
		if !c.evictOne() {
			break
		}
	}
}

// Prune evicts every unpinned entry immediately. Pinned entries are
// untouched.
func (c *LRUCache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for e := c.lru.Front(); e != nil; e = next {
		next = e.Next()
		if h := entryOf(e); h.refs == 0 {
			c.removeLocked(e)
		}
	}
}

// Capacity returns the configured capacity in bytes.
func (c *LRUCache) Capacity() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity
}

// Usage returns the current usage in bytes.
func (c *LRUCache) Usage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usage
}

// PinnedUsage returns the bytes charged to entries currently pinned by
// outstanding handles.
func (c *LRUCache) PinnedUsage() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pinnedLocked()
}

// Stats returns a consistent capacity/usage/pinned triple read under a
// single lock acquisition.
func (c *LRUCache) Stats() (capacity, usage, pinned uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capacity, c.usage, c.pinnedLocked()
}

func (c *LRUCache) pinnedLocked() uint64 {
	var pinned uint64
	for _, elem := range c.table {
		if h := entryOf(elem); h.refs > 0 {
			pinned += h.charge
		}
	}
	return pinned
}

// Len returns the number of resident entries.
func (c *LRUCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.table)
}

// HitCount returns the number of lookup hits.
func (c *LRUCache) HitCount() uint64 { return c.hits.Load() }

// MissCount returns the number of lookup misses.
func (c *LRUCache) MissCount() uint64 { return c.misses.Load() }

// evictOne removes the least recently used unpinned entry. Returns
// false when every resident entry is pinned.
func (c *LRUCache) evictOne() bool {
	for e := c.lru.Back(); e != nil; e = e.Prev() {
		h := entryOf(e)
		if h.refs == 0 && !h.deleted {
			c.removeLocked(e)
			return true
		}
	}
	return false
}

func (c *LRUCache) removeLocked(elem *list.Element) {
	h := entryOf(elem)
	delete(c.table, h.key)
	c.lru.Remove(elem)
	c.usage -= h.charge
}
