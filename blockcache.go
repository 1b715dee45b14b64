package basalt

import (
	"sync"

	"github.com/basaltdb/basalt/internal/cache"
)

// DefaultBlockCacheSize is the shared block cache capacity used when
// no layer of the configuration specifies one.
const DefaultBlockCacheSize = 256 << 20

// The block cache is a single process-wide resource shared by the
// table readers of every open database. One mutex guards creation,
// capacity changes and statistics reads, so a stats snapshot is never
// torn across a concurrent resize.
var (
	cacheMu         sync.Mutex
	sharedCache     *cache.LRUCache
	desiredCapacity uint64 = DefaultBlockCacheSize
)

// acquireSharedCache returns the shared block cache, creating it with
// the desired capacity on first use.
func acquireSharedCache() *cache.LRUCache {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if sharedCache == nil {
		sharedCache = cache.NewLRUCache(desiredCapacity)
	}
	return sharedCache
}

// SetBlockCacheCapacity sets the capacity used when the shared cache
// is first created and, if it already exists, resizes it in place.
// The change is visible immediately to every open database.
func SetBlockCacheCapacity(bytes uint64) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	desiredCapacity = bytes
	if sharedCache != nil {
		sharedCache.SetCapacity(bytes)
	}
}

// ClearBlockCache immediately evicts every unreferenced entry from the
// shared cache. Entries pinned by an in-flight read are unaffected.
func ClearBlockCache() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if sharedCache != nil {
		sharedCache.Prune()
	}
}

// CacheStats is a consistent snapshot of the shared block cache.
type CacheStats struct {
	Capacity    uint64
	Usage       uint64
	PinnedUsage uint64
}

// BlockCacheStats reads the shared cache's capacity, usage and pinned
// usage atomically with respect to resizes and clears.
func BlockCacheStats() CacheStats {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if sharedCache == nil {
		return CacheStats{Capacity: desiredCapacity}
	}
	capacity, usage, pinned := sharedCache.Stats()
	return CacheStats{Capacity: capacity, Usage: usage, PinnedUsage: pinned}
}
