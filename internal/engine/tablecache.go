package engine

import (
	"sync"

	"github.com/basaltdb/basalt/internal/sstable"
)

// tableCache keeps open table readers, bounded by MaxOpenFiles. The
// engine holds a reference to a reader for the duration of each read;
// unreferenced readers are closed when the cache is over its limit.
type tableCache struct {
	mu      sync.Mutex
	dir     string
	limit   int
	entries map[uint64]*cachedTable
}

type cachedTable struct {
	r      *sstable.Reader
	refs   int
	doomed bool
}

func newTableCache(dir string, limit int) *tableCache {
	if limit <= 0 {
		limit = 1000
	}
	return &tableCache{dir: dir, limit: limit, entries: make(map[uint64]*cachedTable)}
}

// get returns an open reader for the table, opening it if needed. The
// returned release func must be called when the read is done.
func (tc *tableCache) get(meta *fileMeta, opts sstable.Options) (*sstable.Reader, func(), error) {
	tc.mu.Lock()
	if e, ok := tc.entries[meta.Num]; ok && !e.doomed {
		e.refs++
		tc.mu.Unlock()
		return e.r, func() { tc.release(meta.Num) }, nil
	}
	tc.mu.Unlock()

	opts.GlobalSeq = meta.GlobalSeq
	r, err := sstable.OpenReader(tableFileName(tc.dir, meta.Num), opts)
	if err != nil {
		return nil, nil, err
	}

	tc.mu.Lock()
	if e, ok := tc.entries[meta.Num]; ok && !e.doomed {
		// Lost the race; keep the existing reader.
		e.refs++
		tc.mu.Unlock()
		_ = r.Close()
		return e.r, func() { tc.release(meta.Num) }, nil
	}
	tc.entries[meta.Num] = &cachedTable{r: r, refs: 1}
	tc.evictLocked()
	tc.mu.Unlock()
	return r, func() { tc.release(meta.Num) }, nil
}

func (tc *tableCache) release(num uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.entries[num]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 && e.doomed {
		delete(tc.entries, num)
		_ = e.r.Close()
	}
}

// evict marks a table's reader for closure, for use when the file is
// deleted from the store.
func (tc *tableCache) evict(num uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	e, ok := tc.entries[num]
	if !ok {
		return
	}
	if e.refs == 0 {
		delete(tc.entries, num)
		_ = e.r.Close()
		return
	}
	e.doomed = true
}

// evictLocked closes unreferenced readers while over the limit.
func (tc *tableCache) evictLocked() {
	if len(tc.entries) <= tc.limit {
		return
	}
	for num, e := range tc.entries {
		if e.refs == 0 {
			delete(tc.entries, num)
			_ = e.r.Close()
			if len(tc.entries) <= tc.limit {
				return
			}
		}
	}
}

// readerMemory estimates resident memory held by open readers.
func (tc *tableCache) readerMemory() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	var n uint64
	for _, e := range tc.entries {
		n += e.r.EstimateMemoryUsage()
	}
	return n
}

func (tc *tableCache) closeAll() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for num, e := range tc.entries {
		delete(tc.entries, num)
		_ = e.r.Close()
	}
}
