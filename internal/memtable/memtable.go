// Package memtable implements the in-memory write buffer.
//
// Entries are kept in a skip list ordered by internal key, so every
// version of a user key is retained until the table is flushed.
package memtable

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/huandu/skiplist"

	"github.com/basaltdb/basalt/internal/keys"
)

const entryOverhead = 24

// MemTable is a sorted in-memory buffer of versioned entries. Writers
// are serialized by the engine; reads may run concurrently with a
// single writer.
type MemTable struct {
	mu   sync.RWMutex
	list *skiplist.SkipList
	size atomic.Int64

	logNumber uint64
}

// New creates an empty memtable associated with the given WAL log.
func New(logNumber uint64) *MemTable {
	return &MemTable{
		list: skiplist.New(skiplist.GreaterThanFunc(func(a, b interface{}) int {
			return keys.Compare(a.([]byte), b.([]byte))
		})),
		logNumber: logNumber,
	}
}

// LogNumber returns the WAL log the table's entries are recorded in.
func (m *MemTable) LogNumber() uint64 { return m.logNumber }

// Add inserts one versioned entry.
func (m *MemTable) Add(seq uint64, kind keys.Kind, user, value []byte) {
	ik := keys.Encode(user, seq, kind)

	m.mu.Lock()
	m.list.Set(ik, value)
	m.mu.Unlock()

	m.size.Add(int64(len(ik) + len(value) + entryOverhead))
}

// Get returns the newest version of user visible at seq.
func (m *MemTable) Get(user []byte, seq uint64) (value []byte, found, deleted bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Find(keys.SeekKey(user, seq))
	if elem == nil {
		return nil, false, false
	}
	ik := elem.Key().([]byte)
	u, _, kind, ok := keys.Decode(ik)
	if !ok || !bytes.Equal(u, user) {
		return nil, false, false
	}
	if kind == keys.KindDelete {
		return nil, true, true
	}
	v, _ := elem.Value.([]byte)
	return v, true, false
}

// NewestSeq returns the sequence of the newest entry for user, if any.
func (m *MemTable) NewestSeq(user []byte) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Find(keys.SeekKey(user, keys.MaxSequence))
	if elem == nil {
		return 0, false
	}
	ik := elem.Key().([]byte)
	u, seq, _, ok := keys.Decode(ik)
	if !ok || !bytes.Equal(u, user) {
		return 0, false
	}
	return seq, true
}

// ApproximateMemoryUsage returns the buffered byte estimate.
func (m *MemTable) ApproximateMemoryUsage() int64 { return m.size.Load() }

// Empty reports whether the table holds no entries.
func (m *MemTable) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len() == 0
}

// Count returns the number of entries (versions, not distinct keys).
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Iterator walks the memtable in internal key order.
type Iterator struct {
	m    *MemTable
	elem *skiplist.Element
}

// NewIterator returns an unpositioned iterator; call SeekFirst or Seek.
func (m *MemTable) NewIterator() *Iterator {
	return &Iterator{m: m}
}

// SeekFirst positions at the first entry.
func (it *Iterator) SeekFirst() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.elem = it.m.list.Front()
}

// Seek positions at the first entry with internal key >= ik.
func (it *Iterator) Seek(ik []byte) {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.elem = it.m.list.Find(ik)
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.elem != nil }

// Next advances to the following entry.
func (it *Iterator) Next() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	if it.elem != nil {
		it.elem = it.elem.Next()
	}
}

// Key returns the current internal key.
func (it *Iterator) Key() []byte {
	return it.elem.Key().([]byte)
}

// Value returns the current value.
func (it *Iterator) Value() []byte {
	v, _ := it.elem.Value.([]byte)
	return v
}
