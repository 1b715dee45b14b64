package engine

import (
	"bytes"
	"container/heap"
	"fmt"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/memtable"
	"github.com/basaltdb/basalt/internal/sstable"
)

// mergeSource is one ordered stream of internal keys feeding an
// Iterator.
type mergeSource interface {
	valid() bool
	key() []byte
	value() ([]byte, error)
	next()
	err() error
	close()
}

type memSource struct {
	it *memtable.Iterator
}

func (s *memSource) valid() bool            { return s.it.Valid() }
func (s *memSource) key() []byte            { return s.it.Key() }
func (s *memSource) value() ([]byte, error) { return s.it.Value(), nil }
func (s *memSource) next()                  { s.it.Next() }
func (s *memSource) err() error             { return nil }
func (s *memSource) close()                 {}

type tableSource struct {
	it      *sstable.Iterator
	release func()
	closed  bool
}

func (s *tableSource) valid() bool            { return s.it.Valid() }
func (s *tableSource) key() []byte            { return s.it.Key() }
func (s *tableSource) value() ([]byte, error) { return s.it.Value() }
func (s *tableSource) next()                  { s.it.Next() }
func (s *tableSource) err() error             { return s.it.Error() }

func (s *tableSource) close() {
	if s.closed {
		return
	}
	s.closed = true
	s.it.Close()
	s.release()
}

type sourceHeap []mergeSource

func (h sourceHeap) Len() int { return len(h) }
func (h sourceHeap) Less(i, j int) bool {
	return keys.Compare(h[i].key(), h[j].key()) < 0
}
func (h sourceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sourceHeap) Push(x interface{}) { *h = append(*h, x.(mergeSource)) }

func (h *sourceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Iterator merges memtables and level files into an ascending scan of
// user keys visible at a pinned sequence. Tombstoned keys are skipped.
type Iterator struct {
	h     sourceHeap
	all   []mergeSource
	seq   uint64
	upper []byte

	curKey []byte
	curVal []byte
	valid  bool
	closed bool
	errv   error
}

// NewIterator opens a merged scan over [lower, upper) of one column
// family at the given sequence. Nil bounds are unbounded. The iterator
// pins table readers until Close.
func (e *Engine) NewIterator(cfID uint32, seq uint64, lower, upper []byte) (*Iterator, error) {
	cf, mem, imms, l0, l1, err := e.readState(cfID)
	if err != nil {
		return nil, err
	}

	it := &Iterator{seq: seq}
	if upper != nil {
		it.upper = append([]byte(nil), upper...)
	}

	var seekKey []byte
	if lower != nil {
		seekKey = keys.SeekKey(lower, keys.MaxSequence)
	}
	addMem := func(m *memtable.MemTable) {
		mi := m.NewIterator()
		if seekKey != nil {
			mi.Seek(seekKey)
		} else {
			mi.SeekFirst()
		}
		it.all = append(it.all, &memSource{it: mi})
	}
	addMem(mem)
	for _, m := range imms {
		addMem(m)
	}

	addTable := func(meta *fileMeta, bottommost bool) error {
		r, release, terr := e.tables.get(meta, cf.tableOptions(e, bottommost))
		if terr != nil {
			return terr
		}
		ti := r.NewIterator()
		if seekKey != nil {
			ti.Seek(seekKey)
		} else {
			ti.SeekFirst()
		}
		it.all = append(it.all, &tableSource{it: ti, release: release})
		return nil
	}
	for _, meta := range l0 {
		if err := addTable(meta, false); err != nil {
			it.Close()
			return nil, err
		}
	}
	for _, meta := range l1 {
		if upper != nil && bytes.Compare(meta.Smallest, upper) >= 0 {
			continue
		}
		if lower != nil && bytes.Compare(meta.Largest, lower) < 0 {
			continue
		}
		if err := addTable(meta, true); err != nil {
			it.Close()
			return nil, err
		}
	}

	for _, s := range it.all {
		if s.valid() {
			it.h = append(it.h, s)
		} else if serr := s.err(); serr != nil {
			it.Close()
			return nil, serr
		}
	}
	heap.Init(&it.h)
	it.findNext()
	return it, nil
}

// advanceTop moves the smallest source forward and restores heap order.
func (it *Iterator) advanceTop() {
	s := it.h[0]
	s.next()
	if s.valid() {
		heap.Fix(&it.h, 0)
		return
	}
	if serr := s.err(); serr != nil {
		it.errv = serr
	}
	heap.Pop(&it.h)
}

// skipUser consumes every remaining version of user across sources.
func (it *Iterator) skipUser(user []byte) {
	for it.h.Len() > 0 && it.errv == nil {
		u := keys.UserKey(it.h[0].key())
		if !bytes.Equal(u, user) {
			return
		}
		it.advanceTop()
	}
}

// findNext positions the iterator at the next user key with a visible,
// non-deleted newest version.
func (it *Iterator) findNext() {
	it.valid = false
	for it.h.Len() > 0 && it.errv == nil {
		ik := it.h[0].key()
		user, seq, kind, ok := keys.Decode(ik)
		if !ok {
			it.errv = fmt.Errorf("engine: malformed internal key in merge")
			return
		}
		if it.upper != nil && bytes.Compare(user, it.upper) >= 0 {
			return
		}
		if seq > it.seq {
			// Not visible at this snapshot; an older version may be.
			it.advanceTop()
			continue
		}
		if kind == keys.KindDelete {
			it.skipUser(user)
			continue
		}
		val, verr := it.h[0].value()
		if verr != nil {
			it.errv = verr
			return
		}
		it.curKey = append(it.curKey[:0], user...)
		it.curVal = append(it.curVal[:0], val...)
		it.skipUser(it.curKey)
		it.valid = it.errv == nil
		return
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Next advances to the following visible user key.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.findNext()
}

// Key returns the current user key. The slice is valid until the next
// call to Next or Close.
func (it *Iterator) Key() []byte { return it.curKey }

// Value returns the current value, with blob references resolved.
func (it *Iterator) Value() []byte { return it.curVal }

// Err returns the first error encountered by the scan.
func (it *Iterator) Err() error { return it.errv }

// Close releases every pinned table reader. Safe to call twice.
func (it *Iterator) Close() {
	if it.closed {
		return
	}
	it.closed = true
	it.valid = false
	for _, s := range it.all {
		s.close()
	}
	it.all = nil
	it.h = nil
}
