package sstable

import (
	"sort"

	"github.com/basaltdb/basalt/internal/cache"
	"github.com/basaltdb/basalt/internal/keys"
)

// Iterator walks a table in internal key order. Keys produced by
// tables ingested with a global sequence number are remapped before
// being returned, so callers always see effective sequences.
type Iterator struct {
	r        *Reader
	blockIdx int
	data     []byte
	handle   *cache.Handle

	key   []byte
	value []byte
	kind  keys.Kind
	valid bool
	err   error
}

// NewIterator returns an iterator positioned before the first entry.
func (r *Reader) NewIterator() *Iterator {
	return &Iterator{r: r, blockIdx: -1}
}

func (it *Iterator) loadBlock(i int) bool {
	it.r.release(it.handle)
	it.handle = nil
	it.data = nil
	if i >= len(it.r.index) {
		it.blockIdx = len(it.r.index)
		it.valid = false
		return false
	}
	data, h, err := it.r.block(it.r.index[i].off, it.r.index[i].size)
	if err != nil {
		it.err = err
		it.valid = false
		return false
	}
	it.blockIdx = i
	it.data = data
	it.handle = h
	return true
}

// advance decodes the next entry from the current block, moving to the
// following block when the current one is exhausted.
func (it *Iterator) advance() {
	for {
		if len(it.data) == 0 {
			if !it.loadBlock(it.blockIdx + 1) {
				return
			}
			continue
		}
		ik, rest, err := readLenPrefixed(it.data)
		if err != nil {
			it.err = err
			it.valid = false
			return
		}
		val, rest2, err := readLenPrefixed(rest)
		if err != nil {
			it.err = err
			it.valid = false
			return
		}
		it.data = rest2

		u, seq, kind, ok := keys.Decode(ik)
		if !ok {
			it.err = ErrBadTable
			it.valid = false
			return
		}
		it.key = keys.Encode(u, it.r.effSeq(seq), kind)
		it.kind = kind
		it.value = val
		it.valid = true
		return
	}
}

// SeekFirst positions the iterator at the first entry.
func (it *Iterator) SeekFirst() {
	it.err = nil
	if !it.loadBlock(0) {
		return
	}
	it.advance()
}

// Seek positions the iterator at the first entry whose internal key is
// not less than target. The target carries effective sequences.
func (it *Iterator) Seek(target []byte) {
	it.err = nil
	stored := target
	if it.r.opts.GlobalSeq != 0 {
		// Stored entries carry sequence zero; one version per user key.
		stored = keys.SeekKey(keys.UserKey(target), 0)
	}
	i := sort.Search(len(it.r.index), func(i int) bool {
		return keys.Compare(it.r.index[i].lastKey, stored) >= 0
	})
	if !it.loadBlock(i) {
		return
	}
	for {
		it.advance()
		if !it.valid {
			return
		}
		// Compare in stored space so remapped sequences do not skew
		// ordering within this table.
		rawUser := keys.UserKey(it.key)
		if keys.Compare(keys.Encode(rawUser, it.storedSeqOf(), it.kind), stored) >= 0 {
			return
		}
	}
}

func (it *Iterator) storedSeqOf() uint64 {
	seq := keys.Seq(it.key)
	if it.r.opts.GlobalSeq != 0 && seq == it.r.opts.GlobalSeq {
		return 0
	}
	return seq
}

// Next moves to the following entry.
func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.advance()
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.valid }

// Key returns the current internal key with effective sequence.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current value, following blob references.
func (it *Iterator) Value() ([]byte, error) {
	return it.r.resolveValue(it.kind, it.value)
}

// Error returns the first error encountered while iterating.
func (it *Iterator) Error() error { return it.err }

// Close releases any pinned block.
func (it *Iterator) Close() {
	it.r.release(it.handle)
	it.handle = nil
	it.data = nil
	it.valid = false
}
