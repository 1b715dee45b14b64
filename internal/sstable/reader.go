package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/internal/cache"
	"github.com/basaltdb/basalt/internal/filter"
	"github.com/basaltdb/basalt/internal/keys"
)

// readerIDs hands out process-unique block cache identities. File
// numbers restart per store, so they cannot namespace a shared cache.
var readerIDs atomic.Uint64

type indexEntry struct {
	lastKey []byte
	off     uint64
	size    uint64
}

// Reader serves lookups and scans from one table file. It is safe for
// concurrent use.
type Reader struct {
	path    string
	opts    Options
	cacheID uint64

	f        *os.File
	blobOnce sync.Once
	blobF    *os.File
	blobErr  error

	index     []indexEntry
	filterBlk []byte
	props     *props
}

// OpenReader opens the table at path and loads its index, filter and
// properties blocks. Those stay resident for the reader's lifetime.
func OpenReader(path string, opts Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}
	r := &Reader{path: path, opts: opts, f: f, cacheID: readerIDs.Add(1)}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	if st.Size() < footerLen {
		_ = f.Close()
		return nil, ErrBadTable
	}

	ftBuf := make([]byte, footerLen)
	if _, err := f.ReadAt(ftBuf, st.Size()-footerLen); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ft, err := decodeFooter(ftBuf)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	idxPayload, err := r.readUncached(ft.indexOff, ft.indexLen)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if r.index, err = decodeIndex(idxPayload); err != nil {
		_ = f.Close()
		return nil, err
	}

	if ft.filterLen > 0 {
		if r.filterBlk, err = r.readUncached(ft.filterOff, ft.filterLen); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	propsPayload, err := r.readUncached(ft.propsOff, ft.propsLen)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if r.props, err = decodeProps(propsPayload); err != nil {
		_ = f.Close()
		return nil, err
	}

	return r, nil
}

func decodeIndex(payload []byte) ([]indexEntry, error) {
	var entries []indexEntry
	for len(payload) > 0 {
		lastKey, rest, err := readLenPrefixed(payload)
		if err != nil {
			return nil, err
		}
		off, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, ErrBadTable
		}
		size, m := binary.Uvarint(rest[n:])
		if m <= 0 {
			return nil, ErrBadTable
		}
		entries = append(entries, indexEntry{lastKey: lastKey, off: off, size: size})
		payload = rest[n+m:]
	}
	if len(entries) == 0 {
		return nil, ErrBadTable
	}
	return entries, nil
}

// readUncached reads and opens a block bypassing the block cache; used
// for the resident index/filter/props blocks.
func (r *Reader) readUncached(off, size uint64) ([]byte, error) {
	raw := make([]byte, size)
	if _, err := r.f.ReadAt(raw, int64(off)); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	return openBlock(raw, true)
}

// block returns a decoded data block, preferring the block cache. The
// returned handle (when non-nil) pins the block; callers must release
// it via r.release.
func (r *Reader) block(off, size uint64) ([]byte, *cache.Handle, error) {
	if r.opts.Cache != nil {
		key := cache.Key{CacheID: r.cacheID, Offset: off}
		if h := r.opts.Cache.Lookup(key); h != nil {
			return h.Value(), h, nil
		}
		data, err := r.readUncachedVerify(off, size)
		if err != nil {
			return nil, nil, err
		}
		h := r.opts.Cache.Insert(key, data, uint64(len(data)))
		return h.Value(), h, nil
	}
	data, err := r.readUncachedVerify(off, size)
	return data, nil, err
}

func (r *Reader) readUncachedVerify(off, size uint64) ([]byte, error) {
	raw := make([]byte, size)
	if _, err := r.f.ReadAt(raw, int64(off)); err != nil {
		return nil, fmt.Errorf("sstable: read block: %w", err)
	}
	return openBlock(raw, r.opts.VerifyChecksums)
}

func (r *Reader) release(h *cache.Handle) {
	if h != nil && r.opts.Cache != nil {
		r.opts.Cache.Release(h)
	}
}

// effSeq maps a stored sequence to its effective value for tables
// ingested with a global sequence number.
func (r *Reader) effSeq(stored uint64) uint64 {
	if r.opts.GlobalSeq != 0 && stored == 0 {
		return r.opts.GlobalSeq
	}
	return stored
}

func (r *Reader) mayContain(user []byte) bool {
	if r.filterBlk == nil {
		return true
	}
	if r.opts.WholeKeyFiltering && filter.MayContain(r.filterBlk, user) {
		return true
	}
	if r.opts.PrefixExtract != nil {
		if p, ok := r.opts.PrefixExtract(user); ok {
			return filter.MayContain(r.filterBlk, p)
		}
	}
	if !r.opts.WholeKeyFiltering && r.opts.PrefixExtract == nil {
		// Filter exists but neither probe mode applies here.
		return true
	}
	return false
}

// Get returns the newest version of user visible at seq.
func (r *Reader) Get(user []byte, seq uint64) (value []byte, entrySeq uint64, kind keys.Kind, found bool, err error) {
	if !r.mayContain(user) {
		return nil, 0, 0, false, nil
	}

	seekSeq := seq
	if r.opts.GlobalSeq != 0 {
		if r.opts.GlobalSeq > seq {
			// Nothing in this table is visible yet.
			return nil, 0, 0, false, nil
		}
		seekSeq = 0
	}
	target := keys.SeekKey(user, seekSeq)

	i := sort.Search(len(r.index), func(i int) bool {
		return keys.Compare(r.index[i].lastKey, target) >= 0
	})

	for ; i < len(r.index); i++ {
		data, h, berr := r.block(r.index[i].off, r.index[i].size)
		if berr != nil {
			return nil, 0, 0, false, berr
		}
		v, es, k, state, gerr := r.searchBlock(data, user, target)
		r.release(h)
		if gerr != nil {
			return nil, 0, 0, false, gerr
		}
		switch state {
		case blockHit:
			return v, r.effSeq(es), k, true, nil
		case blockMiss:
			return nil, 0, 0, false, nil
		}
		// blockContinue: the target user key may start in the next block.
	}
	return nil, 0, 0, false, nil
}

type blockSearchState int

const (
	blockHit blockSearchState = iota
	blockMiss
	blockContinue
)

func (r *Reader) searchBlock(data, user, target []byte) (value []byte, seq uint64, kind keys.Kind, state blockSearchState, err error) {
	for len(data) > 0 {
		ik, rest, derr := readLenPrefixed(data)
		if derr != nil {
			return nil, 0, 0, blockMiss, derr
		}
		val, rest2, derr := readLenPrefixed(rest)
		if derr != nil {
			return nil, 0, 0, blockMiss, derr
		}
		data = rest2

		if keys.Compare(ik, target) < 0 {
			continue
		}
		u, es, k, ok := keys.Decode(ik)
		if !ok {
			return nil, 0, 0, blockMiss, ErrBadTable
		}
		switch bytes.Compare(u, user) {
		case 0:
			resolved, rerr := r.resolveValue(k, val)
			if rerr != nil {
				return nil, 0, 0, blockMiss, rerr
			}
			return resolved, es, k, blockHit, nil
		case 1:
			return nil, 0, 0, blockMiss, nil
		}
	}
	return nil, 0, 0, blockContinue, nil
}

// resolveValue follows blob references into the sidecar.
func (r *Reader) resolveValue(kind keys.Kind, val []byte) ([]byte, error) {
	if kind != keys.KindBlobRef {
		return val, nil
	}
	ref, err := decodeBlobRef(val)
	if err != nil {
		return nil, err
	}
	r.blobOnce.Do(func() {
		f, oerr := os.Open(r.path + BlobSuffix)
		if oerr != nil {
			r.blobErr = fmt.Errorf("sstable: open blob sidecar: %w", oerr)
			return
		}
		r.blobF = f
	})
	if r.blobErr != nil {
		return nil, r.blobErr
	}
	out := make([]byte, ref.length)
	if _, err := r.blobF.ReadAt(out, int64(ref.offset)); err != nil {
		return nil, fmt.Errorf("sstable: read blob: %w", err)
	}
	return out, nil
}

// Smallest returns the smallest user key in the table.
func (r *Reader) Smallest() []byte { return r.props.smallest }

// Largest returns the largest user key in the table.
func (r *Reader) Largest() []byte { return r.props.largest }

// NumEntries returns the entry count recorded at build time.
func (r *Reader) NumEntries() uint64 { return r.props.numEntries }

// BlobBytes returns the sidecar size recorded at build time.
func (r *Reader) BlobBytes() uint64 { return r.props.blobBytes }

// EstimateMemoryUsage approximates resident memory held by the reader
// (index entries plus the filter block).
func (r *Reader) EstimateMemoryUsage() uint64 {
	var n uint64
	for i := range r.index {
		n += uint64(len(r.index[i].lastKey)) + 16
	}
	return n + uint64(len(r.filterBlk))
}

// Close releases the underlying files.
func (r *Reader) Close() error {
	if r.blobF != nil {
		_ = r.blobF.Close()
	}
	return r.f.Close()
}
