package sstable

import (
	"errors"
	"fmt"
	"os"

	"github.com/basaltdb/basalt/internal/filter"
	"github.com/basaltdb/basalt/internal/keys"
)

// ErrOutOfOrder is returned when keys are added in non-ascending order.
var ErrOutOfOrder = errors.New("sstable: keys must be added in strictly ascending order")

// Writer builds one table file (and its blob sidecar when enabled).
type Writer struct {
	path string
	opts Options

	f        *os.File
	offset   uint64
	unsynced int64

	blobF    *os.File
	blobOff  uint64
	blobPath string

	block     []byte
	blockLast []byte
	index     []byte
	numBlocks int

	hashes []uint64

	numEntries uint64
	smallest   []byte
	largest    []byte
	lastKey    []byte

	finished bool
}

// NewWriter creates the table file at path.
func NewWriter(path string, opts Options) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = 32 * 1024
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	return &Writer{
		path:     path,
		opts:     opts,
		f:        f,
		blobPath: path + BlobSuffix,
	}, nil
}

// Add appends one entry. Internal keys must arrive in strictly
// ascending order.
func (w *Writer) Add(ik, value []byte) error {
	if w.finished {
		return errors.New("sstable: writer already finished")
	}
	if w.lastKey != nil && keys.Compare(w.lastKey, ik) >= 0 {
		return ErrOutOfOrder
	}

	user, seq, kind, ok := keys.Decode(ik)
	if !ok {
		return fmt.Errorf("sstable: malformed internal key of length %d", len(ik))
	}

	if kind == keys.KindValue && w.blobEligible(value) {
		ref, err := w.writeBlob(value)
		if err != nil {
			return err
		}
		ik = keys.Encode(user, seq, keys.KindBlobRef)
		value = encodeBlobRef(ref)
	}

	if w.opts.FilterBitsPerKey > 0 {
		if w.opts.WholeKeyFiltering {
			w.hashes = filter.AppendHash(w.hashes, user)
		}
		if w.opts.PrefixExtract != nil {
			if p, ok := w.opts.PrefixExtract(user); ok {
				w.hashes = filter.AppendHash(w.hashes, p)
			}
		}
	}

	w.block = appendLenPrefixed(w.block, ik)
	w.block = appendLenPrefixed(w.block, value)
	w.blockLast = append(w.blockLast[:0], ik...)

	if w.smallest == nil {
		w.smallest = append([]byte(nil), user...)
	}
	w.largest = append(w.largest[:0], user...)
	w.lastKey = append(w.lastKey[:0], ik...)
	w.numEntries++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) blobEligible(value []byte) bool {
	if w.opts.BlobMinSize == 0 || uint64(len(value)) < w.opts.BlobMinSize {
		return false
	}
	// Respect the sidecar size target.
	return w.opts.BlobFileSize == 0 || w.blobOff < w.opts.BlobFileSize
}

func (w *Writer) writeBlob(value []byte) (blobRef, error) {
	if w.blobF == nil {
		f, err := os.OpenFile(w.blobPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return blobRef{}, fmt.Errorf("sstable: create blob sidecar: %w", err)
		}
		w.blobF = f
	}
	ref := blobRef{offset: w.blobOff, length: uint64(len(value))}
	if _, err := w.blobF.Write(value); err != nil {
		return blobRef{}, fmt.Errorf("sstable: write blob: %w", err)
	}
	w.blobOff += uint64(len(value))
	return ref, nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}
	sealed, err := sealBlock(w.block, w.opts.Compression)
	if err != nil {
		return err
	}
	off, err := w.writeRaw(sealed)
	if err != nil {
		return err
	}

	w.index = appendLenPrefixed(w.index, w.blockLast)
	w.index = appendUvarint(w.index, off)
	w.index = appendUvarint(w.index, uint64(len(sealed)))
	w.numBlocks++

	w.block = w.block[:0]
	return nil
}

func (w *Writer) writeRaw(b []byte) (off uint64, err error) {
	off = w.offset
	if _, err := w.f.Write(b); err != nil {
		return 0, fmt.Errorf("sstable: write: %w", err)
	}
	w.offset += uint64(len(b))
	w.unsynced += int64(len(b))
	if w.opts.BytesPerSync > 0 && w.unsynced >= w.opts.BytesPerSync {
		if err := w.f.Sync(); err != nil {
			return 0, fmt.Errorf("sstable: sync: %w", err)
		}
		w.unsynced = 0
	}
	return off, nil
}

// Finish seals the table: remaining data block, filter, index,
// properties, footer. The writer cannot be reused.
func (w *Writer) Finish() error {
	if w.finished {
		return errors.New("sstable: writer already finished")
	}
	if w.numEntries == 0 {
		w.abort()
		return errors.New("sstable: no entries were added")
	}
	if err := w.flushBlock(); err != nil {
		w.abort()
		return err
	}

	var ft footer

	if w.opts.FilterBitsPerKey > 0 && len(w.hashes) > 0 {
		policy := filter.NewPolicy(w.opts.FilterBitsPerKey)
		sealed, err := sealBlock(policy.Build(w.hashes), w.opts.Compression)
		if err != nil {
			w.abort()
			return err
		}
		if ft.filterOff, err = w.writeRaw(sealed); err != nil {
			w.abort()
			return err
		}
		ft.filterLen = uint64(len(sealed))
	}

	sealedIdx, err := sealBlock(w.index, w.opts.Compression)
	if err != nil {
		w.abort()
		return err
	}
	if ft.indexOff, err = w.writeRaw(sealedIdx); err != nil {
		w.abort()
		return err
	}
	ft.indexLen = uint64(len(sealedIdx))

	p := props{
		numEntries: w.numEntries,
		smallest:   w.smallest,
		largest:    w.largest,
		blobBytes:  w.blobOff,
	}
	sealedProps, err := sealBlock(p.encode(), w.opts.Compression)
	if err != nil {
		w.abort()
		return err
	}
	if ft.propsOff, err = w.writeRaw(sealedProps); err != nil {
		w.abort()
		return err
	}
	ft.propsLen = uint64(len(sealedProps))

	if _, err := w.writeRaw(ft.encode()); err != nil {
		w.abort()
		return err
	}

	if err := w.f.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("sstable: sync: %w", err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("sstable: close: %w", err)
	}
	if w.blobF != nil {
		if err := w.blobF.Sync(); err != nil {
			return fmt.Errorf("sstable: sync blob sidecar: %w", err)
		}
		if err := w.blobF.Close(); err != nil {
			return fmt.Errorf("sstable: close blob sidecar: %w", err)
		}
	}
	w.finished = true
	return nil
}

// abort closes and removes partial output after a failure.
func (w *Writer) abort() {
	_ = w.f.Close()
	_ = os.Remove(w.path)
	if w.blobF != nil {
		_ = w.blobF.Close()
		_ = os.Remove(w.blobPath)
	}
	w.finished = true
}

// Abort discards the writer and removes partial output.
func (w *Writer) Abort() {
	if !w.finished {
		w.abort()
	}
}

// NumEntries returns the number of entries added so far.
func (w *Writer) NumEntries() uint64 { return w.numEntries }

// EstimatedSize returns the bytes written plus the buffered block.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(len(w.block)) + w.blobOff
}

// LastUserKey returns the most recently added user key, or nil.
func (w *Writer) LastUserKey() []byte { return w.largest }
