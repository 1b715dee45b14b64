package basalt

import (
	"errors"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/sstable"
)

// SSTFileWriter builds a sorted table outside the store for later
// ingestion. Keys must be added in strictly ascending order.
type SSTFileWriter struct {
	w    *sstable.Writer
	done bool
}

// NewSSTWriter creates a table writer at path using the store's
// default column family table settings. The file is not part of the
// store until IngestSST is called on it.
func (db *DB) NewSSTWriter(path string) (*SSTFileWriter, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	cf := &db.cfg.CFConfig
	opts := sstable.Options{
		BlockSize:         cf.Table.BlockSize,
		Compression:       cf.Compression.internal(),
		FilterBitsPerKey:  cf.Table.FilterBitsPerKey,
		WholeKeyFiltering: cf.Table.WholeKeyFiltering,
		PrefixExtract:     cf.Table.PrefixExtractor.fn(),
		BytesPerSync:      db.cfg.BytesPerSync,
	}
	if cf.EnableBlobFiles {
		opts.BlobMinSize = cf.MinBlobSize
		opts.BlobFileSize = cf.BlobFileSize
	}
	w, err := sstable.NewWriter(path, opts)
	if err != nil {
		return nil, err
	}
	return &SSTFileWriter{w: w}, nil
}

// Put adds a key-value pair. Keys carry a zero sequence number; the
// store assigns a real one at ingestion time.
func (w *SSTFileWriter) Put(key, value []byte) error {
	if w.done {
		return ErrWriterDone
	}
	err := w.w.Add(keys.Encode(key, 0, keys.KindValue), value)
	if errors.Is(err, sstable.ErrOutOfOrder) {
		return ErrKeyOrder
	}
	return err
}

// Delete adds a tombstone, shadowing the key in older tables once the
// file is ingested.
func (w *SSTFileWriter) Delete(key []byte) error {
	if w.done {
		return ErrWriterDone
	}
	err := w.w.Add(keys.Encode(key, 0, keys.KindDelete), nil)
	if errors.Is(err, sstable.ErrOutOfOrder) {
		return ErrKeyOrder
	}
	return err
}

// NumEntries returns the number of entries added so far.
func (w *SSTFileWriter) NumEntries() uint64 { return w.w.NumEntries() }

// FileSize returns the current on-disk size estimate.
func (w *SSTFileWriter) FileSize() uint64 { return w.w.EstimatedSize() }

// Finish seals the table. The writer cannot be reused.
func (w *SSTFileWriter) Finish() error {
	if w.done {
		return ErrWriterDone
	}
	w.done = true
	return w.w.Finish()
}

// Abort discards the partially built table and removes its files.
func (w *SSTFileWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.w.Abort()
}

// IngestSST makes an externally built table part of the store. The
// ingested entries become the newest versions of their keys.
func (db *DB) IngestSST(path string) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	return db.eng.IngestExternalFile(0, path)
}
