package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/memtable"
	"github.com/basaltdb/basalt/internal/sstable"
)

// IngestExternalFile links an externally built table into the store.
// The file's entries are assigned a fresh global sequence number, so
// they shadow every older version of their keys. Memtables overlapping
// the file's key range are flushed first.
func (e *Engine) IngestExternalFile(cfID uint32, path string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	r, err := sstable.OpenReader(path, sstable.Options{VerifyChecksums: true})
	if err != nil {
		return fmt.Errorf("engine: ingest %s: %w", path, err)
	}
	smallest := append([]byte(nil), r.Smallest()...)
	largest := append([]byte(nil), r.Largest()...)
	numEntries := r.NumEntries()
	blobBytes := r.BlobBytes()
	if err := r.Close(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if int(cfID) >= len(e.cfs) {
		e.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNoSuchColumnFamily, cfID)
	}
	cf := e.cfs[cfID]
	memOverlap := memRangeOverlaps(cf.mem, smallest, largest)
	for _, imm := range cf.imm {
		memOverlap = memOverlap || memRangeOverlaps(imm, smallest, largest)
	}
	e.mu.Unlock()

	if memOverlap {
		if err := e.flushAll(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	seq := e.lastSeq + 1
	e.lastSeq = seq
	num := e.allocFileNumberLocked()
	e.mu.Unlock()

	dst := tableFileName(e.dir, num)
	if err := copyFile(path, dst); err != nil {
		return err
	}
	hasBlob := false
	if _, err := os.Stat(path + sstable.BlobSuffix); err == nil {
		if err := copyFile(path+sstable.BlobSuffix, dst+sstable.BlobSuffix); err != nil {
			return err
		}
		hasBlob = true
	}

	meta := &fileMeta{
		Num:       num,
		Smallest:  smallest,
		Largest:   largest,
		GlobalSeq: seq,
		HasBlob:   hasBlob,
		BlobBytes: blobBytes,
	}
	if st, err := os.Stat(dst); err == nil {
		meta.Size = uint64(st.Size())
	}

	e.mu.Lock()
	if !cf.overlaps(smallest, largest) && !e.compacting[cf.id] {
		cf.levels[1] = insertSorted(cf.levels[1], meta)
	} else {
		cf.levels[0] = append([]*fileMeta{meta}, cf.levels[0]...)
	}
	err = e.saveManifestLocked()
	e.maybeScheduleCompactionLocked()
	e.log.WithFields(logrus.Fields{
		"cf":         cf.name,
		"file":       num,
		"entries":    numEntries,
		"global_seq": seq,
	}).Info("external table ingested")
	e.mu.Unlock()
	return err
}

// memRangeOverlaps reports whether the memtable holds any key in
// [smallest, largest].
func memRangeOverlaps(m *memtable.MemTable, smallest, largest []byte) bool {
	if m.Empty() {
		return false
	}
	it := m.NewIterator()
	it.Seek(keys.SeekKey(smallest, keys.MaxSequence))
	if !it.Valid() {
		return false
	}
	return bytes.Compare(keys.UserKey(it.Key()), largest) <= 0
}

func insertSorted(files []*fileMeta, meta *fileMeta) []*fileMeta {
	out := append(files, meta)
	for i := len(out) - 1; i > 0 && bytes.Compare(out[i-1].Smallest, out[i].Smallest) > 0; i-- {
		out[i-1], out[i] = out[i], out[i-1]
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("engine: copy %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("engine: copy to %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("engine: copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
