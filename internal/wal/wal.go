// Package wal implements the write-ahead log.
//
// Each record is framed as a 4-byte little-endian payload length, an
// 8-byte xxh3 checksum of the payload, and the payload itself. One
// record carries one encoded write batch. A torn or corrupt tail is
// treated as the end of the log, matching normal crash recovery.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/xxh3"
)

const headerLen = 12

// ErrCorrupt reports a checksum mismatch in the middle of a log.
var ErrCorrupt = errors.New("wal: corrupt record")

// Writer appends records to a single log file.
type Writer struct {
	f            *os.File
	size         int64
	bytesPerSync int64
	unsynced     int64
}

// NewWriter creates (truncating) the log at path. When bytesPerSync is
// positive the file is synced every time that many bytes accumulate.
func NewWriter(path string, bytesPerSync int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", path, err)
	}
	return &Writer{f: f, bytesPerSync: bytesPerSync}, nil
}

// Append writes one record. When sync is true the file is fsynced
// before returning.
func (w *Writer) Append(payload []byte, sync bool) error {
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], xxh3.Hash(payload))

	if _, err := w.f.Write(hdr[:]); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if _, err := w.f.Write(payload); err != nil {
		return fmt.Errorf("wal: write payload: %w", err)
	}
	n := int64(headerLen + len(payload))
	w.size += n
	w.unsynced += n

	if sync || (w.bytesPerSync > 0 && w.unsynced >= w.bytesPerSync) {
		if err := w.f.Sync(); err != nil {
			return fmt.Errorf("wal: sync: %w", err)
		}
		w.unsynced = 0
	}
	return nil
}

// Size returns the bytes written so far.
func (w *Writer) Size() int64 { return w.size }

// Sync flushes the log to stable storage.
func (w *Writer) Sync() error { return w.f.Sync() }

// Close syncs and closes the log.
func (w *Writer) Close() error {
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}

// Replay reads every intact record from the log at path, invoking fn
// for each payload in order. A clean or torn tail ends replay without
// error; a checksum mismatch before the tail returns ErrCorrupt.
func Replay(path string, fn func(payload []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var hdr [headerLen]byte
	for {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("wal: read header: %w", err)
		}
		n := binary.LittleEndian.Uint32(hdr[0:4])
		want := binary.LittleEndian.Uint64(hdr[4:12])

		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn tail from a crash mid-write.
				return nil
			}
			return fmt.Errorf("wal: read payload: %w", err)
		}
		if xxh3.Hash(payload) != want {
			return ErrCorrupt
		}
		if err := fn(payload); err != nil {
			return err
		}
	}
}
