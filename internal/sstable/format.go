// Package sstable implements block-based sorted table files.
//
// Layout: a sequence of data blocks, an optional filter block, an index
// block, a properties block, and a fixed-size footer. Every block is
// individually compressed and carries a 1-byte codec tag plus an 8-byte
// xxh3 checksum trailer. Values at or above the configured blob
// threshold live in a sidecar file next to the table; the table entry
// stores an (offset, length) reference instead.
package sstable

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"

	"github.com/basaltdb/basalt/internal/cache"
	"github.com/basaltdb/basalt/internal/compression"
)

const (
	tableMagic    = uint64(0x62736c5f74626c31) // "bsl_tbl1"
	formatVersion = uint32(1)

	// footer: filter off/len, index off/len, props off/len,
	// version, magic.
	footerLen = 6*8 + 4 + 8

	blockTrailerLen = 1 + 8
)

// ErrBadTable reports a structurally invalid or corrupt table file.
var ErrBadTable = errors.New("sstable: invalid table file")

// BlobSuffix is appended to the table path to name its value sidecar.
const BlobSuffix = ".blob"

// Options configures table building and reading.
type Options struct {
	// BlockSize is the uncompressed flush threshold for data blocks.
	BlockSize int

	// Compression is the codec applied to data blocks.
	Compression compression.Type

	// FilterBitsPerKey enables the bloom filter block when positive.
	FilterBitsPerKey int

	// WholeKeyFiltering adds whole user keys to the filter.
	WholeKeyFiltering bool

	// PrefixExtract, when set, adds extracted prefixes to the filter.
	PrefixExtract func(user []byte) ([]byte, bool)

	// BlobMinSize routes values of at least this many bytes to the
	// sidecar. Zero disables blob storage.
	BlobMinSize uint64

	// BlobFileSize caps sidecar growth; once reached, further large
	// values are stored inline.
	BlobFileSize uint64

	// BytesPerSync syncs the table file incrementally while building.
	BytesPerSync int64

	// Cache is the block cache used by readers; nil disables caching.
	// Each reader namespaces its cache keys with a process-unique
	// identity.
	Cache *cache.LRUCache

	// GlobalSeq, when nonzero, replaces the zero sequence numbers of an
	// externally built table at read time.
	GlobalSeq uint64

	// VerifyChecksums validates block checksums on every read.
	VerifyChecksums bool
}

type footer struct {
	filterOff, filterLen uint64
	indexOff, indexLen   uint64
	propsOff, propsLen   uint64
}

func (ft *footer) encode() []byte {
	buf := make([]byte, footerLen)
	binary.LittleEndian.PutUint64(buf[0:], ft.filterOff)
	binary.LittleEndian.PutUint64(buf[8:], ft.filterLen)
	binary.LittleEndian.PutUint64(buf[16:], ft.indexOff)
	binary.LittleEndian.PutUint64(buf[24:], ft.indexLen)
	binary.LittleEndian.PutUint64(buf[32:], ft.propsOff)
	binary.LittleEndian.PutUint64(buf[40:], ft.propsLen)
	binary.LittleEndian.PutUint32(buf[48:], formatVersion)
	binary.LittleEndian.PutUint64(buf[52:], tableMagic)
	return buf
}

func decodeFooter(buf []byte) (*footer, error) {
	if len(buf) != footerLen {
		return nil, ErrBadTable
	}
	if binary.LittleEndian.Uint64(buf[52:]) != tableMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrBadTable)
	}
	if v := binary.LittleEndian.Uint32(buf[48:]); v != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBadTable, v)
	}
	return &footer{
		filterOff: binary.LittleEndian.Uint64(buf[0:]),
		filterLen: binary.LittleEndian.Uint64(buf[8:]),
		indexOff:  binary.LittleEndian.Uint64(buf[16:]),
		indexLen:  binary.LittleEndian.Uint64(buf[24:]),
		propsOff:  binary.LittleEndian.Uint64(buf[32:]),
		propsLen:  binary.LittleEndian.Uint64(buf[40:]),
	}, nil
}

// sealBlock compresses a payload and appends the codec tag and checksum
// trailer.
func sealBlock(payload []byte, codec compression.Type) ([]byte, error) {
	compressed, err := compression.Compress(codec, payload)
	if err != nil {
		return nil, err
	}
	// Fall back to stored payloads that did not shrink.
	if codec != compression.None && len(compressed) >= len(payload) {
		compressed = payload
		codec = compression.None
	}
	out := make([]byte, 0, len(compressed)+blockTrailerLen)
	out = append(out, compressed...)
	out = append(out, byte(codec))
	var sum [8]byte
	binary.LittleEndian.PutUint64(sum[:], xxh3.Hash(out))
	return append(out, sum[:]...), nil
}

// openBlock verifies and decompresses a sealed block.
func openBlock(raw []byte, verify bool) ([]byte, error) {
	if len(raw) < blockTrailerLen {
		return nil, ErrBadTable
	}
	body := raw[:len(raw)-8]
	if verify {
		want := binary.LittleEndian.Uint64(raw[len(raw)-8:])
		if xxh3.Hash(body) != want {
			return nil, fmt.Errorf("%w: block checksum mismatch", ErrBadTable)
		}
	}
	codec := compression.Type(body[len(body)-1])
	return compression.Decompress(codec, body[:len(body)-1])
}

func appendUvarint(dst []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(dst, tmp[:n]...)
}

func appendLenPrefixed(dst, b []byte) []byte {
	dst = appendUvarint(dst, uint64(len(b)))
	return append(dst, b...)
}

type props struct {
	numEntries uint64
	smallest   []byte // user key
	largest    []byte // user key
	blobBytes  uint64
}

func (p *props) encode() []byte {
	var buf []byte
	buf = appendUvarint(buf, p.numEntries)
	buf = appendLenPrefixed(buf, p.smallest)
	buf = appendLenPrefixed(buf, p.largest)
	buf = appendUvarint(buf, p.blobBytes)
	return buf
}

func decodeProps(buf []byte) (*props, error) {
	p := &props{}
	var n int
	var err error
	if p.numEntries, n = binary.Uvarint(buf); n <= 0 {
		return nil, ErrBadTable
	}
	buf = buf[n:]
	if p.smallest, buf, err = readLenPrefixed(buf); err != nil {
		return nil, err
	}
	if p.largest, buf, err = readLenPrefixed(buf); err != nil {
		return nil, err
	}
	if p.blobBytes, n = binary.Uvarint(buf); n <= 0 {
		return nil, ErrBadTable
	}
	return p, nil
}

func readLenPrefixed(buf []byte) (val, rest []byte, err error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)-n) < l {
		return nil, nil, ErrBadTable
	}
	return buf[n : n+int(l)], buf[n+int(l):], nil
}

type blobRef struct {
	offset uint64
	length uint64
}

func encodeBlobRef(r blobRef) []byte {
	var buf []byte
	buf = appendUvarint(buf, r.offset)
	buf = appendUvarint(buf, r.length)
	return buf
}

func decodeBlobRef(buf []byte) (blobRef, error) {
	off, n := binary.Uvarint(buf)
	if n <= 0 {
		return blobRef{}, ErrBadTable
	}
	length, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return blobRef{}, ErrBadTable
	}
	return blobRef{offset: off, length: length}, nil
}
