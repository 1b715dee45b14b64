// Package compression provides the per-block codecs used by SSTables
// and blob sidecars.
//
// Each block is stored with a 1-byte codec tag; the tag values are
// stable on disk.
package compression

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"fmt"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a compression codec.
type Type uint8

const (
	// None stores blocks uncompressed.
	None Type = 0x0

	// Snappy uses Google Snappy.
	Snappy Type = 0x1

	// Zlib uses DEFLATE with a zlib header.
	Zlib Type = 0x2

	// LZ4 uses LZ4 fast mode.
	LZ4 Type = 0x4

	// LZ4HC uses LZ4 high-compression mode.
	LZ4HC Type = 0x5

	// Zstd uses Zstandard.
	Zstd Type = 0x7
)

// String returns the canonical lowercase name, matching the values
// accepted from the environment and the options document.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zlib:
		return "zlib"
	case LZ4:
		return "lz4"
	case LZ4HC:
		return "lz4hc"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// IsSupported reports whether t names a codec this build can run.
func (t Type) IsSupported() bool {
	switch t {
	case None, Snappy, Zlib, LZ4, LZ4HC, Zstd:
		return true
	default:
		return false
	}
}

// Parse maps a codec name to its Type. Unrecognized names return
// ok=false; callers decide whether that is an error or a fallback.
func Parse(s string) (Type, bool) {
	switch strings.ToLower(s) {
	case "none":
		return None, true
	case "snappy":
		return Snappy, true
	case "zlib":
		return Zlib, true
	case "lz4":
		return LZ4, true
	case "lz4hc":
		return LZ4HC, true
	case "zstd":
		return Zstd, true
	default:
		return None, false
	}
}

// Compress encodes data with the given codec.
func Compress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Encode(nil, data), nil

	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("zlib write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("zlib close: %w", err)
		}
		return buf.Bytes(), nil

	case LZ4:
		return compressLZ4(data, lz4.Fast)

	case LZ4HC:
		return compressLZ4(data, lz4.Level9)

	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		defer func() { _ = enc.Close() }()
		return enc.EncodeAll(data, nil), nil

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func compressLZ4(data []byte, level lz4.CompressionLevel) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(lz4.CompressionLevelOption(level)); err != nil {
		return nil, fmt.Errorf("lz4 level: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decodes data previously produced by Compress with the
// same codec tag.
func Decompress(t Type, data []byte) ([]byte, error) {
	switch t {
	case None:
		return data, nil

	case Snappy:
		return snappy.Decode(nil, data)

	case Zlib:
		// Accept both zlib-framed and raw deflate payloads.
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err == nil {
			defer func() { _ = r.Close() }()
			return io.ReadAll(r)
		}
		fr := flate.NewReader(bytes.NewReader(data))
		defer func() { _ = fr.Close() }()
		out, ferr := io.ReadAll(fr)
		if ferr != nil {
			return nil, fmt.Errorf("zlib decompress: %w", err)
		}
		return out, nil

	case LZ4, LZ4HC:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)

	case Zstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)

	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}
