package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPayload() []byte {
	// Repetitive enough that every codec actually shrinks it.
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
}

func TestRoundTripSupportedCodecs(t *testing.T) {
	payload := testPayload()
	for _, typ := range []Type{None, Snappy, Zlib, LZ4, LZ4HC, Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			require.True(t, typ.IsSupported())
			compressed, err := Compress(typ, payload)
			require.NoError(t, err)
			out, err := Decompress(typ, compressed)
			require.NoError(t, err)
			assert.Equal(t, payload, out)
			if typ != None {
				assert.Less(t, len(compressed), len(payload))
			}
		})
	}
}

func TestUnknownTypeRejected(t *testing.T) {
	bogus := Type(0x42)
	assert.False(t, bogus.IsSupported())
	_, err := Compress(bogus, []byte("x"))
	assert.Error(t, err)
	_, err = Decompress(bogus, []byte("x"))
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	for name, want := range map[string]Type{
		"none":   None,
		"snappy": Snappy,
		"zlib":   Zlib,
		"lz4":    LZ4,
		"LZ4HC":  LZ4HC,
		"zstd":   Zstd,
	} {
		got, ok := Parse(name)
		require.True(t, ok, name)
		assert.Equal(t, want, got)
	}

	_, ok := Parse("brotli")
	assert.False(t, ok)
}

func TestDecompressRejectsGarbage(t *testing.T) {
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		_, err := Decompress(typ, []byte{0xde, 0xad, 0xbe, 0xef})
		assert.Error(t, err, typ.String())
	}
}

func TestEmptyInput(t *testing.T) {
	for _, typ := range []Type{None, Snappy, LZ4, Zstd} {
		compressed, err := Compress(typ, nil)
		require.NoError(t, err)
		out, err := Decompress(typ, compressed)
		require.NoError(t, err)
		assert.Empty(t, out)
	}
}
