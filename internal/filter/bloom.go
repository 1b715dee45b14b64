// Package filter implements the bloom filter block attached to SSTables.
//
// The filter is built once per table over every user key (or extracted
// prefix) the table contains. Probing uses double hashing derived from a
// single 64-bit hash of the key.
package filter

import (
	"github.com/zeebo/xxh3"
)

// Policy builds and probes bloom filters with a fixed bits-per-key
// budget.
type Policy struct {
	bitsPerKey int
	numProbes  int
}

// NewPolicy returns a bloom policy. bitsPerKey below 1 is clamped to 1.
func NewPolicy(bitsPerKey int) *Policy {
	if bitsPerKey < 1 {
		bitsPerKey = 1
	}
	// k = bits_per_key * ln(2), capped to keep probing cheap.
	k := int(float64(bitsPerKey) * 0.69)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Policy{bitsPerKey: bitsPerKey, numProbes: k}
}

// Build creates a filter over the given keys. The probe count is stored
// in the final byte so readers need no external configuration.
func (p *Policy) Build(hashes []uint64) []byte {
	bits := len(hashes) * p.bitsPerKey
	if bits < 64 {
		bits = 64
	}
	nBytes := (bits + 7) / 8
	bits = nBytes * 8

	out := make([]byte, nBytes+1)
	out[nBytes] = byte(p.numProbes)

	for _, h := range hashes {
		delta := h>>33 | h<<31
		for i := 0; i < p.numProbes; i++ {
			pos := h % uint64(bits)
			out[pos/8] |= 1 << (pos % 8)
			h += delta
		}
	}
	return out
}

// Hash returns the 64-bit hash used for both building and probing.
func Hash(key []byte) uint64 {
	return xxh3.Hash(key)
}

// MayContain probes a filter previously produced by Build.
func MayContain(f []byte, key []byte) bool {
	if len(f) < 2 {
		return true
	}
	nBytes := len(f) - 1
	bits := uint64(nBytes * 8)
	k := int(f[nBytes])
	if k < 1 || k > 30 {
		// Unknown encoding; do not reject anything.
		return true
	}

	h := Hash(key)
	delta := h>>33 | h<<31
	for i := 0; i < k; i++ {
		pos := h % bits
		if f[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
		h += delta
	}
	return true
}

// AppendHash is a helper for writers collecting key hashes while
// deduplicating consecutive equal keys cheaply.
func AppendHash(hashes []uint64, key []byte) []uint64 {
	h := Hash(key)
	if n := len(hashes); n > 0 && hashes[n-1] == h {
		return hashes
	}
	return append(hashes, h)
}
