package filter

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFilter(p *Policy, keys ...string) []byte {
	var hashes []uint64
	for _, k := range keys {
		hashes = AppendHash(hashes, []byte(k))
	}
	return p.Build(hashes)
}

func TestNoFalseNegatives(t *testing.T) {
	p := NewPolicy(10)

	var keys []string
	for i := 0; i < 2000; i++ {
		keys = append(keys, fmt.Sprintf("key-%06d", i))
	}
	f := buildFilter(p, keys...)

	for _, k := range keys {
		require.True(t, MayContain(f, []byte(k)), "absent: %s", k)
	}
}

func TestFalsePositiveRateIsReasonable(t *testing.T) {
	p := NewPolicy(10)

	var keys []string
	for i := 0; i < 10000; i++ {
		keys = append(keys, fmt.Sprintf("present-%06d", i))
	}
	f := buildFilter(p, keys...)

	fp := 0
	const probes = 10000
	for i := 0; i < probes; i++ {
		if MayContain(f, []byte(fmt.Sprintf("absent-%06d", i))) {
			fp++
		}
	}
	// 10 bits per key gives roughly 1% in theory; leave headroom.
	assert.Less(t, fp, probes/20)
}

func TestEmptyFilterAdmitsEverything(t *testing.T) {
	assert.True(t, MayContain(nil, []byte("anything")))
	assert.True(t, MayContain([]byte{0}, []byte("anything")))
}

func TestAppendHashDeduplicatesRuns(t *testing.T) {
	var hashes []uint64
	hashes = AppendHash(hashes, []byte("a"))
	hashes = AppendHash(hashes, []byte("a"))
	hashes = AppendHash(hashes, []byte("b"))
	assert.Len(t, hashes, 2)
}

func TestBitsPerKeyClamped(t *testing.T) {
	p := NewPolicy(-5)
	f := buildFilter(p, "only-key")
	assert.True(t, MayContain(f, []byte("only-key")))
}
