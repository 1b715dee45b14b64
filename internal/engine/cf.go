package engine

import (
	"bytes"

	"github.com/basaltdb/basalt/internal/memtable"
	"github.com/basaltdb/basalt/internal/sstable"
)

const numLevels = 2

// columnFamily is the runtime state of one column family. Mutable
// fields are guarded by the engine mutex; memtable internals have
// their own synchronization.
type columnFamily struct {
	id   uint32
	name string
	opts *CFOptions

	mem *memtable.MemTable
	imm []*memtable.MemTable // frozen, newest last

	// levels[0] is newest file first; levels[1] is sorted by smallest
	// key with disjoint ranges.
	levels [numLevels][]*fileMeta
}

// tableOptions builds reader/writer options for this family's tables.
// bottommost selects the last-level codec.
func (cf *columnFamily) tableOptions(e *Engine, bottommost bool) sstable.Options {
	codec := cf.opts.Compression
	if bottommost && cf.opts.BottommostCompression.IsSupported() {
		codec = cf.opts.BottommostCompression
	}
	o := sstable.Options{
		BlockSize:         cf.opts.Table.BlockSize,
		Compression:       codec,
		FilterBitsPerKey:  cf.opts.Table.FilterBitsPerKey,
		WholeKeyFiltering: cf.opts.Table.WholeKeyFiltering,
		PrefixExtract:     cf.opts.Table.PrefixExtract,
		BytesPerSync:      e.opts.BytesPerSync,
		Cache:             cf.opts.Table.Cache,
		VerifyChecksums:   e.opts.ParanoidChecks,
	}
	if cf.opts.EnableBlobFiles {
		o.BlobMinSize = cf.opts.MinBlobSize
		o.BlobFileSize = cf.opts.BlobFileSize
	}
	return o
}

// memoryUsage sums the active and frozen memtable estimates.
func (cf *columnFamily) memoryUsage() int64 {
	n := cf.mem.ApproximateMemoryUsage()
	for _, m := range cf.imm {
		n += m.ApproximateMemoryUsage()
	}
	return n
}

// pendingCompactionBytes estimates the backlog feeding the next
// compaction: level-0 bytes once the file-count trigger is reached,
// plus last-level excess over the level budget. With dynamic level
// bytes the last level carries no budget.
func (cf *columnFamily) pendingCompactionBytes() uint64 {
	var n uint64
	if len(cf.levels[0]) >= cf.opts.Level0FileNumCompactionTrigger {
		for _, f := range cf.levels[0] {
			n += f.Size
		}
	}
	if !cf.opts.LevelCompactionDynamicLevelBytes && cf.opts.MaxBytesForLevelBase > 0 {
		var last uint64
		for _, f := range cf.levels[1] {
			last += f.Size
		}
		if last > cf.opts.MaxBytesForLevelBase {
			n += last - cf.opts.MaxBytesForLevelBase
		}
	}
	return n
}

// overlaps reports whether [smallest, largest] intersects any file in
// the family.
func (cf *columnFamily) overlaps(smallest, largest []byte) bool {
	for l := 0; l < numLevels; l++ {
		for _, f := range cf.levels[l] {
			if bytes.Compare(largest, f.Smallest) >= 0 && bytes.Compare(smallest, f.Largest) <= 0 {
				return true
			}
		}
	}
	return false
}

func (cf *columnFamily) manifestState() cfManifest {
	st := cfManifest{ID: cf.id, Name: cf.name, Levels: make([][]fileMeta, numLevels)}
	for l := 0; l < numLevels; l++ {
		for _, f := range cf.levels[l] {
			st.Levels[l] = append(st.Levels[l], *f)
		}
	}
	return st
}
