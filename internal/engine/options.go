// Package engine implements the log-structured storage engine: column
// families, a serialized write path with sequence numbers, snapshots,
// leveled compaction with write backpressure, and external table
// ingestion.
package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/cache"
	"github.com/basaltdb/basalt/internal/compression"
)

// DefaultColumnFamily is the name of the column family every store has.
const DefaultColumnFamily = "default"

// TableOptions configures the block-based table files of one column
// family.
type TableOptions struct {
	// BlockSize is the uncompressed data block size.
	BlockSize int

	// FilterBitsPerKey enables bloom filter blocks when positive.
	FilterBitsPerKey int

	// WholeKeyFiltering adds whole user keys to filters.
	WholeKeyFiltering bool

	// PrefixExtract, when set, adds key prefixes to filters and lets
	// point lookups probe by prefix.
	PrefixExtract func(user []byte) ([]byte, bool)

	// Cache is the block cache shared by every reader. Nil disables
	// block caching.
	Cache *cache.LRUCache
}

// CFOptions configures one column family.
type CFOptions struct {
	WriteBufferSize      uint64
	MaxWriteBufferNumber int

	Level0FileNumCompactionTrigger int
	Level0SlowdownWritesTrigger    int
	Level0StopWritesTrigger        int

	SoftPendingCompactionBytesLimit uint64
	HardPendingCompactionBytesLimit uint64

	TargetFileSizeBase   uint64
	MaxBytesForLevelBase uint64

	Compression           compression.Type
	BottommostCompression compression.Type

	// LevelCompactionDynamicLevelBytes keeps data on the last level
	// when possible.
	LevelCompactionDynamicLevelBytes bool

	DisableAutoCompactions bool

	EnableBlobFiles bool
	MinBlobSize     uint64
	BlobFileSize    uint64
	EnableBlobGC    bool

	Table TableOptions
}

// Options configures the engine. The embedded CFOptions apply to the
// default column family and serve as the template for column families
// created without explicit options.
type Options struct {
	CreateIfMissing bool
	ParanoidChecks  bool

	MaxOpenFiles      int
	MaxBackgroundJobs int

	MaxTotalWALSize   uint64
	DBWriteBufferSize uint64 // 0 means unlimited
	BytesPerSync      int64
	WALBytesPerSync   int64

	Logger *logrus.Logger

	CFOptions

	// ColumnFamilies holds options for additional column families,
	// created at open when absent. A nil entry inherits the default
	// template. The default column family must not appear here.
	ColumnFamilies map[string]*CFOptions
}

// Clone returns a deep copy; table options share the cache pointer.
func (o *Options) Clone() *Options {
	c := *o
	if o.ColumnFamilies != nil {
		c.ColumnFamilies = make(map[string]*CFOptions, len(o.ColumnFamilies))
		for name, cf := range o.ColumnFamilies {
			if cf == nil {
				c.ColumnFamilies[name] = nil
				continue
			}
			dup := *cf
			c.ColumnFamilies[name] = &dup
		}
	}
	return &c
}

func (o *Options) cfOptions(name string) *CFOptions {
	if cf, ok := o.ColumnFamilies[name]; ok && cf != nil {
		return cf
	}
	dup := o.CFOptions
	return &dup
}

func (o *Options) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}
