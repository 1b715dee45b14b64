package basalt

import (
	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/compression"
)

// Compression identifies a block compression codec.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
	ZlibCompression
	LZ4Compression
	LZ4HCCompression
	ZstdCompression
)

var compressionNames = map[Compression]string{
	NoCompression:     "none",
	SnappyCompression: "snappy",
	ZlibCompression:   "zlib",
	LZ4Compression:    "lz4",
	LZ4HCCompression:  "lz4hc",
	ZstdCompression:   "zstd",
}

func (c Compression) String() string {
	if s, ok := compressionNames[c]; ok {
		return s
	}
	return "unknown"
}

// ParseCompression maps a codec name to its Compression value.
// Unrecognized names report false; callers fall back to their default.
func ParseCompression(s string) (Compression, bool) {
	for c, name := range compressionNames {
		if name == s {
			return c, true
		}
	}
	return NoCompression, false
}

func (c Compression) internal() compression.Type {
	switch c {
	case SnappyCompression:
		return compression.Snappy
	case ZlibCompression:
		return compression.Zlib
	case LZ4Compression:
		return compression.LZ4
	case LZ4HCCompression:
		return compression.LZ4HC
	case ZstdCompression:
		return compression.Zstd
	default:
		return compression.None
	}
}

// FilterKind selects the point-lookup filter family. Ribbon selects
// the space-optimized builder where available; both kinds currently
// build bloom filters.
type FilterKind int

const (
	BloomFilter FilterKind = iota
	RibbonFilter
)

// PrefixExtractorKind selects how key prefixes are derived for
// prefix-based filtering.
type PrefixExtractorKind int

const (
	// NoPrefixExtractor disables prefix filtering.
	NoPrefixExtractor PrefixExtractorKind = iota

	// CappedPrefixExtractor uses min(len(key), Len) leading bytes.
	CappedPrefixExtractor

	// FixedPrefixExtractor uses exactly Len leading bytes; shorter
	// keys are not in the prefix domain.
	FixedPrefixExtractor
)

// PrefixExtractor configures prefix derivation for filters.
type PrefixExtractor struct {
	Kind PrefixExtractorKind
	Len  int
}

func (p PrefixExtractor) fn() func([]byte) ([]byte, bool) {
	n := p.Len
	switch p.Kind {
	case CappedPrefixExtractor:
		return func(user []byte) ([]byte, bool) {
			if len(user) > n {
				return user[:n], true
			}
			return user, true
		}
	case FixedPrefixExtractor:
		return func(user []byte) ([]byte, bool) {
			if len(user) < n {
				return nil, false
			}
			return user[:n], true
		}
	default:
		return nil
	}
}

// CompactionPriority orders file picking within a level.
type CompactionPriority int

const (
	CompactionPriMinOverlappingRatio CompactionPriority = iota
	CompactionPriByCompensatedSize
	CompactionPriOldestLargestSeqFirst
	CompactionPriOldestSmallestSeqFirst
)

// TableConfig holds the block-format settings of one column family.
type TableConfig struct {
	// BlockSize is the uncompressed data block size in bytes.
	BlockSize int

	FilterKind        FilterKind
	FilterBitsPerKey  int
	WholeKeyFiltering bool

	PrefixExtractor PrefixExtractor
}

// CFConfig holds the per-column-family tuning parameters.
type CFConfig struct {
	WriteBufferSize      uint64
	MaxWriteBufferNumber int

	Level0FileNumCompactionTrigger int
	Level0SlowdownWritesTrigger    int
	Level0StopWritesTrigger        int

	SoftPendingCompactionBytesLimit uint64
	HardPendingCompactionBytesLimit uint64

	TargetFileSizeBase   uint64
	MaxBytesForLevelBase uint64

	Compression           Compression
	BottommostCompression Compression

	CompactionPriority               CompactionPriority
	LevelCompactionDynamicLevelBytes bool
	DisableAutoCompactions           bool

	EnableBlobFiles bool
	MinBlobSize     uint64
	BlobFileSize    uint64
	EnableBlobGC    bool

	Table TableConfig
}

// Config is the effective configuration of one opened store. Every
// field has a defined value after resolution. The embedded CFConfig
// governs the default column family and is the template for column
// families without explicit settings.
type Config struct {
	CreateIfMissing bool
	ParanoidChecks  bool

	MaxOpenFiles      int
	MaxBackgroundJobs int

	MaxTotalWALSize   uint64
	DBWriteBufferSize uint64 // 0 means unlimited
	BytesPerSync      int64
	WALBytesPerSync   int64

	CompactionReadaheadSize int64

	// BlockCacheSize is the shared block cache capacity the open will
	// apply to the process-wide singleton.
	BlockCacheSize uint64

	CFConfig

	ColumnFamilies map[string]*CFConfig
}

// Clone deep-copies the configuration.
func (c *Config) Clone() *Config {
	out := *c
	if c.ColumnFamilies != nil {
		out.ColumnFamilies = make(map[string]*CFConfig, len(c.ColumnFamilies))
		for name, cf := range c.ColumnFamilies {
			dup := *cf
			out.ColumnFamilies[name] = &dup
		}
	}
	return &out
}

// DefaultConfig returns the baseline: conservative values for a
// single-process embedded store with bounded memory.
func DefaultConfig() *Config {
	return &Config{
		MaxOpenFiles:            1000,
		MaxBackgroundJobs:       2,
		MaxTotalWALSize:         1 << 30,
		DBWriteBufferSize:       128 << 20,
		BytesPerSync:            1 << 20,
		WALBytesPerSync:         1 << 20,
		CompactionReadaheadSize: 2 << 20,
		BlockCacheSize:          DefaultBlockCacheSize,
		CFConfig: CFConfig{
			WriteBufferSize:                  16 << 20,
			MaxWriteBufferNumber:             3,
			Level0FileNumCompactionTrigger:   4,
			Level0SlowdownWritesTrigger:      20,
			Level0StopWritesTrigger:          36,
			SoftPendingCompactionBytesLimit:  64 << 30,
			HardPendingCompactionBytesLimit:  256 << 30,
			TargetFileSizeBase:               64 << 20,
			MaxBytesForLevelBase:             256 << 20,
			Compression:                      LZ4Compression,
			BottommostCompression:            ZstdCompression,
			CompactionPriority:               CompactionPriMinOverlappingRatio,
			LevelCompactionDynamicLevelBytes: true,
			Table: TableConfig{
				BlockSize: 32 << 10,
			},
		},
	}
}

// OpenOptions are the structured caller overrides applied on top of
// the baseline and the options document, below environment overrides.
type OpenOptions struct {
	// OptionsPath names a persisted options document to layer in. A
	// parse failure aborts the open.
	OptionsPath string

	CreateIfMissing bool
	ParanoidChecks  bool

	// DestroyOnClose removes the store's files when the handle is
	// closed. Irreversible.
	DestroyOnClose bool

	// PrepareForBulkLoad trades read performance and compaction for
	// raw load throughput.
	PrepareForBulkLoad bool

	// IncreaseParallelism sets the background job budget when positive.
	IncreaseParallelism int

	// OptimizeLevelStyleCompaction derives buffer and level sizing
	// from the given memtable memory budget when positive.
	OptimizeLevelStyleCompaction uint64

	// BlockCacheSize overrides the document's cache capacity when
	// positive. An environment override still beats it.
	BlockCacheSize uint64

	EnableBlobFiles bool
	MinBlobSize     uint64
	BlobFileSize    uint64
	EnableBlobGC    bool

	// UseFilter enables the point-lookup filter with the given
	// bits-per-key. Applying it preserves the table configuration
	// already in place.
	UseFilter         bool
	FilterKind        FilterKind
	FilterBitsPerKey  int
	WholeKeyFiltering bool

	PrefixExtractor PrefixExtractor

	// Logger receives lifecycle and teardown logging. Nil uses the
	// standard logger.
	Logger *logrus.Logger
}
