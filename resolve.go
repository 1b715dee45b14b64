package basalt

import (
	"os"
	"strconv"
)

// EnvPrefix is prepended to every recognized environment override.
const EnvPrefix = "BASALT_"

// ResolveConfig folds the configuration layers in precedence order:
// baseline defaults, then the persisted options document, then the
// structured caller overrides, then environment variables. Each layer
// only touches the fields it explicitly sets. lookup may be nil, in
// which case the process environment is read.
//
// A nil base starts from DefaultConfig. The input is not mutated.
func ResolveConfig(base *Config, opts *OpenOptions, lookup func(string) (string, bool)) (*Config, error) {
	cfg, _, err := resolveConfig(base, opts, lookup)
	return cfg, err
}

// resolveConfig additionally reports whether any layer above the
// baseline fixed the block cache capacity, which decides whether the
// shared singleton is resized at open.
func resolveConfig(base *Config, opts *OpenOptions, lookup func(string) (string, bool)) (cfg *Config, cacheExplicit bool, err error) {
	if base == nil {
		base = DefaultConfig()
	}
	cfg = base.Clone()
	if opts == nil {
		opts = &OpenOptions{}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}

	// Layer 2: persisted options document. A parse failure is
	// terminal; the store is not opened.
	var docCache uint64
	docCacheSet := false
	if opts.OptionsPath != "" {
		doc, derr := loadOptionsDoc(opts.OptionsPath)
		if derr != nil {
			return nil, false, derr
		}
		docCache, docCacheSet = applyDoc(cfg, doc)
	}

	// Layer 3: structured caller overrides.
	applyOpenOptions(cfg, opts)

	// Cache capacity precedence: environment, then caller, then the
	// document. The cache object itself is always the shared
	// singleton, never a document value.
	switch {
	case opts.BlockCacheSize > 0:
		cfg.BlockCacheSize = opts.BlockCacheSize
		cacheExplicit = true
	case docCacheSet:
		cfg.BlockCacheSize = docCache
		cacheExplicit = true
	}

	// Layer 4: environment overrides, highest precedence.
	if v, ok := envUint(lookup, "BLOCK_CACHE_MB", false); ok {
		cfg.BlockCacheSize = v << 20
		cacheExplicit = true
	}
	applyEnv(cfg, lookup)

	return cfg, cacheExplicit, nil
}

func applyOpenOptions(cfg *Config, opts *OpenOptions) {
	if opts.CreateIfMissing {
		cfg.CreateIfMissing = true
	}
	if opts.ParanoidChecks {
		cfg.ParanoidChecks = true
	}

	if opts.IncreaseParallelism > 0 {
		cfg.MaxBackgroundJobs = opts.IncreaseParallelism
	}
	if budget := opts.OptimizeLevelStyleCompaction; budget > 0 {
		forEachCF(cfg, func(cf *CFConfig) {
			cf.WriteBufferSize = budget / 4
			cf.MaxWriteBufferNumber = 6
			cf.Level0FileNumCompactionTrigger = 2
			cf.TargetFileSizeBase = budget / 8
			cf.MaxBytesForLevelBase = budget
		})
	}
	if opts.PrepareForBulkLoad {
		forEachCF(cfg, func(cf *CFConfig) {
			cf.DisableAutoCompactions = true
			cf.MaxWriteBufferNumber = 16
			cf.Level0FileNumCompactionTrigger = 1 << 30
			cf.Level0SlowdownWritesTrigger = 1 << 30
			cf.Level0StopWritesTrigger = 1 << 30
			cf.SoftPendingCompactionBytesLimit = 0
			cf.HardPendingCompactionBytesLimit = 0
		})
	}
	if opts.EnableBlobFiles {
		forEachCF(cfg, func(cf *CFConfig) {
			cf.EnableBlobFiles = true
			if opts.MinBlobSize > 0 {
				cf.MinBlobSize = opts.MinBlobSize
			}
			if opts.BlobFileSize > 0 {
				cf.BlobFileSize = opts.BlobFileSize
			}
			cf.EnableBlobGC = opts.EnableBlobGC
		})
	}
	if opts.UseFilter {
		// The table configuration already in place is preserved; only
		// the filter fields are layered in.
		forEachCF(cfg, func(cf *CFConfig) {
			tbl := cf.Table
			tbl.FilterKind = opts.FilterKind
			tbl.FilterBitsPerKey = opts.FilterBitsPerKey
			tbl.WholeKeyFiltering = opts.WholeKeyFiltering
			cf.Table = tbl
		})
	}
	if opts.PrefixExtractor.Kind != NoPrefixExtractor {
		forEachCF(cfg, func(cf *CFConfig) {
			tbl := cf.Table
			tbl.PrefixExtractor = opts.PrefixExtractor
			cf.Table = tbl
		})
	}
}

// forEachCF applies f to the default column family and every named one.
func forEachCF(cfg *Config, f func(*CFConfig)) {
	f(&cfg.CFConfig)
	for _, cf := range cfg.ColumnFamilies {
		f(cf)
	}
}

// envUint reads a numeric override. Absent, unparseable or (unless
// zeroOK) zero values report false and the prior layer's value stands.
func envUint(lookup func(string) (string, bool), name string, zeroOK bool) (uint64, bool) {
	s, ok := lookup(EnvPrefix + name)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	if v == 0 && !zeroOK {
		return 0, false
	}
	return v, true
}

// applyEnv is the environment override table. Every recognized knob
// lives here; nothing else in the package reads the environment.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := envUint(lookup, "MAX_OPEN_FILES", false); ok {
		cfg.MaxOpenFiles = int(v)
	}
	if v, ok := envUint(lookup, "MAX_BACKGROUND_JOBS", false); ok {
		cfg.MaxBackgroundJobs = int(v)
	}
	if v, ok := envUint(lookup, "WRITE_BUFFER_SIZE_MB", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.WriteBufferSize = v << 20 })
	}
	if v, ok := envUint(lookup, "MAX_WRITE_BUFFER_NUMBER", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.MaxWriteBufferNumber = int(v) })
	}
	// Zero is a legitimate value here: an unlimited total budget.
	if v, ok := envUint(lookup, "DB_WRITE_BUFFER_SIZE_MB", true); ok {
		cfg.DBWriteBufferSize = v << 20
	}
	if v, ok := envUint(lookup, "SOFT_PENDING_COMPACTION_GB", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.SoftPendingCompactionBytesLimit = v << 30 })
	}
	if v, ok := envUint(lookup, "HARD_PENDING_COMPACTION_GB", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.HardPendingCompactionBytesLimit = v << 30 })
	}
	if v, ok := envUint(lookup, "LEVEL0_FILE_NUM_COMPACTION_TRIGGER", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.Level0FileNumCompactionTrigger = int(v) })
	}
	if v, ok := envUint(lookup, "LEVEL0_SLOWDOWN_WRITES_TRIGGER", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.Level0SlowdownWritesTrigger = int(v) })
	}
	if v, ok := envUint(lookup, "LEVEL0_STOP_WRITES_TRIGGER", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.Level0StopWritesTrigger = int(v) })
	}
	if v, ok := envUint(lookup, "TARGET_FILE_SIZE_BASE_MB", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.TargetFileSizeBase = v << 20 })
	}
	if v, ok := envUint(lookup, "MAX_BYTES_FOR_LEVEL_BASE_MB", false); ok {
		forEachCF(cfg, func(cf *CFConfig) { cf.MaxBytesForLevelBase = v << 20 })
	}
	if s, ok := lookup(EnvPrefix + "COMPRESSION_TYPE"); ok {
		// Unrecognized names silently fall back to the default codec.
		c, recognized := ParseCompression(s)
		if !recognized {
			c = LZ4Compression
		}
		forEachCF(cfg, func(cf *CFConfig) { cf.Compression = c })
	}
	if s, ok := lookup(EnvPrefix + "BOTTOMMOST_COMPRESSION_TYPE"); ok {
		c, recognized := ParseCompression(s)
		if !recognized {
			c = ZstdCompression
		}
		forEachCF(cfg, func(cf *CFConfig) { cf.BottommostCompression = c })
	}
	if v, ok := envUint(lookup, "MAX_TOTAL_WAL_SIZE_MB", false); ok {
		cfg.MaxTotalWALSize = v << 20
	}
	if v, ok := envUint(lookup, "BYTES_PER_SYNC", false); ok {
		cfg.BytesPerSync = int64(v)
	}
	if v, ok := envUint(lookup, "WAL_BYTES_PER_SYNC", false); ok {
		cfg.WALBytesPerSync = int64(v)
	}
	if v, ok := envUint(lookup, "COMPACTION_READAHEAD_SIZE", false); ok {
		cfg.CompactionReadaheadSize = int64(v)
	}
	// Applied last and surgically: the table configuration is copied
	// and only the block size mutated, so filter settings layered in
	// earlier survive.
	if v, ok := envUint(lookup, "BLOCK_SIZE", false); ok {
		forEachCF(cfg, func(cf *CFConfig) {
			tbl := cf.Table
			tbl.BlockSize = int(v)
			cf.Table = tbl
		})
	}
}
