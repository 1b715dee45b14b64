package basalt

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// The options document is YAML with one field per knob. Every field is
// a pointer so an absent key never clobbers a lower layer's value.
// Sizes are bytes. Top-level table/compaction fields configure the
// default column family; column_families holds per-family sections,
// which are created at open when missing.
type cfDoc struct {
	WriteBufferSize      *uint64 `yaml:"write_buffer_size,omitempty"`
	MaxWriteBufferNumber *int    `yaml:"max_write_buffer_number,omitempty"`

	Level0FileNumCompactionTrigger *int `yaml:"level0_file_num_compaction_trigger,omitempty"`
	Level0SlowdownWritesTrigger    *int `yaml:"level0_slowdown_writes_trigger,omitempty"`
	Level0StopWritesTrigger        *int `yaml:"level0_stop_writes_trigger,omitempty"`

	SoftPendingCompactionBytesLimit *uint64 `yaml:"soft_pending_compaction_bytes_limit,omitempty"`
	HardPendingCompactionBytesLimit *uint64 `yaml:"hard_pending_compaction_bytes_limit,omitempty"`

	TargetFileSizeBase   *uint64 `yaml:"target_file_size_base,omitempty"`
	MaxBytesForLevelBase *uint64 `yaml:"max_bytes_for_level_base,omitempty"`

	Compression           *string `yaml:"compression,omitempty"`
	BottommostCompression *string `yaml:"bottommost_compression,omitempty"`

	CompactionPriority               *string `yaml:"compaction_priority,omitempty"`
	LevelCompactionDynamicLevelBytes *bool   `yaml:"level_compaction_dynamic_level_bytes,omitempty"`
	DisableAutoCompactions           *bool   `yaml:"disable_auto_compactions,omitempty"`

	EnableBlobFiles *bool   `yaml:"enable_blob_files,omitempty"`
	MinBlobSize     *uint64 `yaml:"min_blob_size,omitempty"`
	BlobFileSize    *uint64 `yaml:"blob_file_size,omitempty"`
	EnableBlobGC    *bool   `yaml:"enable_blob_garbage_collection,omitempty"`

	BlockSize         *int    `yaml:"block_size,omitempty"`
	FilterBitsPerKey  *int    `yaml:"filter_bits_per_key,omitempty"`
	FilterKind        *string `yaml:"filter_kind,omitempty"`
	WholeKeyFiltering *bool   `yaml:"whole_key_filtering,omitempty"`

	PrefixExtractor    *string `yaml:"prefix_extractor,omitempty"` // "capped" or "fixed"
	PrefixExtractorLen *int    `yaml:"prefix_extractor_len,omitempty"`
}

type optionsDoc struct {
	MaxOpenFiles      *int `yaml:"max_open_files,omitempty"`
	MaxBackgroundJobs *int `yaml:"max_background_jobs,omitempty"`

	MaxTotalWALSize   *uint64 `yaml:"max_total_wal_size,omitempty"`
	DBWriteBufferSize *uint64 `yaml:"db_write_buffer_size,omitempty"`
	BytesPerSync      *int64  `yaml:"bytes_per_sync,omitempty"`
	WALBytesPerSync   *int64  `yaml:"wal_bytes_per_sync,omitempty"`

	CompactionReadaheadSize *int64 `yaml:"compaction_readahead_size,omitempty"`

	// BlockCacheSize resizes the shared cache singleton unless a
	// higher-precedence layer fixed the capacity. The cache object
	// itself is never taken from a document.
	BlockCacheSize *uint64 `yaml:"block_cache_size,omitempty"`

	CfDoc cfDoc `yaml:",inline"`

	ColumnFamilies map[string]*cfDoc `yaml:"column_families,omitempty"`
}

func loadOptionsDoc(path string) (*optionsDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: options document %s: %v", ErrConfig, path, err)
	}
	doc := &optionsDoc{}
	if err := yaml.UnmarshalStrict(data, doc); err != nil {
		return nil, fmt.Errorf("%w: parse options document %s: %v", ErrConfig, path, err)
	}
	return doc, nil
}

func applyCFDoc(cf *CFConfig, d *cfDoc) {
	setU64 := func(dst *uint64, src *uint64) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}

	setU64(&cf.WriteBufferSize, d.WriteBufferSize)
	setInt(&cf.MaxWriteBufferNumber, d.MaxWriteBufferNumber)
	setInt(&cf.Level0FileNumCompactionTrigger, d.Level0FileNumCompactionTrigger)
	setInt(&cf.Level0SlowdownWritesTrigger, d.Level0SlowdownWritesTrigger)
	setInt(&cf.Level0StopWritesTrigger, d.Level0StopWritesTrigger)
	setU64(&cf.SoftPendingCompactionBytesLimit, d.SoftPendingCompactionBytesLimit)
	setU64(&cf.HardPendingCompactionBytesLimit, d.HardPendingCompactionBytesLimit)
	setU64(&cf.TargetFileSizeBase, d.TargetFileSizeBase)
	setU64(&cf.MaxBytesForLevelBase, d.MaxBytesForLevelBase)
	if d.Compression != nil {
		if c, ok := ParseCompression(*d.Compression); ok {
			cf.Compression = c
		}
	}
	if d.BottommostCompression != nil {
		if c, ok := ParseCompression(*d.BottommostCompression); ok {
			cf.BottommostCompression = c
		}
	}
	if d.CompactionPriority != nil {
		switch *d.CompactionPriority {
		case "min_overlapping_ratio":
			cf.CompactionPriority = CompactionPriMinOverlappingRatio
		case "by_compensated_size":
			cf.CompactionPriority = CompactionPriByCompensatedSize
		case "oldest_largest_seq_first":
			cf.CompactionPriority = CompactionPriOldestLargestSeqFirst
		case "oldest_smallest_seq_first":
			cf.CompactionPriority = CompactionPriOldestSmallestSeqFirst
		}
	}
	setBool(&cf.LevelCompactionDynamicLevelBytes, d.LevelCompactionDynamicLevelBytes)
	setBool(&cf.DisableAutoCompactions, d.DisableAutoCompactions)
	setBool(&cf.EnableBlobFiles, d.EnableBlobFiles)
	setU64(&cf.MinBlobSize, d.MinBlobSize)
	setU64(&cf.BlobFileSize, d.BlobFileSize)
	setBool(&cf.EnableBlobGC, d.EnableBlobGC)
	setInt(&cf.Table.BlockSize, d.BlockSize)
	setInt(&cf.Table.FilterBitsPerKey, d.FilterBitsPerKey)
	if d.FilterKind != nil {
		switch *d.FilterKind {
		case "bloom":
			cf.Table.FilterKind = BloomFilter
		case "ribbon":
			cf.Table.FilterKind = RibbonFilter
		}
	}
	setBool(&cf.Table.WholeKeyFiltering, d.WholeKeyFiltering)
	if d.PrefixExtractor != nil {
		switch *d.PrefixExtractor {
		case "capped":
			cf.Table.PrefixExtractor.Kind = CappedPrefixExtractor
		case "fixed":
			cf.Table.PrefixExtractor.Kind = FixedPrefixExtractor
		case "none":
			cf.Table.PrefixExtractor.Kind = NoPrefixExtractor
		}
	}
	if d.PrefixExtractorLen != nil {
		cf.Table.PrefixExtractor.Len = *d.PrefixExtractorLen
	}
}

// applyDoc folds the document into cfg and returns the document's
// cache size if it carried one. The top-level table fields seed the
// default column family; per-family sections layer on top of it.
func applyDoc(cfg *Config, doc *optionsDoc) (cacheSize uint64, cacheSet bool) {
	if doc.MaxOpenFiles != nil {
		cfg.MaxOpenFiles = *doc.MaxOpenFiles
	}
	if doc.MaxBackgroundJobs != nil {
		cfg.MaxBackgroundJobs = *doc.MaxBackgroundJobs
	}
	if doc.MaxTotalWALSize != nil {
		cfg.MaxTotalWALSize = *doc.MaxTotalWALSize
	}
	if doc.DBWriteBufferSize != nil {
		cfg.DBWriteBufferSize = *doc.DBWriteBufferSize
	}
	if doc.BytesPerSync != nil {
		cfg.BytesPerSync = *doc.BytesPerSync
	}
	if doc.WALBytesPerSync != nil {
		cfg.WALBytesPerSync = *doc.WALBytesPerSync
	}
	if doc.CompactionReadaheadSize != nil {
		cfg.CompactionReadaheadSize = *doc.CompactionReadaheadSize
	}

	applyCFDoc(&cfg.CFConfig, &doc.CfDoc)

	for name, d := range doc.ColumnFamilies {
		cf, ok := cfg.ColumnFamilies[name]
		if !ok {
			dup := cfg.CFConfig
			cf = &dup
			if cfg.ColumnFamilies == nil {
				cfg.ColumnFamilies = make(map[string]*CFConfig)
			}
			cfg.ColumnFamilies[name] = cf
		}
		applyCFDoc(cf, d)
	}

	if doc.BlockCacheSize != nil {
		return *doc.BlockCacheSize, true
	}
	return 0, false
}

const optionsFilePrefix = "OPTIONS-"

// writeOptionsFile persists the effective configuration next to the
// store, so the directory is self-describing. One file per open.
func writeOptionsFile(dir string, cfg *Config, generation uint64) (string, error) {
	doc := docFromConfig(cfg)
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%s%06d", optionsFilePrefix, generation))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// LatestOptionsFile returns the newest persisted options file in a
// store directory, or an empty string when none exists.
func LatestOptionsFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var names []string
	for _, ent := range entries {
		if strings.HasPrefix(ent.Name(), optionsFilePrefix) {
			names = append(names, ent.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Slice(names, func(i, j int) bool {
		a, _ := strconv.ParseUint(strings.TrimPrefix(names[i], optionsFilePrefix), 10, 64)
		b, _ := strconv.ParseUint(strings.TrimPrefix(names[j], optionsFilePrefix), 10, 64)
		return a < b
	})
	return filepath.Join(dir, names[len(names)-1]), nil
}

func cfDocFromConfig(cf *CFConfig) cfDoc {
	compr := cf.Compression.String()
	bottom := cf.BottommostCompression.String()
	pri := map[CompactionPriority]string{
		CompactionPriMinOverlappingRatio:    "min_overlapping_ratio",
		CompactionPriByCompensatedSize:      "by_compensated_size",
		CompactionPriOldestLargestSeqFirst:  "oldest_largest_seq_first",
		CompactionPriOldestSmallestSeqFirst: "oldest_smallest_seq_first",
	}[cf.CompactionPriority]
	fk := "bloom"
	if cf.Table.FilterKind == RibbonFilter {
		fk = "ribbon"
	}
	d := cfDoc{
		WriteBufferSize:                  &cf.WriteBufferSize,
		MaxWriteBufferNumber:             &cf.MaxWriteBufferNumber,
		Level0FileNumCompactionTrigger:   &cf.Level0FileNumCompactionTrigger,
		Level0SlowdownWritesTrigger:      &cf.Level0SlowdownWritesTrigger,
		Level0StopWritesTrigger:          &cf.Level0StopWritesTrigger,
		SoftPendingCompactionBytesLimit:  &cf.SoftPendingCompactionBytesLimit,
		HardPendingCompactionBytesLimit:  &cf.HardPendingCompactionBytesLimit,
		TargetFileSizeBase:               &cf.TargetFileSizeBase,
		MaxBytesForLevelBase:             &cf.MaxBytesForLevelBase,
		Compression:                      &compr,
		BottommostCompression:            &bottom,
		CompactionPriority:               &pri,
		LevelCompactionDynamicLevelBytes: &cf.LevelCompactionDynamicLevelBytes,
		DisableAutoCompactions:           &cf.DisableAutoCompactions,
		EnableBlobFiles:                  &cf.EnableBlobFiles,
		MinBlobSize:                      &cf.MinBlobSize,
		BlobFileSize:                     &cf.BlobFileSize,
		EnableBlobGC:                     &cf.EnableBlobGC,
		BlockSize:                        &cf.Table.BlockSize,
		FilterBitsPerKey:                 &cf.Table.FilterBitsPerKey,
		FilterKind:                       &fk,
		WholeKeyFiltering:                &cf.Table.WholeKeyFiltering,
	}
	if cf.Table.PrefixExtractor.Kind != NoPrefixExtractor {
		kind := "capped"
		if cf.Table.PrefixExtractor.Kind == FixedPrefixExtractor {
			kind = "fixed"
		}
		d.PrefixExtractor = &kind
		d.PrefixExtractorLen = &cf.Table.PrefixExtractor.Len
	}
	return d
}

func docFromConfig(cfg *Config) *optionsDoc {
	doc := &optionsDoc{
		MaxOpenFiles:            &cfg.MaxOpenFiles,
		MaxBackgroundJobs:       &cfg.MaxBackgroundJobs,
		MaxTotalWALSize:         &cfg.MaxTotalWALSize,
		DBWriteBufferSize:       &cfg.DBWriteBufferSize,
		BytesPerSync:            &cfg.BytesPerSync,
		WALBytesPerSync:         &cfg.WALBytesPerSync,
		CompactionReadaheadSize: &cfg.CompactionReadaheadSize,
		BlockCacheSize:          &cfg.BlockCacheSize,
		CfDoc:                   cfDocFromConfig(&cfg.CFConfig),
	}
	for name, cf := range cfg.ColumnFamilies {
		if doc.ColumnFamilies == nil {
			doc.ColumnFamilies = make(map[string]*cfDoc)
		}
		d := cfDocFromConfig(cf)
		doc.ColumnFamilies[name] = &d
	}
	return doc
}
