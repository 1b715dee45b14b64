package basalt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "OPTIONS-000001")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestResolveDefaults(t *testing.T) {
	cfg, err := ResolveConfig(nil, nil, noEnv)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.WriteBufferSize, cfg.WriteBufferSize)
	assert.Equal(t, def.MaxOpenFiles, cfg.MaxOpenFiles)
	assert.Equal(t, def.Compression, cfg.Compression)
	assert.False(t, cfg.CreateIfMissing)
}

func TestDocumentOverridesDefaults(t *testing.T) {
	doc := writeDoc(t, `
write_buffer_size: 67108864
max_background_jobs: 8
compression: zstd
level0_file_num_compaction_trigger: 2
column_families:
  metrics:
    write_buffer_size: 8388608
    compression: none
`)
	cfg, err := ResolveConfig(nil, &OpenOptions{OptionsPath: doc}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, uint64(64<<20), cfg.WriteBufferSize)
	assert.Equal(t, 8, cfg.MaxBackgroundJobs)
	assert.Equal(t, ZstdCompression, cfg.Compression)
	assert.Equal(t, 2, cfg.Level0FileNumCompactionTrigger)

	require.Contains(t, cfg.ColumnFamilies, "metrics")
	mf := cfg.ColumnFamilies["metrics"]
	assert.Equal(t, uint64(8<<20), mf.WriteBufferSize)
	assert.Equal(t, NoCompression, mf.Compression)
}

func TestMalformedDocumentIsTerminal(t *testing.T) {
	doc := writeDoc(t, "write_buffer_size: [not, a, number]\n")
	_, err := ResolveConfig(nil, &OpenOptions{OptionsPath: doc}, noEnv)
	assert.ErrorIs(t, err, ErrConfig)

	doc2 := writeDoc(t, "no_such_knob: 1\n")
	_, err = ResolveConfig(nil, &OpenOptions{OptionsPath: doc2}, noEnv)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestEnvBeatsDocument(t *testing.T) {
	doc := writeDoc(t, "write_buffer_size: 67108864\n")
	cfg, err := ResolveConfig(nil, &OpenOptions{OptionsPath: doc}, envMap(map[string]string{
		"BASALT_WRITE_BUFFER_SIZE_MB": "8",
	}))
	require.NoError(t, err)
	assert.Equal(t, uint64(8<<20), cfg.WriteBufferSize)
}

func TestEnvZeroIgnoredExceptDBWriteBuffer(t *testing.T) {
	cfg, err := ResolveConfig(nil, nil, envMap(map[string]string{
		"BASALT_WRITE_BUFFER_SIZE_MB":    "0",
		"BASALT_DB_WRITE_BUFFER_SIZE_MB": "0",
	}))
	require.NoError(t, err)

	// Zero write buffer is nonsense and the default stands; zero total
	// budget means unlimited and is honored.
	assert.Equal(t, DefaultConfig().WriteBufferSize, cfg.WriteBufferSize)
	assert.Zero(t, cfg.DBWriteBufferSize)
}

func TestEnvUnparseableIgnored(t *testing.T) {
	cfg, err := ResolveConfig(nil, nil, envMap(map[string]string{
		"BASALT_MAX_OPEN_FILES": "lots",
	}))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().MaxOpenFiles, cfg.MaxOpenFiles)
}

func TestUnrecognizedCompressionFallsBack(t *testing.T) {
	cfg, err := ResolveConfig(nil, nil, envMap(map[string]string{
		"BASALT_COMPRESSION_TYPE":            "brotli",
		"BASALT_BOTTOMMOST_COMPRESSION_TYPE": "sevenzip",
	}))
	require.NoError(t, err)
	assert.Equal(t, LZ4Compression, cfg.Compression)
	assert.Equal(t, ZstdCompression, cfg.BottommostCompression)
}

func TestBlockSizePreservesFilterSettings(t *testing.T) {
	opts := &OpenOptions{
		UseFilter:         true,
		FilterKind:        BloomFilter,
		FilterBitsPerKey:  10,
		WholeKeyFiltering: true,
	}
	cfg, err := ResolveConfig(nil, opts, envMap(map[string]string{
		"BASALT_BLOCK_SIZE": "8192",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.Table.BlockSize)
	assert.Equal(t, 10, cfg.Table.FilterBitsPerKey)
	assert.True(t, cfg.Table.WholeKeyFiltering)
}

func TestPrefixExtractorApplied(t *testing.T) {
	opts := &OpenOptions{
		UseFilter:        true,
		FilterKind:       BloomFilter,
		FilterBitsPerKey: 10,
		PrefixExtractor:  PrefixExtractor{Kind: FixedPrefixExtractor, Len: 4},
	}
	cfg, err := ResolveConfig(nil, opts, noEnv)
	require.NoError(t, err)

	assert.Equal(t, FixedPrefixExtractor, cfg.Table.PrefixExtractor.Kind)
	assert.Equal(t, 4, cfg.Table.PrefixExtractor.Len)
	assert.Equal(t, 10, cfg.Table.FilterBitsPerKey)

	capped := PrefixExtractor{Kind: CappedPrefixExtractor, Len: 3}.fn()
	p, ok := capped([]byte("abcdef"))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), p)
	p, ok = capped([]byte("ab"))
	require.True(t, ok)
	assert.Equal(t, []byte("ab"), p)

	fixed := PrefixExtractor{Kind: FixedPrefixExtractor, Len: 3}.fn()
	p, ok = fixed([]byte("abcdef"))
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), p)
	_, ok = fixed([]byte("ab"))
	assert.False(t, ok)
}

func TestBlockCachePrecedence(t *testing.T) {
	doc := writeDoc(t, "block_cache_size: 1048576\n")

	// Document alone.
	cfg, err := ResolveConfig(nil, &OpenOptions{OptionsPath: doc}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), cfg.BlockCacheSize)

	// Caller beats document.
	cfg, err = ResolveConfig(nil, &OpenOptions{OptionsPath: doc, BlockCacheSize: 2 << 20}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, uint64(2<<20), cfg.BlockCacheSize)

	// Environment beats both.
	cfg, err = ResolveConfig(nil, &OpenOptions{OptionsPath: doc, BlockCacheSize: 2 << 20},
		envMap(map[string]string{"BASALT_BLOCK_CACHE_MB": "64"}))
	require.NoError(t, err)
	assert.Equal(t, uint64(64<<20), cfg.BlockCacheSize)
}

func TestPrepareForBulkLoad(t *testing.T) {
	cfg, err := ResolveConfig(nil, &OpenOptions{PrepareForBulkLoad: true}, noEnv)
	require.NoError(t, err)

	assert.True(t, cfg.DisableAutoCompactions)
	assert.Equal(t, 16, cfg.MaxWriteBufferNumber)
	assert.Equal(t, 1<<30, cfg.Level0FileNumCompactionTrigger)
	assert.Zero(t, cfg.SoftPendingCompactionBytesLimit)
}

func TestOptimizeLevelStyleCompaction(t *testing.T) {
	budget := uint64(512 << 20)
	cfg, err := ResolveConfig(nil, &OpenOptions{OptimizeLevelStyleCompaction: budget}, noEnv)
	require.NoError(t, err)

	assert.Equal(t, budget/4, cfg.WriteBufferSize)
	assert.Equal(t, 6, cfg.MaxWriteBufferNumber)
	assert.Equal(t, 2, cfg.Level0FileNumCompactionTrigger)
	assert.Equal(t, budget/8, cfg.TargetFileSizeBase)
	assert.Equal(t, budget, cfg.MaxBytesForLevelBase)
}

func TestIncreaseParallelism(t *testing.T) {
	cfg, err := ResolveConfig(nil, &OpenOptions{IncreaseParallelism: 12}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.MaxBackgroundJobs)
}

func TestBlobOptionsApply(t *testing.T) {
	cfg, err := ResolveConfig(nil, &OpenOptions{
		EnableBlobFiles: true,
		MinBlobSize:     1024,
		BlobFileSize:    1 << 28,
		EnableBlobGC:    true,
	}, noEnv)
	require.NoError(t, err)

	assert.True(t, cfg.EnableBlobFiles)
	assert.Equal(t, uint64(1024), cfg.MinBlobSize)
	assert.Equal(t, uint64(1<<28), cfg.BlobFileSize)
	assert.True(t, cfg.EnableBlobGC)
}

func TestResolveDoesNotMutateBase(t *testing.T) {
	base := DefaultConfig()
	before := base.WriteBufferSize

	_, err := ResolveConfig(base, nil, envMap(map[string]string{
		"BASALT_WRITE_BUFFER_SIZE_MB": "128",
	}))
	require.NoError(t, err)
	assert.Equal(t, before, base.WriteBufferSize)
}

func TestOptionsFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.WriteBufferSize = 48 << 20
	cfg.Compression = ZstdCompression

	path, err := writeOptionsFile(dir, cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "OPTIONS-000001"), path)

	latest, err := LatestOptionsFile(dir)
	require.NoError(t, err)
	assert.Equal(t, path, latest)

	// The persisted document feeds back through the resolve layers.
	resolved, err := ResolveConfig(nil, &OpenOptions{OptionsPath: latest}, noEnv)
	require.NoError(t, err)
	assert.Equal(t, uint64(48<<20), resolved.WriteBufferSize)
	assert.Equal(t, ZstdCompression, resolved.Compression)
}

func TestLatestOptionsFilePicksHighestGeneration(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	_, err := writeOptionsFile(dir, cfg, 1)
	require.NoError(t, err)
	p2, err := writeOptionsFile(dir, cfg, 12)
	require.NoError(t, err)

	latest, err := LatestOptionsFile(dir)
	require.NoError(t, err)
	assert.Equal(t, p2, latest)
}
