package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basaltdb/basalt/internal/compression"
	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/sstable"
)

func testOptions() *Options {
	return &Options{
		CreateIfMissing:   true,
		MaxOpenFiles:      100,
		MaxBackgroundJobs: 2,
		MaxTotalWALSize:   64 << 20,
		CFOptions: CFOptions{
			WriteBufferSize:                 4 << 20,
			MaxWriteBufferNumber:            3,
			Level0FileNumCompactionTrigger:  100,
			Level0SlowdownWritesTrigger:     200,
			Level0StopWritesTrigger:         300,
			SoftPendingCompactionBytesLimit: 1 << 40,
			HardPendingCompactionBytesLimit: 1 << 41,
			TargetFileSizeBase:              4 << 20,
			MaxBytesForLevelBase:            16 << 20,
			Compression:                     compression.Snappy,
			Table:                           TableOptions{BlockSize: 4096},
		},
	}
}

func openTestEngine(t *testing.T, dir string, opts *Options) *Engine {
	t.Helper()
	if opts == nil {
		opts = testOptions()
	}
	e, err := Open(dir, opts)
	require.NoError(t, err)
	return e
}

func put(t *testing.T, e *Engine, cf uint32, key, value string) {
	t.Helper()
	b := &Batch{}
	b.Put(cf, []byte(key), []byte(value))
	_, err := e.Apply(b, false)
	require.NoError(t, err)
}

func del(t *testing.T, e *Engine, cf uint32, key string) {
	t.Helper()
	b := &Batch{}
	b.Delete(cf, []byte(key))
	_, err := e.Apply(b, false)
	require.NoError(t, err)
}

func get(t *testing.T, e *Engine, cf uint32, key string) (string, bool) {
	t.Helper()
	v, found, deleted, err := e.Get(cf, []byte(key), e.LastSequence())
	require.NoError(t, err)
	if !found || deleted {
		return "", false
	}
	return string(v), true
}

func TestOpenRequiresCreateIfMissing(t *testing.T) {
	opts := testOptions()
	opts.CreateIfMissing = false
	_, err := Open(t.TempDir(), opts)
	assert.Error(t, err)
}

func TestOpenLocksStore(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	_, err := Open(dir, testOptions())
	assert.ErrorIs(t, err, ErrLocked)
}

func TestPutGetDelete(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k1", "v1")
	v, ok := get(t, e, 0, "k1")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	put(t, e, 0, "k1", "v2")
	v, _ = get(t, e, 0, "k1")
	assert.Equal(t, "v2", v)

	del(t, e, 0, "k1")
	_, ok = get(t, e, 0, "k1")
	assert.False(t, ok)
}

func TestBatchIsAtomicInSequence(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	b := &Batch{}
	b.Put(0, []byte("a"), []byte("1"))
	b.Put(0, []byte("b"), []byte("2"))
	b.Delete(0, []byte("a"))
	last, err := e.Apply(b, false)
	require.NoError(t, err)
	assert.Equal(t, e.LastSequence(), last)

	_, ok := get(t, e, 0, "a")
	assert.False(t, ok)
	v, ok := get(t, e, 0, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestRecoveryFromLog(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	for i := 0; i < 100; i++ {
		put(t, e, 0, fmt.Sprintf("key-%03d", i), fmt.Sprintf("val-%03d", i))
	}
	del(t, e, 0, "key-050")
	lastSeq := e.LastSequence()
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, nil)
	defer e.Close()

	assert.Equal(t, lastSeq, e.LastSequence())
	v, ok := get(t, e, 0, "key-042")
	require.True(t, ok)
	assert.Equal(t, "val-042", v)
	_, ok = get(t, e, 0, "key-050")
	assert.False(t, ok)
}

func TestFlushCreatesTables(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	for i := 0; i < 50; i++ {
		put(t, e, 0, fmt.Sprintf("k%03d", i), "v")
	}
	require.NoError(t, e.Flush(true))

	files, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	require.NoError(t, err)
	assert.NotEmpty(t, files)

	// Reads now come from the table.
	v, ok := get(t, e, 0, "k025")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	prop, ok := e.Property(0, "basalt.num-files-at-level0")
	require.True(t, ok)
	assert.NotEqual(t, "0", prop)
}

func TestMemtableShadowsTables(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "old")
	require.NoError(t, e.Flush(true))
	put(t, e, 0, "k", "new")

	v, ok := get(t, e, 0, "k")
	require.True(t, ok)
	assert.Equal(t, "new", v)
}

func TestNewerFlushShadowsOlder(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "first")
	require.NoError(t, e.Flush(true))
	put(t, e, 0, "k", "second")
	require.NoError(t, e.Flush(true))
	del(t, e, 0, "k")
	require.NoError(t, e.Flush(true))

	_, ok := get(t, e, 0, "k")
	assert.False(t, ok)
}

func TestCompactionDropsObsoleteVersions(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	for i := 0; i < 3; i++ {
		for j := 0; j < 20; j++ {
			put(t, e, 0, fmt.Sprintf("k%02d", j), fmt.Sprintf("gen-%d", i))
		}
		require.NoError(t, e.Flush(true))
	}
	del(t, e, 0, "k00")
	require.NoError(t, e.Flush(true))

	require.NoError(t, e.CompactRange(0, nil, nil))

	prop, ok := e.Property(0, "basalt.num-files-at-level0")
	require.True(t, ok)
	assert.Equal(t, "0", prop)

	_, ok = get(t, e, 0, "k00")
	assert.False(t, ok)
	v, ok := get(t, e, 0, "k05")
	require.True(t, ok)
	assert.Equal(t, "gen-2", v)

	// The dropped tombstone stays gone across reopen.
	require.NoError(t, e.Close())
	e2 := openTestEngine(t, dir, nil)
	defer e2.Close()
	_, ok = get(t, e2, 0, "k00")
	assert.False(t, ok)
}

func TestSnapshotPinsVersions(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "v1")
	snap := e.NewSnapshot()
	put(t, e, 0, "k", "v2")

	v, found, deleted, err := e.Get(0, []byte("k"), snap.Seq())
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, deleted)
	assert.Equal(t, "v1", string(v))

	v, _, _, err = e.Get(0, []byte("k"), e.LastSequence())
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v))

	e.ReleaseSnapshot(snap)
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "pinned")
	snap := e.NewSnapshot()
	put(t, e, 0, "k", "current")
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.CompactRange(0, nil, nil))

	v, found, _, err := e.Get(0, []byte("k"), snap.Seq())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pinned", string(v))
	e.ReleaseSnapshot(snap)
}

func TestNewestSeq(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "v")
	seq1 := e.LastSequence()
	seq, found, err := e.NewestSeq(0, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, seq1, seq)

	// A delete still counts as the newest write of the key.
	del(t, e, 0, "k")
	seq, found, err = e.NewestSeq(0, []byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, e.LastSequence(), seq)

	_, found, err = e.NewestSeq(0, []byte("never-written"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestColumnFamilyIsolation(t *testing.T) {
	opts := testOptions()
	opts.ColumnFamilies = map[string]*CFOptions{"aux": nil}
	e := openTestEngine(t, t.TempDir(), opts)
	defer e.Close()

	auxID, ok := e.ColumnFamilyID("aux")
	require.True(t, ok)
	require.NotZero(t, auxID)

	put(t, e, 0, "k", "default-v")
	put(t, e, auxID, "k", "aux-v")

	v, _ := get(t, e, 0, "k")
	assert.Equal(t, "default-v", v)
	v, _ = get(t, e, auxID, "k")
	assert.Equal(t, "aux-v", v)

	assert.ElementsMatch(t, []string{"default", "aux"}, e.ColumnFamilyNames())
}

func TestColumnFamiliesSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.ColumnFamilies = map[string]*CFOptions{"aux": nil}
	e := openTestEngine(t, dir, opts)
	auxID, _ := e.ColumnFamilyID("aux")
	put(t, e, auxID, "k", "aux-v")
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, testOptions())
	defer e.Close()
	auxID, ok := e.ColumnFamilyID("aux")
	require.True(t, ok)
	v, found := get(t, e, auxID, "k")
	require.True(t, found)
	assert.Equal(t, "aux-v", v)
}

func TestIteratorMergesSources(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "a", "from-table")
	put(t, e, 0, "c", "stale")
	require.NoError(t, e.Flush(true))
	put(t, e, 0, "b", "from-mem")
	put(t, e, 0, "c", "fresh")
	del(t, e, 0, "a")

	it, err := e.NewIterator(0, e.LastSequence(), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	var got [][2]string
	for ; it.Valid(); it.Next() {
		got = append(got, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	assert.Equal(t, [][2]string{{"b", "from-mem"}, {"c", "fresh"}}, got)
}

func TestIteratorBounds(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	for _, k := range []string{"a", "b", "c", "d", "e"} {
		put(t, e, 0, k, "v")
	}

	it, err := e.NewIterator(0, e.LastSequence(), []byte("b"), []byte("d"))
	require.NoError(t, err)
	defer it.Close()

	var ks []string
	for ; it.Valid(); it.Next() {
		ks = append(ks, string(it.Key()))
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []string{"b", "c"}, ks)
}

func TestIteratorAtSnapshot(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "old")
	snap := e.NewSnapshot()
	put(t, e, 0, "k", "new")
	put(t, e, 0, "later", "x")

	it, err := e.NewIterator(0, snap.Seq(), nil, nil)
	require.NoError(t, err)
	defer it.Close()

	require.True(t, it.Valid())
	assert.Equal(t, "k", string(it.Key()))
	assert.Equal(t, "old", string(it.Value()))
	it.Next()
	assert.False(t, it.Valid())
	e.ReleaseSnapshot(snap)
}

func TestIngestExternalFile(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	defer e.Close()

	put(t, e, 0, "existing", "kept")
	snap := e.NewSnapshot()

	ext := filepath.Join(t.TempDir(), "bulk.sst")
	w, err := sstable.NewWriter(ext, sstable.Options{BlockSize: 4096})
	require.NoError(t, err)
	require.NoError(t, w.Add(keys.Encode([]byte("bulk-a"), 0, keys.KindValue), []byte("1")))
	require.NoError(t, w.Add(keys.Encode([]byte("bulk-b"), 0, keys.KindValue), []byte("2")))
	require.NoError(t, w.Finish())

	require.NoError(t, e.IngestExternalFile(0, ext))

	v, ok := get(t, e, 0, "bulk-a")
	require.True(t, ok)
	assert.Equal(t, "1", v)
	v, ok = get(t, e, 0, "existing")
	require.True(t, ok)
	assert.Equal(t, "kept", v)

	// Not visible to snapshots taken before the ingest.
	_, found, _, err := e.Get(0, []byte("bulk-a"), snap.Seq())
	require.NoError(t, err)
	assert.False(t, found)
	e.ReleaseSnapshot(snap)
}

func TestIngestedKeysShadowOlderWrites(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "old")
	require.NoError(t, e.Flush(true))

	ext := filepath.Join(t.TempDir(), "shadow.sst")
	w, err := sstable.NewWriter(ext, sstable.Options{BlockSize: 4096})
	require.NoError(t, err)
	require.NoError(t, w.Add(keys.Encode([]byte("k"), 0, keys.KindValue), []byte("ingested")))
	require.NoError(t, w.Finish())

	require.NoError(t, e.IngestExternalFile(0, ext))

	v, ok := get(t, e, 0, "k")
	require.True(t, ok)
	assert.Equal(t, "ingested", v)
}

func TestApplyAfterCloseFails(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	require.NoError(t, e.Close())

	b := &Batch{}
	b.Put(0, []byte("k"), []byte("v"))
	_, err := e.Apply(b, false)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseFlushesFrozenMemtables(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.WriteBufferSize = 1 << 10
	e := openTestEngine(t, dir, opts)

	// Enough data to freeze at least one memtable.
	big := make([]byte, 512)
	for i := 0; i < 20; i++ {
		b := &Batch{}
		b.Put(0, []byte(fmt.Sprintf("big-%02d", i)), big)
		_, err := e.Apply(b, false)
		require.NoError(t, err)
	}
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, testOptions())
	defer e.Close()
	for i := 0; i < 20; i++ {
		_, ok := get(t, e, 0, fmt.Sprintf("big-%02d", i))
		assert.True(t, ok, i)
	}
}

func TestPropertySurface(t *testing.T) {
	e := openTestEngine(t, t.TempDir(), nil)
	defer e.Close()

	put(t, e, 0, "k", "v")

	for _, name := range []string{
		"basalt.num-files-at-level0",
		"basalt.num-files-at-level1",
		"basalt.levelstats",
		"basalt.stats",
		"basalt.cur-size-all-mem-tables",
		"basalt.estimate-pending-compaction-bytes",
		"basalt.block-cache-usage",
		"basalt.block-cache-pinned-usage",
		"basalt.estimate-table-readers-mem",
	} {
		v, ok := e.Property(0, name)
		assert.True(t, ok, name)
		assert.NotEmpty(t, v, name)
	}

	_, ok := e.Property(0, "basalt.no-such-property")
	assert.False(t, ok)

	stats := e.GetMemoryStats()
	assert.Positive(t, stats.MemTableTotal)
}

func TestManifestRemovedFilesStayGone(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir, nil)
	for i := 0; i < 10; i++ {
		put(t, e, 0, fmt.Sprintf("k%d", i), "v")
	}
	require.NoError(t, e.Flush(true))
	require.NoError(t, e.CompactRange(0, nil, nil))
	require.NoError(t, e.Close())

	// Every live table named by the manifest must exist on disk.
	e = openTestEngine(t, dir, nil)
	defer e.Close()
	for i := 0; i < 10; i++ {
		v, ok := get(t, e, 0, fmt.Sprintf("k%d", i))
		require.True(t, ok)
		assert.Equal(t, "v", v)
	}
	_, err := os.Stat(filepath.Join(dir, manifestName))
	assert.NoError(t, err)
}

func TestConcurrentWritersWithCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.CFOptions.WriteBufferSize = 4 << 10
	opts.CFOptions.Level0FileNumCompactionTrigger = 2
	opts.CFOptions.Level0SlowdownWritesTrigger = 50
	opts.CFOptions.Level0StopWritesTrigger = 80
	e := openTestEngine(t, dir, opts)

	// Writers rotate logs while compaction workers allocate their own
	// file numbers; every number handed out must be unique.
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b := &Batch{}
				b.Put(0, []byte(fmt.Sprintf("w%d-k%04d", w, i)), make([]byte, 128))
				if _, err := e.Apply(b, false); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, e.Close())

	e = openTestEngine(t, dir, opts)
	defer e.Close()
	for w := 0; w < 4; w++ {
		for i := 0; i < 200; i++ {
			_, ok := get(t, e, 0, fmt.Sprintf("w%d-k%04d", w, i))
			require.True(t, ok, "w%d-k%04d", w, i)
		}
	}
}

func TestNilColumnFamilyOptionsInheritDefaults(t *testing.T) {
	opts := testOptions()
	opts.ColumnFamilies = map[string]*CFOptions{"aux": nil}

	c := opts.Clone()
	require.Contains(t, c.ColumnFamilies, "aux")
	assert.Nil(t, c.ColumnFamilies["aux"])

	cf := opts.cfOptions("aux")
	require.NotNil(t, cf)
	assert.Equal(t, opts.CFOptions.WriteBufferSize, cf.WriteBufferSize)
}

func TestCompactionBlobRewriteGate(t *testing.T) {
	big := make([]byte, 512)
	for i := range big {
		big[i] = byte(i)
	}

	run := func(t *testing.T, gc bool) {
		dir := t.TempDir()
		opts := testOptions()
		opts.CFOptions.EnableBlobFiles = true
		opts.CFOptions.MinBlobSize = 64
		opts.CFOptions.EnableBlobGC = gc
		e := openTestEngine(t, dir, opts)
		defer e.Close()

		b := &Batch{}
		b.Put(0, []byte("big"), big)
		_, err := e.Apply(b, false)
		require.NoError(t, err)
		require.NoError(t, e.Flush(true))
		require.NoError(t, e.CompactRange(0, nil, nil))

		v, ok := get(t, e, 0, "big")
		require.True(t, ok)
		require.Equal(t, string(big), v)

		sidecars := 0
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, ent := range entries {
			if strings.HasSuffix(ent.Name(), sstable.BlobSuffix) {
				sidecars++
			}
		}
		if gc {
			assert.Positive(t, sidecars)
		} else {
			assert.Zero(t, sidecars)
		}
	}

	t.Run("rewrite", func(t *testing.T) { run(t, true) })
	t.Run("inline", func(t *testing.T) { run(t, false) })
}

func TestLevelBudgetCountsTowardBacklog(t *testing.T) {
	cf := &columnFamily{opts: &CFOptions{
		Level0FileNumCompactionTrigger: 4,
		MaxBytesForLevelBase:           1000,
	}}
	cf.levels[1] = []*fileMeta{{Size: 800}, {Size: 700}}
	assert.Equal(t, uint64(500), cf.pendingCompactionBytes())

	cf.opts.LevelCompactionDynamicLevelBytes = true
	assert.Equal(t, uint64(0), cf.pendingCompactionBytes())
}
