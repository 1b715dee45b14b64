package basalt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetBlockCacheCapacity(t *testing.T) {
	SetBlockCacheCapacity(32 << 20)

	stats := BlockCacheStats()
	assert.Equal(t, uint64(32<<20), stats.Capacity)

	SetBlockCacheCapacity(64 << 20)
	stats = BlockCacheStats()
	assert.Equal(t, uint64(64<<20), stats.Capacity)
}

func TestBlockCacheIsSharedAcrossStores(t *testing.T) {
	SetBlockCacheCapacity(64 << 20)

	db1, err := Open(t.TempDir(), &OpenOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer db1.Close()
	db2, err := Open(t.TempDir(), &OpenOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer db2.Close()

	// Both stores see the one capacity; a resize is visible to all.
	SetBlockCacheCapacity(16 << 20)
	stats := BlockCacheStats()
	assert.Equal(t, uint64(16<<20), stats.Capacity)
}

func TestSharedCacheKeepsStoresApart(t *testing.T) {
	SetBlockCacheCapacity(64 << 20)

	db1, err := Open(t.TempDir(), &OpenOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer db1.Close()
	db2, err := Open(t.TempDir(), &OpenOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer db2.Close()

	// Both stores flush a table holding the same key; file numbers
	// line up exactly, so reads exercise the cache's store identity.
	require.NoError(t, db1.Put([]byte("k"), []byte("value-from-db1")))
	require.NoError(t, db2.Put([]byte("k"), []byte("value-from-db2")))
	require.NoError(t, db1.Flush(true))
	require.NoError(t, db2.Flush(true))

	v1, err := db1.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-from-db1"), v1)

	v2, err := db2.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-from-db2"), v2)
}

func TestClearBlockCache(t *testing.T) {
	SetBlockCacheCapacity(64 << 20)

	db, err := Open(t.TempDir(), &OpenOptions{CreateIfMissing: true})
	require.NoError(t, err)
	defer db.Close()

	// Push data through a flush so table blocks enter the cache.
	for i := 0; i < 200; i++ {
		require.NoError(t, db.Put([]byte{byte(i / 100), byte(i % 100)}, make([]byte, 100)))
	}
	require.NoError(t, db.Flush(true))
	for i := 0; i < 200; i++ {
		_, err := db.Get([]byte{byte(i / 100), byte(i % 100)})
		require.NoError(t, err)
	}

	ClearBlockCache()
	stats := BlockCacheStats()
	assert.Equal(t, stats.PinnedUsage, stats.Usage)
}

func TestBlockCacheStatsTriple(t *testing.T) {
	SetBlockCacheCapacity(48 << 20)
	stats := BlockCacheStats()
	assert.Equal(t, uint64(48<<20), stats.Capacity)
	assert.GreaterOrEqual(t, stats.Usage, stats.PinnedUsage)
}
