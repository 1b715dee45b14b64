package basalt

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/cache"
	"github.com/basaltdb/basalt/internal/engine"
)

// DB is one opened store. It owns the engine instance exclusively and
// holds a reference, not ownership, to the shared block cache. All
// methods are safe for concurrent use; Close must run after every
// other goroutine has stopped issuing operations.
type DB struct {
	path string
	cfg  *Config
	eng  *engine.Engine
	log  *logrus.Entry

	destroyOnClose bool

	// commitMu serializes transaction commit validation against the
	// apply that follows it.
	commitMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Open resolves the configuration (baseline, options document, opts,
// environment), binds the shared block cache, and opens the store at
// path. A locked path, an unparseable document or a rejected option
// combination fails the open; no handle is produced.
func Open(path string, opts *OpenOptions) (*DB, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	cfg, cacheExplicit, err := resolveConfig(nil, opts, nil)
	if err != nil {
		return nil, err
	}
	return openResolved(path, cfg, cacheExplicit, opts)
}

// OpenWith opens the store from an already resolved configuration,
// bypassing the document and environment layers.
func OpenWith(path string, cfg *Config, opts *OpenOptions) (*DB, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return openResolved(path, cfg.Clone(), cfg.BlockCacheSize != DefaultBlockCacheSize, opts)
}

func openResolved(path string, cfg *Config, cacheExplicit bool, opts *OpenOptions) (*DB, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("store", path)

	if cacheExplicit {
		SetBlockCacheCapacity(cfg.BlockCacheSize)
	}
	blockCache := acquireSharedCache()

	eopts := engineOptions(cfg, logger)
	applyCacheToTables(eopts, blockCache)

	eng, err := engine.Open(path, eopts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}

	db := &DB{
		path:           path,
		cfg:            cfg,
		eng:            eng,
		log:            log,
		destroyOnClose: opts.DestroyOnClose,
		closed:         make(chan struct{}),
	}

	// The store directory carries its effective configuration.
	if p, err := writeOptionsFile(path, cfg, nextOptionsGeneration(path)); err != nil {
		log.WithError(err).Warn("could not persist options file")
	} else {
		log.WithField("options_file", p).Debug("effective options persisted")
	}

	return db, nil
}

func nextOptionsGeneration(dir string) uint64 {
	latest, err := LatestOptionsFile(dir)
	if err != nil || latest == "" {
		return 1
	}
	gen, err := strconv.ParseUint(strings.TrimPrefix(filepath.Base(latest), optionsFilePrefix), 10, 64)
	if err != nil {
		return 1
	}
	return gen + 1
}

// engineOptions maps the resolved configuration onto the engine.
func engineOptions(cfg *Config, logger *logrus.Logger) *engine.Options {
	o := &engine.Options{
		CreateIfMissing:   cfg.CreateIfMissing,
		ParanoidChecks:    cfg.ParanoidChecks,
		MaxOpenFiles:      cfg.MaxOpenFiles,
		MaxBackgroundJobs: cfg.MaxBackgroundJobs,
		MaxTotalWALSize:   cfg.MaxTotalWALSize,
		DBWriteBufferSize: cfg.DBWriteBufferSize,
		BytesPerSync:      cfg.BytesPerSync,
		WALBytesPerSync:   cfg.WALBytesPerSync,
		Logger:            logger,
		CFOptions:         engineCFOptions(&cfg.CFConfig),
	}
	for name, cf := range cfg.ColumnFamilies {
		if o.ColumnFamilies == nil {
			o.ColumnFamilies = make(map[string]*engine.CFOptions)
		}
		ecf := engineCFOptions(cf)
		o.ColumnFamilies[name] = &ecf
	}
	return o
}

func engineCFOptions(cf *CFConfig) engine.CFOptions {
	return engine.CFOptions{
		WriteBufferSize:                  cf.WriteBufferSize,
		MaxWriteBufferNumber:             cf.MaxWriteBufferNumber,
		Level0FileNumCompactionTrigger:   cf.Level0FileNumCompactionTrigger,
		Level0SlowdownWritesTrigger:      cf.Level0SlowdownWritesTrigger,
		Level0StopWritesTrigger:          cf.Level0StopWritesTrigger,
		SoftPendingCompactionBytesLimit:  cf.SoftPendingCompactionBytesLimit,
		HardPendingCompactionBytesLimit:  cf.HardPendingCompactionBytesLimit,
		TargetFileSizeBase:               cf.TargetFileSizeBase,
		MaxBytesForLevelBase:             cf.MaxBytesForLevelBase,
		Compression:                      cf.Compression.internal(),
		BottommostCompression:            cf.BottommostCompression.internal(),
		LevelCompactionDynamicLevelBytes: cf.LevelCompactionDynamicLevelBytes,
		DisableAutoCompactions:           cf.DisableAutoCompactions,
		EnableBlobFiles:                  cf.EnableBlobFiles,
		MinBlobSize:                      cf.MinBlobSize,
		BlobFileSize:                     cf.BlobFileSize,
		EnableBlobGC:                     cf.EnableBlobGC,
		Table: engine.TableOptions{
			BlockSize:         cf.Table.BlockSize,
			FilterBitsPerKey:  cf.Table.FilterBitsPerKey,
			WholeKeyFiltering: cf.Table.WholeKeyFiltering,
			PrefixExtract:     cf.Table.PrefixExtractor.fn(),
		},
	}
}

// applyCacheToTables rebinds every column family's table options to
// the shared cache singleton, whatever any document said.
func applyCacheToTables(o *engine.Options, c *cache.LRUCache) {
	o.Table.Cache = c
	for _, cf := range o.ColumnFamilies {
		cf.Table.Cache = c
	}
}

func (db *DB) isClosed() bool {
	select {
	case <-db.closed:
		return true
	default:
		return false
	}
}

// Path returns the store's filesystem path.
func (db *DB) Path() string { return db.path }

// Config returns the effective configuration the store was opened with.
func (db *DB) Config() *Config { return db.cfg.Clone() }

// Get returns the current value of key, or ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	v, found, deleted, err := db.eng.Get(0, key, db.eng.LastSequence())
	if err != nil {
		return nil, err
	}
	if !found || deleted {
		return nil, ErrNotFound
	}
	// The engine slice aliases memtable or cached block memory.
	return append([]byte(nil), v...), nil
}

// Put writes a single key with the default write policy.
func (db *DB) Put(key, value []byte) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	b := &engine.Batch{}
	b.Put(0, key, value)
	_, err := db.eng.Apply(b, false)
	return err
}

// Delete removes a single key.
func (db *DB) Delete(key []byte) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	b := &engine.Batch{}
	b.Delete(0, key)
	_, err := db.eng.Apply(b, false)
	return err
}

// DeleteRange tombstones every key in [start, end) in one atomic
// batch. The batch bypasses transaction conflict detection, so the
// caller must ensure no concurrent transaction writes inside the
// range.
func (db *DB) DeleteRange(start, end []byte) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	it, err := db.eng.NewIterator(0, db.eng.LastSequence(), start, end)
	if err != nil {
		return err
	}
	b := &engine.Batch{}
	for ; it.Valid(); it.Next() {
		b.Delete(0, it.Key())
	}
	scanErr := it.Err()
	it.Close()
	if scanErr != nil {
		return scanErr
	}
	if b.Len() == 0 {
		return nil
	}
	_, err = db.eng.Apply(b, false)
	return err
}

// CompactRange synchronously compacts [start, end); nil bounds cover
// the whole store. Runs to completion once started.
func (db *DB) CompactRange(start, end []byte) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	return db.eng.CompactRange(0, start, end)
}

// Flush forces in-memory write buffers to durable storage. With wait
// set it also drains the compactions the flush triggered.
func (db *DB) Flush(wait bool) error {
	if db.isClosed() {
		return ErrDBClosed
	}
	return db.eng.Flush(wait)
}

// GetProperty returns an engine introspection string, for example
// "basalt.levelstats" or "basalt.num-files-at-level0".
func (db *DB) GetProperty(name string) (string, error) {
	if db.isClosed() {
		return "", ErrDBClosed
	}
	v, ok := db.eng.Property(0, name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProperty, name)
	}
	return v, nil
}

// MemoryStats is the four-field memory snapshot for monitoring.
type MemoryStats struct {
	MemTableBytes        uint64
	BlockCacheUsage      uint64
	BlockCachePinned     uint64
	TableReaderEstimated uint64
}

// MemoryStats reports the store's approximate memory footprint.
func (db *DB) MemoryStats() MemoryStats {
	if db.isClosed() {
		return MemoryStats{}
	}
	st := db.eng.GetMemoryStats()
	return MemoryStats{
		MemTableBytes:        st.MemTableTotal,
		BlockCacheUsage:      st.BlockCacheUsage,
		BlockCachePinned:     st.BlockCachePinned,
		TableReaderEstimated: st.TableReadersTotal,
	}
}

// Scan returns an ascending iterator over [lower, upper); nil bounds
// are unbounded. The iterator sees the store as of the call.
func (db *DB) Scan(lower, upper []byte) (*Iterator, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	it, err := db.eng.NewIterator(0, db.eng.LastSequence(), lower, upper)
	if err != nil {
		return nil, err
	}
	return &Iterator{it: it}, nil
}

// ColumnFamilies lists the store's column families.
func (db *DB) ColumnFamilies() []string {
	if db.isClosed() {
		return nil
	}
	return db.eng.ColumnFamilyNames()
}

// Close tears the store down exactly once: the engine is closed, then,
// when destroy-on-close was requested, the on-disk store is removed.
// Teardown failures after the engine close are logged, never raised.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		close(db.closed)
		db.closeErr = db.eng.Close()
		if db.closeErr != nil {
			db.log.WithError(db.closeErr).Error("error closing store engine")
		}
		if db.destroyOnClose {
			db.log.WithField("path", db.path).
				Warn("destroy-on-close is set: removing the store directory")
			if err := os.RemoveAll(db.path); err != nil {
				db.log.WithError(err).Error("could not remove store directory")
			}
		}
	})
	return db.closeErr
}
