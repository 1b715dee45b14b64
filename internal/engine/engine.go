package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/memtable"
	"github.com/basaltdb/basalt/internal/wal"
)

var (
	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine: closed")

	// ErrLocked is returned when the store is held by another process.
	ErrLocked = errors.New("engine: store is locked by another process")

	// ErrNoSuchColumnFamily is returned for unknown column family ids.
	ErrNoSuchColumnFamily = errors.New("engine: no such column family")
)

// Engine is a leveled log-structured store with column families,
// snapshots and a serialized write path.
type Engine struct {
	dir  string
	opts *Options
	log  *logrus.Entry

	lockFile *os.File

	// writeMu serializes Apply, memtable rotation and flushes.
	writeMu sync.Mutex

	// mu guards all fields below and the mutable parts of each
	// column family.
	mu        sync.Mutex
	cond      *sync.Cond // signaled when compaction state changes
	cfs       []*columnFamily
	cfByName  map[string]*columnFamily
	lastSeq   uint64
	nextFile  uint64
	snapshots map[uint64]int
	closed    bool

	wal     *wal.Writer
	walNum  uint64
	oldLogs []uint64

	tables *tableCache

	bgWorkers  int
	compacting map[uint32]bool
	bgWait     sync.WaitGroup
}

// Snapshot pins a point-in-time view of the store.
type Snapshot struct {
	seq uint64
}

// Seq returns the snapshot's pinned sequence number.
func (s *Snapshot) Seq() uint64 { return s.seq }

// Open opens or creates the store at dir.
func Open(dir string, opts *Options) (*Engine, error) {
	opts = opts.Clone()
	log := opts.logger().WithField("store", dir)

	if _, err := os.Stat(filepath.Join(dir, manifestName)); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("engine: stat manifest: %w", err)
		}
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("engine: store %s does not exist and create_if_missing is off", dir)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("engine: create store dir: %w", err)
		}
	}

	lockFile, err := acquireLock(filepath.Join(dir, lockName))
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:        dir,
		opts:       opts,
		log:        log,
		lockFile:   lockFile,
		cfByName:   make(map[string]*columnFamily),
		snapshots:  make(map[uint64]int),
		tables:     newTableCache(dir, opts.MaxOpenFiles),
		compacting: make(map[uint32]bool),
	}
	e.cond = sync.NewCond(&e.mu)

	if err := e.recover(); err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"column_families": len(e.cfs),
		"last_sequence":   e.lastSeq,
	}).Info("store opened")
	return e, nil
}

func acquireLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("engine: open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return f, nil
}

// recover loads the manifest, replays outstanding logs, flushes the
// replayed state and starts a fresh log.
func (e *Engine) recover() error {
	m, err := loadManifest(e.dir)
	if os.IsNotExist(err) {
		m = newManifest()
	} else if err != nil {
		return err
	}

	e.lastSeq = m.LastSequence
	e.nextFile = m.NextFileNumber

	for i := range m.CFs {
		st := &m.CFs[i]
		cf := &columnFamily{
			id:   st.ID,
			name: st.Name,
			opts: e.opts.cfOptions(st.Name),
		}
		for l := 0; l < numLevels && l < len(st.Levels); l++ {
			for j := range st.Levels[l] {
				meta := st.Levels[l][j]
				cf.levels[l] = append(cf.levels[l], &meta)
			}
		}
		e.cfs = append(e.cfs, cf)
		e.cfByName[cf.name] = cf
	}

	// Column families named in the options are created on open.
	for name := range e.opts.ColumnFamilies {
		if _, ok := e.cfByName[name]; !ok {
			cf := &columnFamily{
				id:   uint32(len(e.cfs)),
				name: name,
				opts: e.opts.cfOptions(name),
			}
			e.cfs = append(e.cfs, cf)
			e.cfByName[name] = cf
		}
	}

	logs, err := e.pendingLogs(m.LogNumber)
	if err != nil {
		return err
	}
	for _, cf := range e.cfs {
		cf.mem = memtable.New(0)
	}
	for _, num := range logs {
		if err := e.replayLog(num); err != nil {
			return err
		}
	}

	// Replayed state is flushed so the old logs can go away.
	for _, cf := range e.cfs {
		if !cf.mem.Empty() {
			cf.imm = append(cf.imm, cf.mem)
			cf.mem = memtable.New(0)
		}
	}
	if err := e.flushFrozen(); err != nil {
		return err
	}
	for _, num := range logs {
		_ = os.Remove(logFileName(e.dir, num))
	}

	if err := e.rotateLogLocked(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveManifestLocked()
}

// pendingLogs lists log files with numbers >= oldest, in order.
func (e *Engine) pendingLogs(oldest uint64) ([]uint64, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("engine: read store dir: %w", err)
	}
	var nums []uint64
	for _, ent := range entries {
		name := ent.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil || n < oldest {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

func (e *Engine) replayLog(num uint64) error {
	path := logFileName(e.dir, num)
	err := wal.Replay(path, func(payload []byte) error {
		baseSeq, b, err := decodeBatch(payload)
		if err != nil {
			return err
		}
		for i := range b.ops {
			op := &b.ops[i]
			if int(op.cf) >= len(e.cfs) {
				return fmt.Errorf("%w: id %d in log", ErrNoSuchColumnFamily, op.cf)
			}
			e.cfs[op.cf].mem.Add(baseSeq+uint64(i), op.kind, op.key, op.value)
		}
		if top := baseSeq + uint64(len(b.ops)) - 1; top > e.lastSeq {
			e.lastSeq = top
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) && !e.opts.ParanoidChecks {
			e.log.WithField("log", num).Warn("corrupt record in log, truncating replay")
			return nil
		}
		return err
	}
	return nil
}

// rotateLogLocked starts a fresh log; the previous one is remembered
// until its memtables are flushed. Callers hold writeMu (or run
// single-threaded during open) but not mu; the file number allocation
// takes mu itself, since compaction workers allocate concurrently.
func (e *Engine) rotateLogLocked() error {
	if e.wal != nil {
		if err := e.wal.Close(); err != nil {
			return err
		}
		e.oldLogs = append(e.oldLogs, e.walNum)
	}
	e.mu.Lock()
	num := e.allocFileNumberLocked()
	e.mu.Unlock()
	w, err := wal.NewWriter(logFileName(e.dir, num), e.opts.WALBytesPerSync)
	if err != nil {
		return err
	}
	e.wal = w
	e.walNum = num
	return nil
}

// Apply writes a batch atomically, assigning it a contiguous sequence
// range, and returns the batch's last sequence number.
func (e *Engine) Apply(b *Batch, sync bool) (uint64, error) {
	if b.Len() == 0 {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.lastSeq, nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.makeRoomForWrite(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	baseSeq := e.lastSeq + 1
	for i := range b.ops {
		if int(b.ops[i].cf) >= len(e.cfs) {
			e.mu.Unlock()
			return 0, fmt.Errorf("%w: id %d", ErrNoSuchColumnFamily, b.ops[i].cf)
		}
	}
	e.mu.Unlock()

	if err := e.wal.Append(b.encode(baseSeq), sync); err != nil {
		return 0, err
	}
	for i := range b.ops {
		op := &b.ops[i]
		e.cfs[op.cf].mem.Add(baseSeq+uint64(i), op.kind, op.key, op.value)
	}

	last := baseSeq + uint64(len(b.ops)) - 1
	e.mu.Lock()
	e.lastSeq = last
	e.mu.Unlock()

	return last, e.maybeRotate()
}

// makeRoomForWrite applies write backpressure: a one-time delay at the
// slowdown thresholds, a full stop at the stop thresholds until
// compaction catches up.
func (e *Engine) makeRoomForWrite() error {
	delayed := false
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.closed {
			return ErrClosed
		}
		stop, slow := false, false
		for _, cf := range e.cfs {
			if cf.opts.DisableAutoCompactions {
				continue
			}
			l0 := len(cf.levels[0])
			pending := cf.pendingCompactionBytes()
			if l0 >= cf.opts.Level0StopWritesTrigger ||
				(cf.opts.HardPendingCompactionBytesLimit > 0 && pending >= cf.opts.HardPendingCompactionBytesLimit) {
				stop = true
			} else if l0 >= cf.opts.Level0SlowdownWritesTrigger ||
				(cf.opts.SoftPendingCompactionBytesLimit > 0 && pending >= cf.opts.SoftPendingCompactionBytesLimit) {
				slow = true
			}
		}
		if stop {
			e.log.Warn("stopping writes, compaction backlog at hard limit")
			e.maybeScheduleCompactionLocked()
			e.cond.Wait()
			continue
		}
		if slow && !delayed {
			e.maybeScheduleCompactionLocked()
			e.mu.Unlock()
			time.Sleep(time.Millisecond)
			e.mu.Lock()
			delayed = true
			continue
		}
		return nil
	}
}

// maybeRotate freezes memtables when write buffers or the log exceed
// their budgets. Caller holds writeMu.
func (e *Engine) maybeRotate() error {
	e.mu.Lock()
	var total int64
	rotate := false
	for _, cf := range e.cfs {
		usage := cf.mem.ApproximateMemoryUsage()
		total += cf.memoryUsage()
		if cf.opts.WriteBufferSize > 0 && uint64(usage) >= cf.opts.WriteBufferSize {
			rotate = true
		}
	}
	if e.opts.DBWriteBufferSize > 0 && uint64(total) >= e.opts.DBWriteBufferSize {
		rotate = true
	}
	if e.opts.MaxTotalWALSize > 0 && uint64(e.wal.Size()) >= e.opts.MaxTotalWALSize {
		rotate = true
	}
	e.mu.Unlock()

	if !rotate {
		return nil
	}
	return e.rotateAndMaybeFlush()
}

// rotateAndMaybeFlush freezes every non-empty memtable under a fresh
// log and flushes once the frozen count exceeds the write buffer
// number. Caller holds writeMu.
func (e *Engine) rotateAndMaybeFlush() error {
	e.mu.Lock()
	frozen := false
	mostFrozen := 0
	for _, cf := range e.cfs {
		if cf.mem.Empty() {
			continue
		}
		cf.imm = append(cf.imm, cf.mem)
		cf.mem = memtable.New(e.walNum)
		frozen = true
		if len(cf.imm) > mostFrozen {
			mostFrozen = len(cf.imm)
		}
	}
	e.mu.Unlock()
	if !frozen {
		return nil
	}
	if err := e.rotateLogLocked(); err != nil {
		return err
	}

	limit := e.opts.MaxWriteBufferNumber
	if limit < 1 {
		limit = 1
	}
	if mostFrozen >= limit-1 || limit == 1 {
		return e.flushFrozen()
	}
	return nil
}

// Get returns the newest version of key in cf visible at seq.
func (e *Engine) Get(cfID uint32, key []byte, seq uint64) (value []byte, found, deleted bool, err error) {
	cf, mem, imms, l0, l1, err := e.readState(cfID)
	if err != nil {
		return nil, false, false, err
	}

	if v, ok, del := mem.Get(key, seq); ok {
		return v, true, del, nil
	}
	for i := len(imms) - 1; i >= 0; i-- {
		if v, ok, del := imms[i].Get(key, seq); ok {
			return v, true, del, nil
		}
	}
	return e.searchTables(cf, key, seq, l0, l1)
}

// readState captures a consistent view of cf's memtables and files.
func (e *Engine) readState(cfID uint32) (cf *columnFamily, mem *memtable.MemTable, imms []*memtable.MemTable, l0, l1 []*fileMeta, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, nil, nil, nil, ErrClosed
	}
	if int(cfID) >= len(e.cfs) {
		return nil, nil, nil, nil, nil, fmt.Errorf("%w: id %d", ErrNoSuchColumnFamily, cfID)
	}
	cf = e.cfs[cfID]
	mem = cf.mem
	imms = append(imms, cf.imm...)
	l0 = append(l0, cf.levels[0]...)
	l1 = append(l1, cf.levels[1]...)
	return cf, mem, imms, l0, l1, nil
}

// searchTables finds the newest visible version among level files.
// Level-0 files may overlap, so every candidate is consulted and the
// hit with the highest sequence wins.
func (e *Engine) searchTables(cf *columnFamily, key []byte, seq uint64, l0, l1 []*fileMeta) (value []byte, found, deleted bool, err error) {
	var bestSeq uint64
	var bestVal []byte
	var bestDel bool
	hit := false

	consider := func(meta *fileMeta, bottommost bool) error {
		if bytes.Compare(key, meta.Smallest) < 0 || bytes.Compare(key, meta.Largest) > 0 {
			return nil
		}
		r, release, err := e.tables.get(meta, cf.tableOptions(e, bottommost))
		if err != nil {
			return err
		}
		defer release()
		v, es, kind, ok, err := r.Get(key, seq)
		if err != nil {
			return err
		}
		if ok && (!hit || es > bestSeq) {
			hit = true
			bestSeq = es
			bestVal = v
			bestDel = kind == keys.KindDelete
		}
		return nil
	}

	for _, meta := range l0 {
		if err := consider(meta, false); err != nil {
			return nil, false, false, err
		}
	}
	if !hit {
		i := sort.Search(len(l1), func(i int) bool {
			return bytes.Compare(l1[i].Largest, key) >= 0
		})
		if i < len(l1) {
			if err := consider(l1[i], true); err != nil {
				return nil, false, false, err
			}
		}
	}
	if !hit {
		return nil, false, false, nil
	}
	return bestVal, true, bestDel, nil
}

// NewestSeq returns the sequence of the newest committed version of
// key, whatever its kind. It backs commit-time conflict validation.
func (e *Engine) NewestSeq(cfID uint32, key []byte) (uint64, bool, error) {
	cf, mem, imms, l0, l1, err := e.readState(cfID)
	if err != nil {
		return 0, false, err
	}

	if s, ok := mem.NewestSeq(key); ok {
		return s, true, nil
	}
	for i := len(imms) - 1; i >= 0; i-- {
		if s, ok := imms[i].NewestSeq(key); ok {
			return s, true, nil
		}
	}

	var best uint64
	found := false
	consider := func(meta *fileMeta, bottommost bool) error {
		if bytes.Compare(key, meta.Smallest) < 0 || bytes.Compare(key, meta.Largest) > 0 {
			return nil
		}
		r, release, err := e.tables.get(meta, cf.tableOptions(e, bottommost))
		if err != nil {
			return err
		}
		defer release()
		_, es, _, ok, err := r.Get(key, keys.MaxSequence)
		if err != nil {
			return err
		}
		if ok && (!found || es > best) {
			found = true
			best = es
		}
		return nil
	}
	for _, meta := range l0 {
		if err := consider(meta, false); err != nil {
			return 0, false, err
		}
	}
	if !found {
		i := sort.Search(len(l1), func(i int) bool {
			return bytes.Compare(l1[i].Largest, key) >= 0
		})
		if i < len(l1) {
			if err := consider(l1[i], true); err != nil {
				return 0, false, err
			}
		}
	}
	return best, found, nil
}

// LastSequence returns the newest committed sequence number.
func (e *Engine) LastSequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

// NewSnapshot pins the current sequence number.
func (e *Engine) NewSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &Snapshot{seq: e.lastSeq}
	e.snapshots[s.seq]++
	return s
}

// ReleaseSnapshot unpins a snapshot. Releasing twice is a no-op.
func (e *Engine) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if n, ok := e.snapshots[s.seq]; ok {
		if n <= 1 {
			delete(e.snapshots, s.seq)
		} else {
			e.snapshots[s.seq] = n - 1
		}
	}
}

// oldestSnapshotLocked returns the oldest pinned sequence, or
// MaxSequence when nothing is pinned.
func (e *Engine) oldestSnapshotLocked() uint64 {
	oldest := keys.MaxSequence
	for seq := range e.snapshots {
		if seq < oldest {
			oldest = seq
		}
	}
	return oldest
}

// ColumnFamilyID resolves a column family name.
func (e *Engine) ColumnFamilyID(name string) (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cf, ok := e.cfByName[name]
	if !ok {
		return 0, false
	}
	return cf.id, true
}

// ColumnFamilyNames lists the store's column families.
func (e *Engine) ColumnFamilyNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, len(e.cfs))
	for i, cf := range e.cfs {
		names[i] = cf.name
	}
	return names
}

// Flush freezes and persists every non-empty memtable. When wait is
// false the frozen tables are still written before returning; wait
// additionally drains any compaction the flush triggered.
func (e *Engine) Flush(wait bool) error {
	e.writeMu.Lock()
	err := e.flushAll()
	e.writeMu.Unlock()
	if err != nil || !wait {
		return err
	}
	e.waitForCompactions()
	return nil
}

func (e *Engine) waitForCompactions() {
	e.mu.Lock()
	for e.bgWorkers > 0 {
		e.cond.Wait()
	}
	e.mu.Unlock()
}

// Close shuts the engine down: background work is drained, the log is
// synced and the manifest rewritten. The engine is unusable afterward.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.writeMu.Unlock()
		return ErrClosed
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.writeMu.Unlock()

	e.bgWait.Wait()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	var firstErr error
	// Frozen memtables are persisted so their retired logs are not
	// needed for recovery.
	if err := e.flushFrozen(); err != nil {
		firstErr = err
	}
	if err := e.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.mu.Lock()
	if err := e.saveManifestLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.mu.Unlock()

	e.tables.closeAll()

	if err := syscall.Flock(int(e.lockFile.Fd()), syscall.LOCK_UN); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("engine: unlock: %w", err)
	}
	if err := e.lockFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	e.log.Info("store closed")
	return firstErr
}

// saveManifestLocked persists the current version state. Caller holds mu.
func (e *Engine) saveManifestLocked() error {
	m := &manifest{
		NextFileNumber: e.nextFile,
		LastSequence:   e.lastSeq,
		LogNumber:      e.walNum,
	}
	for _, cf := range e.cfs {
		m.CFs = append(m.CFs, cf.manifestState())
	}
	return saveManifest(e.dir, m)
}

func (e *Engine) allocFileNumberLocked() uint64 {
	n := e.nextFile
	e.nextFile++
	return n
}
