package engine

import (
	"bytes"
	"container/heap"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/keys"
	"github.com/basaltdb/basalt/internal/sstable"
)

// maybeScheduleCompactionLocked starts background compactions for
// column families over their level-0 trigger. Caller holds mu.
func (e *Engine) maybeScheduleCompactionLocked() {
	if e.closed {
		return
	}
	maxJobs := e.opts.MaxBackgroundJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	for _, cf := range e.cfs {
		if cf.opts.DisableAutoCompactions || e.compacting[cf.id] {
			continue
		}
		if len(cf.levels[0]) < cf.opts.Level0FileNumCompactionTrigger {
			continue
		}
		if e.bgWorkers >= maxJobs {
			return
		}
		e.compacting[cf.id] = true
		e.bgWorkers++
		e.bgWait.Add(1)
		go e.compactionWorker(cf)
	}
}

func (e *Engine) compactionWorker(cf *columnFamily) {
	defer e.bgWait.Done()
	err := e.compactCF(cf, nil, nil, false)
	e.mu.Lock()
	delete(e.compacting, cf.id)
	e.bgWorkers--
	if err != nil {
		e.log.WithError(err).WithField("cf", cf.name).Error("background compaction failed")
	} else {
		e.maybeScheduleCompactionLocked()
	}
	e.cond.Broadcast()
	e.mu.Unlock()
}

// CompactRange synchronously compacts the given key range of a column
// family down to the last level. Nil bounds are unbounded.
func (e *Engine) CompactRange(cfID uint32, start, end []byte) error {
	if err := e.Flush(false); err != nil {
		return err
	}

	e.mu.Lock()
	if int(cfID) >= len(e.cfs) {
		e.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrNoSuchColumnFamily, cfID)
	}
	cf := e.cfs[cfID]
	for e.compacting[cf.id] && !e.closed {
		e.cond.Wait()
	}
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.compacting[cf.id] = true
	e.mu.Unlock()

	err := e.compactCF(cf, start, end, true)

	e.mu.Lock()
	delete(e.compacting, cf.id)
	e.cond.Broadcast()
	e.mu.Unlock()
	return err
}

type compactionInput struct {
	meta    *fileMeta
	level   int
	it      *sstable.Iterator
	release func()
}

// compactCF merges all of cf's level-0 files with the overlapping
// level-1 files and writes the result back to level 1. Obsolete
// versions hidden from every snapshot are dropped; tombstones are
// dropped entirely once nothing older can resurface. The caller holds
// the cf's compacting slot.
func (e *Engine) compactCF(cf *columnFamily, start, end []byte, manual bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	l0 := append([]*fileMeta(nil), cf.levels[0]...)

	// The compaction span covers every level-0 input plus the manual
	// range, so all versions of every touched key take part.
	var spanLo, spanHi []byte
	haveSpan := false
	extend := func(lo, hi []byte) {
		if !haveSpan {
			spanLo, spanHi, haveSpan = lo, hi, true
			return
		}
		if bytes.Compare(lo, spanLo) < 0 {
			spanLo = lo
		}
		if bytes.Compare(hi, spanHi) > 0 {
			spanHi = hi
		}
	}
	for _, f := range l0 {
		extend(f.Smallest, f.Largest)
	}

	var l1 []*fileMeta
	for _, f := range cf.levels[1] {
		inSpan := haveSpan && bytes.Compare(f.Largest, spanLo) >= 0 && bytes.Compare(f.Smallest, spanHi) <= 0
		inManual := manual &&
			(end == nil || bytes.Compare(f.Smallest, end) <= 0) &&
			(start == nil || bytes.Compare(f.Largest, start) >= 0)
		if inSpan || inManual {
			l1 = append(l1, f)
		}
	}

	smallestSnapshot := e.oldestSnapshotLocked()
	if smallestSnapshot > e.lastSeq {
		smallestSnapshot = e.lastSeq
	}
	e.mu.Unlock()

	if len(l0) == 0 && len(l1) == 0 {
		return nil
	}
	if len(l0) == 0 && !manual {
		return nil
	}

	var inputs []*compactionInput
	defer func() {
		for _, in := range inputs {
			in.it.Close()
			in.release()
		}
	}()
	for _, f := range l0 {
		in, err := e.openInput(cf, f, 0)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}
	for _, f := range l1 {
		in, err := e.openInput(cf, f, 1)
		if err != nil {
			return err
		}
		inputs = append(inputs, in)
	}

	outputs, err := e.mergeInputs(cf, inputs, smallestSnapshot)
	if err != nil {
		for _, meta := range outputs {
			e.removeTableFiles(meta)
		}
		return err
	}

	return e.installCompaction(cf, l0, l1, outputs)
}

func (e *Engine) openInput(cf *columnFamily, meta *fileMeta, level int) (*compactionInput, error) {
	r, release, err := e.tables.get(meta, cf.tableOptions(e, level == 1))
	if err != nil {
		return nil, err
	}
	it := r.NewIterator()
	it.SeekFirst()
	return &compactionInput{meta: meta, level: level, it: it, release: release}, nil
}

type inputHeap []*compactionInput

func (h inputHeap) Len() int { return len(h) }
func (h inputHeap) Less(i, j int) bool {
	return keys.Compare(h[i].it.Key(), h[j].it.Key()) < 0
}
func (h inputHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *inputHeap) Push(x interface{}) { *h = append(*h, x.(*compactionInput)) }
func (h *inputHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// mergeInputs streams the inputs in internal key order into fresh
// level-1 tables, splitting outputs at the target file size.
func (e *Engine) mergeInputs(cf *columnFamily, inputs []*compactionInput, smallestSnapshot uint64) ([]*fileMeta, error) {
	h := &inputHeap{}
	for _, in := range inputs {
		if in.it.Valid() {
			heap.Push(h, in)
		} else if err := in.it.Error(); err != nil {
			return nil, err
		}
	}

	outOpts := cf.tableOptions(e, true)
	if !cf.opts.EnableBlobGC {
		// Without garbage collection, surviving blob values fold back
		// inline instead of being rewritten into fresh sidecars.
		outOpts.BlobMinSize = 0
		outOpts.BlobFileSize = 0
	}

	var outputs []*fileMeta
	var w *sstable.Writer
	var wNum uint64

	finishOutput := func() error {
		if w == nil {
			return nil
		}
		if err := w.Finish(); err != nil {
			w = nil
			return err
		}
		meta, err := e.fileMetaFor(wNum)
		w = nil
		if err != nil {
			return err
		}
		outputs = append(outputs, meta)
		return nil
	}
	fail := func(err error) ([]*fileMeta, error) {
		if w != nil {
			w.Abort()
		}
		for _, meta := range outputs {
			e.removeTableFiles(meta)
		}
		return nil, err
	}

	var prevUser []byte
	var prevKey []byte
	lastSeqForKey := keys.MaxSequence

	for h.Len() > 0 {
		in := (*h)[0]
		ik := in.it.Key()

		user, seq, kind, ok := keys.Decode(ik)
		if !ok {
			return fail(sstable.ErrBadTable)
		}

		if prevUser == nil || !bytes.Equal(prevUser, user) {
			prevUser = append(prevUser[:0], user...)
			lastSeqForKey = keys.MaxSequence
		}
		drop := false
		switch {
		case bytes.Equal(prevKey, ik):
			// Duplicate entry from a replay re-flush.
			drop = true
		case lastSeqForKey <= smallestSnapshot:
			// Shadowed by a newer version every reader can see.
			drop = true
		case kind == keys.KindDelete && seq <= smallestSnapshot:
			// Bottommost output; nothing older can resurface.
			drop = true
		}
		lastSeqForKey = seq
		prevKey = append(prevKey[:0], ik...)

		if !drop {
			value, err := in.it.Value()
			if err != nil {
				return fail(err)
			}
			if kind == keys.KindBlobRef {
				// Resolved values re-enter blob routing in the writer.
				ik = keys.Encode(user, seq, keys.KindValue)
			}
			if w == nil {
				e.mu.Lock()
				wNum = e.allocFileNumberLocked()
				e.mu.Unlock()
				nw, err := sstable.NewWriter(tableFileName(e.dir, wNum), outOpts)
				if err != nil {
					return fail(err)
				}
				w = nw
			}
			if err := w.Add(ik, value); err != nil {
				return fail(err)
			}
			if cf.opts.TargetFileSizeBase > 0 && w.EstimatedSize() >= cf.opts.TargetFileSizeBase {
				if err := finishOutput(); err != nil {
					return fail(err)
				}
			}
		}

		in.it.Next()
		if in.it.Valid() {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
			if err := in.it.Error(); err != nil {
				return fail(err)
			}
		}
	}
	if err := finishOutput(); err != nil {
		return fail(err)
	}
	return outputs, nil
}

// fileMetaFor stats a freshly written table.
func (e *Engine) fileMetaFor(num uint64) (*fileMeta, error) {
	path := tableFileName(e.dir, num)
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	r, err := sstable.OpenReader(path, sstable.Options{})
	if err != nil {
		return nil, err
	}
	meta := &fileMeta{
		Num:       num,
		Size:      uint64(st.Size()),
		Smallest:  append([]byte(nil), r.Smallest()...),
		Largest:   append([]byte(nil), r.Largest()...),
		HasBlob:   r.BlobBytes() > 0,
		BlobBytes: r.BlobBytes(),
	}
	return meta, r.Close()
}

func (e *Engine) removeTableFiles(meta *fileMeta) {
	e.tables.evict(meta.Num)
	path := tableFileName(e.dir, meta.Num)
	_ = os.Remove(path)
	if meta.HasBlob {
		_ = os.Remove(path + sstable.BlobSuffix)
	}
}

// installCompaction swaps the inputs for the outputs in the version
// state and deletes the input files.
func (e *Engine) installCompaction(cf *columnFamily, l0, l1, outputs []*fileMeta) error {
	gone := make(map[uint64]bool, len(l0)+len(l1))
	for _, f := range l0 {
		gone[f.Num] = true
	}
	for _, f := range l1 {
		gone[f.Num] = true
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		for _, meta := range outputs {
			e.removeTableFiles(meta)
		}
		return ErrClosed
	}
	var keep []*fileMeta
	for _, f := range cf.levels[0] {
		if !gone[f.Num] {
			keep = append(keep, f)
		}
	}
	cf.levels[0] = keep
	next := make([]*fileMeta, 0, len(cf.levels[1])-len(l1)+len(outputs))
	for _, f := range cf.levels[1] {
		if !gone[f.Num] {
			next = append(next, f)
		}
	}
	next = append(next, outputs...)
	sort.Slice(next, func(i, j int) bool {
		return bytes.Compare(next[i].Smallest, next[j].Smallest) < 0
	})
	cf.levels[1] = next

	err := e.saveManifestLocked()
	e.cond.Broadcast()
	e.log.WithFields(logrus.Fields{
		"cf":      cf.name,
		"inputs":  len(l0) + len(l1),
		"outputs": len(outputs),
		"level1":  len(cf.levels[1]),
	}).Info("compaction complete")
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, f := range l0 {
		e.removeTableFiles(f)
	}
	for _, f := range l1 {
		e.removeTableFiles(f)
	}
	return nil
}
