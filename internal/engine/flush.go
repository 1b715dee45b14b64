package engine

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/basaltdb/basalt/internal/memtable"
	"github.com/basaltdb/basalt/internal/sstable"
)

// flushAll freezes every non-empty memtable under a fresh log and
// writes all frozen tables out. Caller holds writeMu.
func (e *Engine) flushAll() error {
	e.mu.Lock()
	frozen := false
	for _, cf := range e.cfs {
		if cf.mem.Empty() {
			continue
		}
		cf.imm = append(cf.imm, cf.mem)
		cf.mem = memtable.New(e.walNum)
		frozen = true
	}
	e.mu.Unlock()

	if frozen {
		if err := e.rotateLogLocked(); err != nil {
			return err
		}
	}
	return e.flushFrozen()
}

// flushFrozen writes every frozen memtable to a level-0 table, retires
// the logs that fed them and installs the new files. Caller holds
// writeMu.
func (e *Engine) flushFrozen() error {
	type pending struct {
		cf   *columnFamily
		imms []*memtable.MemTable
	}
	e.mu.Lock()
	var work []pending
	for _, cf := range e.cfs {
		if len(cf.imm) > 0 {
			work = append(work, pending{cf: cf, imms: append([]*memtable.MemTable(nil), cf.imm...)})
		}
	}
	e.mu.Unlock()
	if len(work) == 0 {
		return nil
	}

	type output struct {
		cf    *columnFamily
		metas []*fileMeta // oldest first, matching imm order
	}
	var outputs []output
	for _, p := range work {
		out := output{cf: p.cf}
		for _, imm := range p.imms {
			meta, err := e.buildTable(p.cf, imm)
			if err != nil {
				return err
			}
			out.metas = append(out.metas, meta)
		}
		outputs = append(outputs, out)
	}

	e.mu.Lock()
	for _, out := range outputs {
		cf := out.cf
		flushed := len(out.metas)
		cf.imm = cf.imm[flushed:]
		// Newest file first: reverse the oldest-first build order.
		files := make([]*fileMeta, 0, flushed+len(cf.levels[0]))
		for i := flushed - 1; i >= 0; i-- {
			files = append(files, out.metas[i])
		}
		cf.levels[0] = append(files, cf.levels[0]...)
		e.log.WithFields(logrus.Fields{
			"cf":       cf.name,
			"tables":   flushed,
			"level0":   len(cf.levels[0]),
			"last_seq": e.lastSeq,
		}).Info("memtable flush complete")
	}
	retired := e.oldLogs
	e.oldLogs = nil
	err := e.saveManifestLocked()
	e.maybeScheduleCompactionLocked()
	e.cond.Broadcast()
	e.mu.Unlock()
	if err != nil {
		return err
	}

	for _, num := range retired {
		_ = os.Remove(logFileName(e.dir, num))
	}
	return nil
}

// buildTable writes one memtable out as a level-0 table.
func (e *Engine) buildTable(cf *columnFamily, imm *memtable.MemTable) (*fileMeta, error) {
	e.mu.Lock()
	num := e.allocFileNumberLocked()
	e.mu.Unlock()

	path := tableFileName(e.dir, num)
	w, err := sstable.NewWriter(path, cf.tableOptions(e, false))
	if err != nil {
		return nil, err
	}

	it := imm.NewIterator()
	for it.SeekFirst(); it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abort()
			return nil, err
		}
	}
	if err := w.Finish(); err != nil {
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	r, err := sstable.OpenReader(path, sstable.Options{VerifyChecksums: false})
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
	_ = r.Close()
	return meta, nil
}
