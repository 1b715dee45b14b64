package basalt

import (
	"bytes"
	"sort"
	"sync"

	"github.com/basaltdb/basalt/internal/engine"
)

type txnState int

const (
	txnOpen txnState = iota
	txnCommitted
	txnAborted
)

type txnWrite struct {
	value  []byte
	delete bool
}

// Txn is an optimistic transaction: reads go through a snapshot pinned
// at Begin, writes are buffered, and Commit validates every written
// key against writes committed after the snapshot. On conflict nothing
// is applied and the caller restarts the transaction from scratch.
type Txn struct {
	db   *DB
	snap *engine.Snapshot

	mu     sync.Mutex
	state  txnState
	writes map[string]txnWrite
	order  []string
}

// Begin starts a transaction pinned to the store's current state.
func (db *DB) Begin() (*Txn, error) {
	if db.isClosed() {
		return nil, ErrDBClosed
	}
	return &Txn{
		db:     db,
		snap:   db.eng.NewSnapshot(),
		writes: make(map[string]txnWrite),
	}, nil
}

// Get reads key at the transaction's snapshot, observing the
// transaction's own uncommitted writes first.
func (t *Txn) Get(key []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return nil, ErrTxnDone
	}
	if w, ok := t.writes[string(key)]; ok {
		if w.delete {
			return nil, ErrNotFound
		}
		return append([]byte(nil), w.value...), nil
	}
	v, found, deleted, err := t.db.eng.Get(0, key, t.snap.Seq())
	if err != nil {
		return nil, err
	}
	if !found || deleted {
		return nil, ErrNotFound
	}
	// The engine slice aliases memtable or cached block memory.
	return append([]byte(nil), v...), nil
}

// Put buffers a write. Nothing is visible outside the transaction
// until Commit.
func (t *Txn) Put(key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return ErrTxnDone
	}
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = txnWrite{value: append([]byte(nil), value...)}
	return nil
}

// Delete buffers a tombstone.
func (t *Txn) Delete(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return ErrTxnDone
	}
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = txnWrite{delete: true}
	return nil
}

// Scan iterates [lower, upper) at the transaction's snapshot with the
// transaction's own writes overlaid.
func (t *Txn) Scan(lower, upper []byte) (*TxnIterator, error) {
	t.mu.Lock()
	if t.state != txnOpen {
		t.mu.Unlock()
		return nil, ErrTxnDone
	}
	base, err := t.db.eng.NewIterator(0, t.snap.Seq(), lower, upper)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}

	var keys []string
	for k := range t.writes {
		kb := []byte(k)
		if lower != nil && bytes.Compare(kb, lower) < 0 {
			continue
		}
		if upper != nil && bytes.Compare(kb, upper) >= 0 {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	t.mu.Unlock()

	it := &TxnIterator{txn: t, base: base, overlay: keys}
	it.findNext()
	return it, nil
}

// Commit atomically applies the buffered writes. It fails with
// ErrConflict when any written key was modified after the snapshot;
// the transaction is finalized either way.
func (t *Txn) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return ErrTxnDone
	}

	if len(t.writes) == 0 {
		t.finalize(txnCommitted)
		return nil
	}

	// Validation and apply run under one lock so no commit can slip
	// between them.
	t.db.commitMu.Lock()
	defer t.db.commitMu.Unlock()

	for _, k := range t.order {
		seq, found, err := t.db.eng.NewestSeq(0, []byte(k))
		if err != nil {
			t.finalize(txnAborted)
			return err
		}
		if found && seq > t.snap.Seq() {
			t.finalize(txnAborted)
			return ErrConflict
		}
	}

	b := &engine.Batch{}
	for _, k := range t.order {
		w := t.writes[k]
		if w.delete {
			b.Delete(0, []byte(k))
		} else {
			b.Put(0, []byte(k), w.value)
		}
	}
	if _, err := t.db.eng.Apply(b, false); err != nil {
		t.finalize(txnAborted)
		return err
	}
	t.finalize(txnCommitted)
	return nil
}

// Rollback discards the buffered writes and releases the snapshot.
// Rolling back a finalized transaction is a no-op.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnOpen {
		return nil
	}
	t.finalize(txnAborted)
	return nil
}

// finalize releases the snapshot exactly once. Caller holds t.mu.
func (t *Txn) finalize(state txnState) {
	t.state = state
	t.db.eng.ReleaseSnapshot(t.snap)
	t.snap = nil
	t.writes = nil
	t.order = nil
}

// TxnIterator merges the snapshot scan with the transaction's write
// buffer; buffered writes win over snapshot versions of the same key.
type TxnIterator struct {
	txn     *Txn
	base    *engine.Iterator
	overlay []string // sorted buffered keys in range

	curKey []byte
	curVal []byte
	valid  bool
	err    error
}

func (it *TxnIterator) findNext() {
	it.valid = false
	it.txn.mu.Lock()
	defer it.txn.mu.Unlock()
	if it.txn.state != txnOpen {
		// The transaction finalized underneath the iterator.
		it.err = ErrTxnDone
		return
	}
	for {
		var overlayKey []byte
		if len(it.overlay) > 0 {
			overlayKey = []byte(it.overlay[0])
		}

		switch {
		case overlayKey == nil && !it.base.Valid():
			return

		case overlayKey != nil && (!it.base.Valid() || bytes.Compare(overlayKey, it.base.Key()) <= 0):
			// Buffered write wins; skip the shadowed snapshot entry.
			if it.base.Valid() && bytes.Equal(overlayKey, it.base.Key()) {
				it.base.Next()
			}
			w := it.txn.writes[it.overlay[0]]
			it.overlay = it.overlay[1:]
			if w.delete {
				continue
			}
			it.curKey = overlayKey
			it.curVal = append([]byte(nil), w.value...)
			it.valid = true
			return

		default:
			it.curKey = append([]byte(nil), it.base.Key()...)
			it.curVal = append([]byte(nil), it.base.Value()...)
			it.base.Next()
			it.valid = true
			return
		}
	}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *TxnIterator) Valid() bool { return it.valid }

// Next advances to the following key.
func (it *TxnIterator) Next() {
	if !it.valid {
		return
	}
	it.findNext()
}

// Key returns the current key.
func (it *TxnIterator) Key() []byte { return it.curKey }

// Value returns the current value.
func (it *TxnIterator) Value() []byte { return it.curVal }

// Err returns ErrTxnDone if the transaction finalized while the
// iterator was in use, or the first error the underlying scan hit.
func (it *TxnIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.base.Err()
}

// Close releases the underlying scan.
func (it *TxnIterator) Close() { it.base.Close() }
