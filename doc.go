// Package basalt is an embedded transactional key-value store built
// on a log-structured merge tree.
//
// A store is opened at a filesystem path and owned exclusively by one
// process. Configuration is resolved in layers: built-in defaults, an
// optional YAML options document, the caller's OpenOptions, and
// BASALT_* environment variables, with later layers winning.
//
//	db, err := basalt.Open(path, &basalt.OpenOptions{CreateIfMissing: true})
//	if err != nil { ... }
//	defer db.Close()
//
// Point reads and writes go through Get, Put and Delete. Multi-key
// atomicity and snapshot-isolated reads go through optimistic
// transactions:
//
//	txn, _ := db.Begin()
//	v, err := txn.Get(key)
//	txn.Put(key, next)
//	if err := txn.Commit(); errors.Is(err, basalt.ErrConflict) {
//		// another commit touched a written key; retry
//	}
//
// All stores in a process share one block cache; its capacity is set
// by the first explicit configuration and adjustable at runtime with
// SetBlockCacheCapacity.
package basalt
