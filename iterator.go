package basalt

import (
	"github.com/basaltdb/basalt/internal/engine"
)

// Iterator is an ascending scan over user keys. Keys and values are
// raw bytes in lexicographic key order.
type Iterator struct {
	it *engine.Iterator
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() }

// Next advances to the following key.
func (it *Iterator) Next() { it.it.Next() }

// Key returns the current key. Valid until the next call to Next or
// Close.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current value.
func (it *Iterator) Value() []byte { return it.it.Value() }

// Err returns the first error the scan encountered.
func (it *Iterator) Err() error { return it.it.Err() }

// Close releases the iterator's pinned resources. Safe to call twice.
func (it *Iterator) Close() { it.it.Close() }
