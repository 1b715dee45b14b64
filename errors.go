package basalt

import "errors"

var (
	// ErrNotFound is returned by reads of absent keys.
	ErrNotFound = errors.New("basalt: key not found")

	// ErrConflict is returned when a transaction's commit observes a
	// write committed after its snapshot. The caller must restart the
	// transaction from scratch; nothing was applied.
	ErrConflict = errors.New("basalt: transaction write conflict")

	// ErrTxnDone is returned by operations on a committed or rolled
	// back transaction.
	ErrTxnDone = errors.New("basalt: transaction already finalized")

	// ErrDBClosed is returned by operations on a closed database.
	ErrDBClosed = errors.New("basalt: database is closed")

	// ErrKeyOrder is returned when bulk-load keys arrive out of order.
	ErrKeyOrder = errors.New("basalt: keys must be strictly ascending")

	// ErrWriterDone is returned by operations on a finished or aborted
	// table writer.
	ErrWriterDone = errors.New("basalt: table writer already finalized")

	// ErrConfig reports a malformed options document or an option
	// combination the engine rejects. The database is not opened.
	ErrConfig = errors.New("basalt: invalid configuration")

	// ErrOpen reports that the store could not be opened, for example
	// because another process holds its lock.
	ErrOpen = errors.New("basalt: cannot open store")

	// ErrUnknownProperty is returned for unrecognized property names.
	ErrUnknownProperty = errors.New("basalt: unknown property")
)
