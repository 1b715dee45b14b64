package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// PropertyPrefix is the namespace of every engine property name.
const PropertyPrefix = "basalt."

// MemoryStats reports the engine's approximate memory breakdown.
type MemoryStats struct {
	MemTableTotal     uint64
	BlockCacheUsage   uint64
	BlockCachePinned  uint64
	TableReadersTotal uint64
}

// GetMemoryStats sums memtable usage across all column families and
// reads the block cache and table reader estimates.
func (e *Engine) GetMemoryStats() MemoryStats {
	e.mu.Lock()
	var st MemoryStats
	for _, cf := range e.cfs {
		st.MemTableTotal += uint64(cf.memoryUsage())
	}
	c := e.cfs[0].opts.Table.Cache
	e.mu.Unlock()

	if c != nil {
		_, usage, pinned := c.Stats()
		st.BlockCacheUsage = usage
		st.BlockCachePinned = pinned
	}
	st.TableReadersTotal = e.tables.readerMemory()
	return st
}

// Property returns the named introspection property of one column
// family. Unknown names report false.
func (e *Engine) Property(cfID uint32, name string) (string, bool) {
	if !strings.HasPrefix(name, PropertyPrefix) {
		return "", false
	}
	name = strings.TrimPrefix(name, PropertyPrefix)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || int(cfID) >= len(e.cfs) {
		return "", false
	}
	cf := e.cfs[cfID]

	if level, ok := strings.CutPrefix(name, "num-files-at-level"); ok {
		n, err := strconv.Atoi(level)
		if err != nil || n < 0 || n >= numLevels {
			return "", false
		}
		return strconv.Itoa(len(cf.levels[n])), true
	}

	switch name {
	case "levelstats":
		var b strings.Builder
		b.WriteString("Level Files Size(MB)\n--------------------\n")
		for l := 0; l < numLevels; l++ {
			var size uint64
			for _, f := range cf.levels[l] {
				size += f.Size
			}
			fmt.Fprintf(&b, "%5d %5d %8.1f\n", l, len(cf.levels[l]), float64(size)/(1<<20))
		}
		return b.String(), true

	case "stats":
		var b strings.Builder
		fmt.Fprintf(&b, "** Column family [%s] **\n", cf.name)
		fmt.Fprintf(&b, "Last sequence: %d\n", e.lastSeq)
		fmt.Fprintf(&b, "Memtables: active %d bytes, frozen %d\n",
			cf.mem.ApproximateMemoryUsage(), len(cf.imm))
		for l := 0; l < numLevels; l++ {
			var size uint64
			for _, f := range cf.levels[l] {
				size += f.Size
			}
			fmt.Fprintf(&b, "L%d: %d files, %d bytes\n", l, len(cf.levels[l]), size)
		}
		fmt.Fprintf(&b, "Pending compaction bytes: %d\n", cf.pendingCompactionBytes())
		fmt.Fprintf(&b, "Snapshots: %d\n", len(e.snapshots))
		return b.String(), true

	case "cur-size-all-mem-tables":
		return strconv.FormatInt(cf.memoryUsage(), 10), true

	case "estimate-pending-compaction-bytes":
		return strconv.FormatUint(cf.pendingCompactionBytes(), 10), true

	case "block-cache-usage":
		if c := cf.opts.Table.Cache; c != nil {
			return strconv.FormatUint(c.Usage(), 10), true
		}
		return "0", true

	case "block-cache-pinned-usage":
		if c := cf.opts.Table.Cache; c != nil {
			return strconv.FormatUint(c.PinnedUsage(), 10), true
		}
		return "0", true

	case "estimate-table-readers-mem":
		return strconv.FormatUint(e.tables.readerMemory(), 10), true
	}
	return "", false
}
