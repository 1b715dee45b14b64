package engine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/basaltdb/basalt/internal/keys"
)

// errBadBatch reports a malformed batch payload in the log.
var errBadBatch = errors.New("engine: malformed write batch")

type batchOp struct {
	cf    uint32
	kind  keys.Kind
	key   []byte
	value []byte
}

// Batch is an ordered set of writes applied atomically under one
// sequence range.
type Batch struct {
	ops []batchOp
}

// Put records a put on the given column family. The key and value are
// copied; the caller may reuse its buffers.
func (b *Batch) Put(cf uint32, key, value []byte) {
	b.ops = append(b.ops, batchOp{
		cf:    cf,
		kind:  keys.KindValue,
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
}

// Delete records a point delete on the given column family. The key is
// copied.
func (b *Batch) Delete(cf uint32, key []byte) {
	b.ops = append(b.ops, batchOp{cf: cf, kind: keys.KindDelete, key: append([]byte(nil), key...)})
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int { return len(b.ops) }

// encode serializes the batch with its base sequence for the log.
func (b *Batch) encode(baseSeq uint64) []byte {
	n := binary.MaxVarintLen64
	for i := range b.ops {
		n += 2*binary.MaxVarintLen32 + 1 + len(b.ops[i].key) + binary.MaxVarintLen64 + len(b.ops[i].value)
	}
	buf := make([]byte, 0, n)
	buf = binary.AppendUvarint(buf, baseSeq)
	buf = binary.AppendUvarint(buf, uint64(len(b.ops)))
	for i := range b.ops {
		op := &b.ops[i]
		buf = binary.AppendUvarint(buf, uint64(op.cf))
		buf = append(buf, byte(op.kind))
		buf = binary.AppendUvarint(buf, uint64(len(op.key)))
		buf = append(buf, op.key...)
		if op.kind != keys.KindDelete {
			buf = binary.AppendUvarint(buf, uint64(len(op.value)))
			buf = append(buf, op.value...)
		}
	}
	return buf
}

func decodeBatch(payload []byte) (baseSeq uint64, b *Batch, err error) {
	baseSeq, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, nil, errBadBatch
	}
	payload = payload[n:]
	count, n := binary.Uvarint(payload)
	if n <= 0 {
		return 0, nil, errBadBatch
	}
	payload = payload[n:]

	b = &Batch{ops: make([]batchOp, 0, count)}
	for i := uint64(0); i < count; i++ {
		var op batchOp
		cf, n := binary.Uvarint(payload)
		if n <= 0 {
			return 0, nil, errBadBatch
		}
		payload = payload[n:]
		if len(payload) < 1 {
			return 0, nil, errBadBatch
		}
		op.cf = uint32(cf)
		op.kind = keys.Kind(payload[0])
		payload = payload[1:]
		if op.key, payload, err = readSlice(payload); err != nil {
			return 0, nil, err
		}
		if op.kind != keys.KindDelete {
			if op.value, payload, err = readSlice(payload); err != nil {
				return 0, nil, err
			}
		}
		b.ops = append(b.ops, op)
	}
	if len(payload) != 0 {
		return 0, nil, fmt.Errorf("%w: %d trailing bytes", errBadBatch, len(payload))
	}
	return baseSeq, b, nil
}

func readSlice(buf []byte) (val, rest []byte, err error) {
	l, n := binary.Uvarint(buf)
	if n <= 0 || uint64(len(buf)-n) < l {
		return nil, nil, errBadBatch
	}
	return buf[n : n+int(l)], buf[n+int(l):], nil
}
