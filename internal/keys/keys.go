// Package keys implements the internal key encoding used throughout the
// engine.
//
// An internal key is the user key followed by an 8-byte trailer packing
// the sequence number (56 bits) and the entry kind (8 bits). Ordering is
// ascending by user key, then descending by sequence, so the newest
// version of a key sorts first.
package keys

import (
	"bytes"
	"encoding/binary"
)

// Kind identifies what an entry represents.
type Kind uint8

const (
	// KindDelete marks a tombstone.
	KindDelete Kind = 0x0

	// KindValue is a plain value stored inline.
	KindValue Kind = 0x1

	// KindBlobRef is a value stored in the table's blob sidecar; the
	// inline payload is a (offset, length) reference.
	KindBlobRef Kind = 0x2

	// kindSeek sorts before every real kind at the same sequence and is
	// used to build lookup keys.
	kindSeek Kind = 0xff
)

// MaxSequence is the largest representable sequence number.
const MaxSequence = (uint64(1) << 56) - 1

const trailerLen = 8

// Encode appends the trailer to the user key.
func Encode(user []byte, seq uint64, kind Kind) []byte {
	ik := make([]byte, len(user)+trailerLen)
	copy(ik, user)
	binary.LittleEndian.PutUint64(ik[len(user):], seq<<8|uint64(kind))
	return ik
}

// SeekKey builds an internal key that sorts at or before every entry
// for user with sequence <= seq.
func SeekKey(user []byte, seq uint64) []byte {
	return Encode(user, seq, kindSeek)
}

// Decode splits an internal key. ok is false when the key is too short
// to carry a trailer.
func Decode(ik []byte) (user []byte, seq uint64, kind Kind, ok bool) {
	if len(ik) < trailerLen {
		return nil, 0, 0, false
	}
	n := len(ik) - trailerLen
	packed := binary.LittleEndian.Uint64(ik[n:])
	return ik[:n], packed >> 8, Kind(packed & 0xff), true
}

// UserKey strips the trailer.
func UserKey(ik []byte) []byte {
	if len(ik) < trailerLen {
		return ik
	}
	return ik[:len(ik)-trailerLen]
}

// Seq returns the sequence number of an internal key.
func Seq(ik []byte) uint64 {
	if len(ik) < trailerLen {
		return 0
	}
	return binary.LittleEndian.Uint64(ik[len(ik)-trailerLen:]) >> 8
}

// KindOf returns the kind of an internal key.
func KindOf(ik []byte) Kind {
	if len(ik) < trailerLen {
		return KindValue
	}
	return Kind(binary.LittleEndian.Uint64(ik[len(ik)-trailerLen:]) & 0xff)
}

// Compare orders internal keys: user key ascending, then sequence
// descending, then kind descending.
func Compare(a, b []byte) int {
	ua, sa, ka, oka := Decode(a)
	ub, sb, kb, okb := Decode(b)
	if !oka || !okb {
		return bytes.Compare(a, b)
	}
	if c := bytes.Compare(ua, ub); c != 0 {
		return c
	}
	if sa != sb {
		if sa > sb {
			return -1
		}
		return 1
	}
	if ka != kb {
		if ka > kb {
			return -1
		}
		return 1
	}
	return 0
}
