package kvstore

import (
	"bytes"
	"encoding/binary"

	"github.com/sandia-hop/hop/pkg/hop"
)

// Atomic implements server.Capabilities.
// Add/Sub treat existing and supplied values as little-endian unsigned
// integers of matching length in {1,2,4,8}; BitSet/BitClear take an
// empty supplied value and flip the first bit equal to 0/1, returning
// the new value plus the flipped bit's index as a second output value;
// Append concatenates; Remove erases all occurrences of the supplied
// value; Replace substitutes all occurrences of vals[0] with vals[1].
// If no change applies, the version is left unchanged.
func (s *Store) Atomic(key []byte, op uint16, vals [][]byte) (uint64, [][]byte, *hop.HopError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	e, ok := s.entries[k]
	if !ok {
		e = &entry{}
	}

	switch op {
	case hop.AtomicAdd, hop.AtomicSub:
		if len(vals) != 1 {
			return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "atomic add/sub takes exactly one value"}
		}
		return s.atomicArith(k, e, op, vals[0])

	case hop.AtomicBitSet, hop.AtomicBitClear:
		return s.atomicBit(k, e, op)

	case hop.AtomicAppend:
		if len(vals) != 1 {
			return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "atomic append takes exactly one value"}
		}
		if len(vals[0]) == 0 {
			return e.version, [][]byte{clone(e.value)}, nil
		}
		newval := append(clone(e.value), vals[0]...)
		return s.storeLocked(k, newval), [][]byte{newval}, nil

	case hop.AtomicRemove:
		if len(vals) != 1 {
			return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "atomic remove takes exactly one value"}
		}
		if len(vals[0]) == 0 || !bytes.Contains(e.value, vals[0]) {
			return e.version, [][]byte{clone(e.value)}, nil
		}
		newval := bytes.ReplaceAll(e.value, vals[0], nil)
		return s.storeLocked(k, newval), [][]byte{newval}, nil

	case hop.AtomicReplace:
		if len(vals) != 2 {
			return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "atomic replace takes exactly two values"}
		}
		if len(vals[0]) == 0 || !bytes.Contains(e.value, vals[0]) {
			return e.version, [][]byte{clone(e.value)}, nil
		}
		newval := bytes.ReplaceAll(e.value, vals[0], vals[1])
		return s.storeLocked(k, newval), [][]byte{newval}, nil

	default:
		return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "unknown atomic op"}
	}
}

// storeLocked writes newval under k with a freshly bumped version.
// Caller must hold s.mu.
func (s *Store) storeLocked(k string, newval []byte) uint64 {
	ver := s.bumpLocked()
	s.entries[k] = &entry{value: newval, version: ver}
	s.cond.Broadcast()
	return ver
}

func (s *Store) atomicArith(k string, e *entry, op uint16, supplied []byte) (uint64, [][]byte, *hop.HopError) {
	l := len(supplied)
	switch l {
	case 1, 2, 4, 8:
	default:
		return 0, nil, &hop.HopError{ECode: hop.EINVAL, Descr: "atomic add/sub value must be 1, 2, 4 or 8 bytes"}
	}

	existing := e.value
	if len(existing) != l {
		existing = make([]byte, l)
	}

	a := leToUint(existing)
	b := leToUint(supplied)

	var result uint64
	if op == hop.AtomicAdd {
		result = a + b
	} else {
		result = a - b
	}

	newval := uintToLE(result, l)
	return s.storeLocked(k, newval), [][]byte{newval}, nil
}

func (s *Store) atomicBit(k string, e *entry, op uint16) (uint64, [][]byte, *hop.HopError) {
	existing := clone(e.value)

	for byteIdx := range existing {
		for bit := 0; bit < 8; bit++ {
			mask := byte(1) << uint(bit)
			isSet := existing[byteIdx]&mask != 0

			if op == hop.AtomicBitSet && !isSet {
				existing[byteIdx] |= mask
				idx := uint32(byteIdx*8 + bit)
				return s.storeLocked(k, existing), [][]byte{existing, u32le(idx)}, nil
			}
			if op == hop.AtomicBitClear && isSet {
				existing[byteIdx] &^= mask
				idx := uint32(byteIdx*8 + bit)
				return s.storeLocked(k, existing), [][]byte{existing, u32le(idx)}, nil
			}
		}
	}

	return 0, nil, &hop.HopError{ECode: hop.EAGAIN, Descr: "no eligible bit to flip"}
}

func leToUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func uintToLE(v uint64, l int) []byte {
	b := make([]byte, l)
	switch l {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
	return b
}

func u32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}
