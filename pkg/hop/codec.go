package hop

import (
	"encoding/binary"
	"fmt"
)

// header layout: size[4] type[2] tag[2]. size is the total frame length
// including the header itself, so size always equals len(Pkt).
const headerLen = 8

// readSize peeks the first four bytes of a frame buffer to find how
// many total bytes the frame will occupy once fully read. Callers
// should grow their buffer to fit and keep reading until they have that
// many bytes, then call Unpack.
func readSize(b []byte) (total int, err error) {
	if len(b) < 4 {
		return 0, ErrShortBuffer
	}
	return int(binary.LittleEndian.Uint32(b[0:4])), nil
}

// FrameLen returns how many total bytes the frame starting at b will
// occupy, or an error if fewer than 4 bytes are available yet.
func FrameLen(b []byte) (int, error) {
	return readSize(b)
}

func putStr(buf []byte, s []byte) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func getStr(b []byte) (s []byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, ErrShortBuffer
	}
	l := int(binary.LittleEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < l {
		return nil, nil, ErrShortBuffer
	}
	return b[:l], b[l:], nil
}

func putBytes32(buf []byte, v []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(v)))
	buf = append(buf, l[:]...)
	return append(buf, v...)
}

func getBytes32(b []byte) (v []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, ErrShortBuffer
	}
	l := binary.LittleEndian.Uint32(b[0:4])
	b = b[4:]
	if uint64(len(b)) < uint64(l) {
		return nil, nil, ErrShortBuffer
	}
	return b[:l], b[l:], nil
}

func putU16(buf []byte, v uint16) []byte {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return append(buf, b[:]...)
}

func putU32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

func getU16(b []byte) (uint16, []byte, error) {
	if len(b) < 2 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint16(b[0:2]), b[2:], nil
}

func getU32(b []byte) (uint32, []byte, error) {
	if len(b) < 4 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(b[0:4]), b[4:], nil
}

func getU64(b []byte) (uint64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b[0:8]), b[8:], nil
}

// finish stamps size/type/tag into msg and builds msg.Pkt from the
// already-encoded payload.
func finish(msg *HopMsg, typ uint16, payload []byte) *HopMsg {
	msg.Type = typ
	msg.Tag = NOTAG
	msg.Size = uint32(headerLen + len(payload))

	pkt := make([]byte, 0, msg.Size)
	pkt = putU32(pkt, msg.Size)
	pkt = putU16(pkt, typ)
	pkt = putU16(pkt, NOTAG)
	pkt = append(pkt, payload...)
	msg.Pkt = pkt
	return msg
}

// SetTag overwrites the tag in both the structured field and the
// serialized header at byte offset 6.
func SetTag(msg *HopMsg, tag uint16) {
	msg.Tag = tag
	if len(msg.Pkt) >= headerLen {
		binary.LittleEndian.PutUint16(msg.Pkt[6:8], tag)
	}
}

// PackTget builds a Tget frame.
func PackTget(key []byte, version uint64) *HopMsg {
	m := &HopMsg{Key: key, Version: version}
	var p []byte
	p = putStr(p, key)
	p = putU64(p, version)
	return finish(m, Tget, p)
}

// PackRget builds a Rget frame.
func PackRget(version uint64, value []byte) *HopMsg {
	m := &HopMsg{Version: version, Value: value}
	var p []byte
	p = putU64(p, version)
	p = putBytes32(p, value)
	return finish(m, Rget, p)
}

// PackTset builds a Tset frame.
func PackTset(key, value []byte) *HopMsg {
	m := &HopMsg{Key: key, Value: value}
	var p []byte
	p = putStr(p, key)
	p = putBytes32(p, value)
	return finish(m, Tset, p)
}

// PackRset builds a Rset frame.
func PackRset(version uint64) *HopMsg {
	m := &HopMsg{Version: version}
	var p []byte
	p = putU64(p, version)
	return finish(m, Rset, p)
}

// PackTcreate builds a Tcreate frame.
func PackTcreate(key, flags, value []byte) *HopMsg {
	m := &HopMsg{Key: key, Flags: flags, Value: value}
	var p []byte
	p = putStr(p, key)
	p = putStr(p, flags)
	p = putBytes32(p, value)
	return finish(m, Tcreate, p)
}

// PackRcreate builds a Rcreate frame.
func PackRcreate(version uint64) *HopMsg {
	m := &HopMsg{Version: version}
	var p []byte
	p = putU64(p, version)
	return finish(m, Rcreate, p)
}

// PackTremove builds a Tremove frame.
func PackTremove(key []byte) *HopMsg {
	m := &HopMsg{Key: key}
	var p []byte
	p = putStr(p, key)
	return finish(m, Tremove, p)
}

// PackRremove builds a Rremove frame (empty payload).
func PackRremove() *HopMsg {
	m := &HopMsg{}
	return finish(m, Rremove, nil)
}

// PackTtestset builds a Ttestset frame.
func PackTtestset(key []byte, version uint64, oldval, value []byte) *HopMsg {
	m := &HopMsg{Key: key, Version: version, OldVal: oldval, Value: value}
	var p []byte
	p = putStr(p, key)
	p = putU64(p, version)
	p = putBytes32(p, oldval)
	p = putBytes32(p, value)
	return finish(m, Ttestset, p)
}

// PackRtestset builds a Rtestset frame.
func PackRtestset(version uint64, value []byte) *HopMsg {
	m := &HopMsg{Version: version, Value: value}
	var p []byte
	p = putU64(p, version)
	p = putBytes32(p, value)
	return finish(m, Rtestset, p)
}

// PackTatomic builds a Tatomic frame. vals holds the operation's input
// value(s); valsnum==1 is the common case (Add/Sub/Append/Remove take a
// single value, BitSet/BitClear take an empty one, Replace takes two).
func PackTatomic(op uint16, key []byte, vals [][]byte) *HopMsg {
	m := &HopMsg{AtmOp: op, Key: key, Vals: vals}
	var p []byte
	p = putU16(p, op)
	p = putStr(p, key)
	p = putU16(p, uint16(len(vals)))
	for _, v := range vals {
		p = putBytes32(p, v)
	}
	return finish(m, Tatomic, p)
}

// PackRatomic builds a Ratomic frame.
func PackRatomic(version uint64, vals [][]byte) *HopMsg {
	m := &HopMsg{Version: version, Vals: vals}
	var p []byte
	p = putU64(p, version)
	p = putU16(p, uint16(len(vals)))
	for _, v := range vals {
		p = putBytes32(p, v)
	}
	return finish(m, Ratomic, p)
}

// PackRerror builds a Rerror frame.
func PackRerror(ecode uint32, descr string) *HopMsg {
	m := &HopMsg{ECode: ecode, EDescr: descr}
	var p []byte
	p = putU32(p, ecode)
	p = putStr(p, []byte(descr))
	return finish(m, Rerror, p)
}

// Unpack parses a complete frame (len(b) == FrameLen(b)) into a HopMsg.
// Fields borrow from b; callers needing a longer lifetime must copy.
// Unpack never panics on malformed input -- it returns ErrShortBuffer,
// ErrBadType, or ErrBadSize, wrapped with a short diagnostic.
func Unpack(b []byte) (*HopMsg, error) {
	total, err := readSize(b)
	if err != nil {
		return nil, fmt.Errorf("unpack: buffer too short: %w", err)
	}
	if total < headerLen {
		return nil, fmt.Errorf("unpack: invalid size %d: %w", total, ErrBadSize)
	}
	if len(b) < total {
		return nil, fmt.Errorf("unpack: buffer too short: have %d want %d: %w", len(b), total, ErrShortBuffer)
	}

	pkt := b[:total]

	typ, rest, err := getU16(pkt[4:])
	if err != nil {
		return nil, fmt.Errorf("unpack: buffer too short: %w", err)
	}
	if typ < minType || typ > maxType {
		return nil, fmt.Errorf("unpack: invalid message type %d: %w", typ, ErrBadType)
	}

	tag, rest, err := getU16(rest)
	if err != nil {
		return nil, fmt.Errorf("unpack: buffer too short: %w", err)
	}

	m := &HopMsg{
		Size: uint32(total),
		Type: typ,
		Tag:  tag,
		Pkt:  pkt,
	}

	switch typ {
	case Rerror:
		ecode, r, err := getU32(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Rerror: %w", err)
		}
		descr, _, err := getStr(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Rerror: %w", err)
		}
		m.ECode = ecode
		m.EDescr = string(descr)

	case Tget:
		key, r, err := getStr(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Tget: %w", err)
		}
		version, _, err := getU64(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tget: %w", err)
		}
		m.Key = key
		m.Version = version

	case Rget:
		version, r, err := getU64(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Rget: %w", err)
		}
		value, _, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Rget: %w", err)
		}
		m.Version = version
		m.Value = value

	case Tset:
		key, r, err := getStr(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Tset: %w", err)
		}
		value, _, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tset: %w", err)
		}
		m.Key = key
		m.Value = value

	case Rset:
		version, _, err := getU64(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Rset: %w", err)
		}
		m.Version = version

	case Tcreate:
		key, r, err := getStr(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Tcreate: %w", err)
		}
		flags, r, err := getStr(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tcreate: %w", err)
		}
		value, _, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tcreate: %w", err)
		}
		m.Key = key
		m.Flags = flags
		m.Value = value

	case Rcreate:
		version, _, err := getU64(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Rcreate: %w", err)
		}
		m.Version = version

	case Tremove:
		key, _, err := getStr(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Tremove: %w", err)
		}
		m.Key = key

	case Rremove:
		// no payload

	case Ttestset:
		key, r, err := getStr(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Ttestset: %w", err)
		}
		version, r, err := getU64(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Ttestset: %w", err)
		}
		oldval, r, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Ttestset: %w", err)
		}
		value, _, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Ttestset: %w", err)
		}
		m.Key = key
		m.Version = version
		m.OldVal = oldval
		m.Value = value

	case Rtestset:
		version, r, err := getU64(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Rtestset: %w", err)
		}
		value, _, err := getBytes32(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Rtestset: %w", err)
		}
		m.Version = version
		m.Value = value

	case Tatomic:
		op, r, err := getU16(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Tatomic: %w", err)
		}
		key, r, err := getStr(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tatomic: %w", err)
		}
		vals, err := getVals(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Tatomic: %w", err)
		}
		m.AtmOp = op
		m.Key = key
		m.Vals = vals
		if len(vals) >= 1 {
			m.Value = vals[0]
		}

	case Ratomic:
		version, r, err := getU64(rest)
		if err != nil {
			return nil, fmt.Errorf("unpack Ratomic: %w", err)
		}
		vals, err := getVals(r)
		if err != nil {
			return nil, fmt.Errorf("unpack Ratomic: %w", err)
		}
		m.Version = version
		m.Vals = vals
		if len(vals) >= 1 {
			m.Value = vals[0]
		}
	}

	return m, nil
}

func getVals(r []byte) ([][]byte, error) {
	valsnum, r, err := getU16(r)
	if err != nil {
		return nil, err
	}
	vals := make([][]byte, 0, valsnum)
	for i := 0; i < int(valsnum); i++ {
		var v []byte
		v, r, err = getBytes32(r)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}
