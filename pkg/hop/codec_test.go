package hop

import (
	"bytes"
	"testing"
)

func TestPackUnpackGet(t *testing.T) {
	m := PackTget([]byte("foo"), VersionAny)
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.Type != Tget {
		t.Fatalf("type = %d, want %d", got.Type, Tget)
	}
	if !bytes.Equal(got.Key, []byte("foo")) {
		t.Fatalf("key = %q, want foo", got.Key)
	}
	if got.Version != VersionAny {
		t.Fatalf("version = %d, want %d", got.Version, VersionAny)
	}
}

func TestPackUnpackRget(t *testing.T) {
	m := PackRget(42, []byte("bar"))
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.Version != 42 {
		t.Fatalf("version = %d, want 42", got.Version)
	}
	if !bytes.Equal(got.Value, []byte("bar")) {
		t.Fatalf("value = %q, want bar", got.Value)
	}
}

func TestPackUnpackTcreate(t *testing.T) {
	m := PackTcreate([]byte("k"), []byte("f"), []byte("v"))
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !bytes.Equal(got.Key, []byte("k")) || !bytes.Equal(got.Flags, []byte("f")) || !bytes.Equal(got.Value, []byte("v")) {
		t.Fatalf("got key=%q flags=%q value=%q", got.Key, got.Flags, got.Value)
	}
}

func TestPackUnpackTtestset(t *testing.T) {
	m := PackTtestset([]byte("k"), 7, []byte("old"), []byte("new"))
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.Version != 7 || !bytes.Equal(got.OldVal, []byte("old")) || !bytes.Equal(got.Value, []byte("new")) {
		t.Fatalf("got version=%d oldval=%q value=%q", got.Version, got.OldVal, got.Value)
	}
}

func TestPackUnpackTatomic(t *testing.T) {
	vals := [][]byte{{1, 0, 0, 0}}
	m := PackTatomic(AtomicAdd, []byte("ctr"), vals)
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.AtmOp != AtomicAdd {
		t.Fatalf("atmop = %d, want %d", got.AtmOp, AtomicAdd)
	}
	if len(got.Vals) != 1 || !bytes.Equal(got.Vals[0], vals[0]) {
		t.Fatalf("vals = %v, want %v", got.Vals, vals)
	}
}

func TestPackUnpackRerror(t *testing.T) {
	m := PackRerror(ENOENT, "no such key")
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.ECode != ENOENT || got.EDescr != "no such key" {
		t.Fatalf("got ecode=%d descr=%q", got.ECode, got.EDescr)
	}
}

func TestPackUnpackRremoveEmptyPayload(t *testing.T) {
	m := PackRremove()
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got.Type != Rremove {
		t.Fatalf("type = %d, want %d", got.Type, Rremove)
	}
}

// TestFrameLengthInvariance checks that Size equals the byte length of
// the produced frame and that the wire's first two bytes equal size &
// 0xFFFF, per the package's framing invariant.
func TestFrameLengthInvariance(t *testing.T) {
	m := PackTset([]byte("key"), []byte("value"))
	if int(m.Size) != len(m.Pkt) {
		t.Fatalf("size = %d, want %d", m.Size, len(m.Pkt))
	}
	want := uint16(m.Size & 0xFFFF)
	got := uint16(m.Pkt[0]) | uint16(m.Pkt[1])<<8
	if got != want {
		t.Fatalf("first two bytes = %d, want %d", got, want)
	}
}

// TestTagStamping checks that SetTag updates both the structured field
// and bytes [6:8] of the serialized frame, in little-endian.
func TestTagStamping(t *testing.T) {
	m := PackTget([]byte("k"), VersionAny)
	SetTag(m, 0x1234)
	if m.Tag != 0x1234 {
		t.Fatalf("m.Tag = %#x, want 0x1234", m.Tag)
	}
	got := uint16(m.Pkt[6]) | uint16(m.Pkt[7])<<8
	if got != 0x1234 {
		t.Fatalf("pkt[6:8] = %#x, want 0x1234", got)
	}

	parsed, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if parsed.Tag != 0x1234 {
		t.Fatalf("unpacked tag = %#x, want 0x1234", parsed.Tag)
	}
}

func TestFrameLenMatchesSize(t *testing.T) {
	m := PackTset([]byte("key"), bytes.Repeat([]byte{0xAB}, 200))
	total, err := FrameLen(m.Pkt)
	if err != nil {
		t.Fatalf("FrameLen: %v", err)
	}
	if total != len(m.Pkt) {
		t.Fatalf("FrameLen = %d, want %d", total, len(m.Pkt))
	}
}

func TestUnpackShortBuffer(t *testing.T) {
	if _, err := Unpack([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short buffer")
	}
}

func TestUnpackBadType(t *testing.T) {
	m := PackTget([]byte("k"), VersionAny)
	pkt := append([]byte(nil), m.Pkt...)
	pkt[4], pkt[5] = 0xFF, 0xFF // corrupt type field
	if _, err := Unpack(pkt); err == nil {
		t.Fatal("expected error on invalid type")
	}
}

func TestAtomicValueRoundTripsAsU32(t *testing.T) {
	// Mirrors the "Add yields 0x01000000 on wire" testable scenario: a
	// little-endian u32 value of 1 is byte 0x01 followed by three zero
	// bytes, not the big-endian rendering.
	one := []byte{1, 0, 0, 0}
	m := PackRatomic(1, [][]byte{one})
	got, err := Unpack(m.Pkt)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if !bytes.Equal(got.Vals[0], one) {
		t.Fatalf("vals[0] = %v, want %v", got.Vals[0], one)
	}
}
