package kvstore

import (
	"bytes"
	"testing"
	"time"

	"github.com/sandia-hop/hop/pkg/hop"
)

func TestCreateGetRoundTrip(t *testing.T) {
	s := New()

	v1, herr := s.Create([]byte("foo"), nil, []byte("bar"))
	if herr != nil {
		t.Fatalf("create: %v", herr)
	}
	if v1 == 0 {
		t.Fatal("create returned version 0")
	}

	ver, val, herr := s.Get([]byte("foo"), hop.VersionAny)
	if herr != nil {
		t.Fatalf("get: %v", herr)
	}
	if ver != v1 || !bytes.Equal(val, []byte("bar")) {
		t.Fatalf("got (%d,%q), want (%d,bar)", ver, val, v1)
	}
}

func TestCreateExisting(t *testing.T) {
	s := New()
	if _, herr := s.Create([]byte("foo"), nil, []byte("bar")); herr != nil {
		t.Fatalf("create: %v", herr)
	}
	_, herr := s.Create([]byte("foo"), nil, []byte("baz"))
	if herr == nil || herr.ECode != hop.EEXIST {
		t.Fatalf("got %v, want EEXIST", herr)
	}
}

// TestSetReturnsCurrentNotHistorical checks that reading with an older
// version number still returns the current value, never a historical
// snapshot.
func TestSetReturnsCurrentNotHistorical(t *testing.T) {
	s := New()
	v1, _ := s.Create([]byte("foo"), nil, []byte("bar"))
	v2, herr := s.Set([]byte("foo"), []byte("baz"))
	if herr != nil {
		t.Fatalf("set: %v", herr)
	}
	if v2 <= v1 {
		t.Fatalf("v2 = %d, want > v1 = %d", v2, v1)
	}

	ver, val, herr := s.Get([]byte("foo"), v1)
	if herr != nil {
		t.Fatalf("get: %v", herr)
	}
	if ver != v2 || !bytes.Equal(val, []byte("baz")) {
		t.Fatalf("got (%d,%q), want (%d,baz)", ver, val, v2)
	}
}

func TestTestSetSuccessAndConflict(t *testing.T) {
	s := New()
	v1, _ := s.Create([]byte("foo"), nil, []byte("bar"))
	v2, _ := s.Set([]byte("foo"), []byte("baz"))

	v3, val, herr := s.TestSet([]byte("foo"), v2, []byte("baz"), []byte("qux"))
	if herr != nil {
		t.Fatalf("testset: %v", herr)
	}
	if v3 <= v2 || !bytes.Equal(val, []byte("qux")) {
		t.Fatalf("got (%d,%q)", v3, val)
	}

	// stale oldval now mismatches: expect EAGAIN and the current value.
	_, val, herr = s.TestSet([]byte("foo"), v2, []byte("baz"), []byte("zzz"))
	if herr == nil || herr.ECode != hop.EAGAIN {
		t.Fatalf("got %v, want EAGAIN", herr)
	}
	if !bytes.Equal(val, []byte("qux")) {
		t.Fatalf("conflict value = %q, want qux", val)
	}
	_ = v1
}

func TestRemoveThenGet(t *testing.T) {
	s := New()
	s.Create([]byte("foo"), nil, []byte("bar"))

	if herr := s.Remove([]byte("foo")); herr != nil {
		t.Fatalf("remove: %v", herr)
	}
	_, _, herr := s.Get([]byte("foo"), hop.VersionAny)
	if herr == nil || herr.ECode != hop.ENOENT {
		t.Fatalf("got %v, want ENOENT", herr)
	}
}

func TestGetPastNewestBlocksUntilWrite(t *testing.T) {
	s := New()
	s.Create([]byte("ctr"), nil, []byte{0, 0, 0, 0})

	done := make(chan uint64, 1)
	go func() {
		ver, _, herr := s.Get([]byte("ctr"), hop.VersionPastNewest)
		if herr != nil {
			t.Error(herr)
			return
		}
		done <- ver
	}()

	select {
	case <-done:
		t.Fatal("PastNewest returned before any write")
	case <-time.After(50 * time.Millisecond):
	}

	newVer, herr := s.Set([]byte("ctr"), []byte{1, 0, 0, 0})
	if herr != nil {
		t.Fatalf("set: %v", herr)
	}

	select {
	case got := <-done:
		if got != newVer {
			t.Fatalf("got version %d, want %d", got, newVer)
		}
	case <-time.After(time.Second):
		t.Fatal("PastNewest did not unblock after write")
	}
}

func TestAtomicAdd(t *testing.T) {
	s := New()
	s.Create([]byte("ctr"), nil, []byte{0, 0, 0, 0})

	_, vals, herr := s.Atomic([]byte("ctr"), hop.AtomicAdd, [][]byte{{1, 0, 0, 0}})
	if herr != nil {
		t.Fatalf("atomic add: %v", herr)
	}
	if !bytes.Equal(vals[0], []byte{1, 0, 0, 0}) {
		t.Fatalf("got %v, want [1 0 0 0]", vals[0])
	}
}

func TestAtomicAddConcurrentTenTimes(t *testing.T) {
	s := New()
	s.Create([]byte("ctr"), nil, []byte{0, 0, 0, 0})

	versions := make(chan uint64, 10)
	for i := 0; i < 10; i++ {
		go func() {
			ver, _, herr := s.Atomic([]byte("ctr"), hop.AtomicAdd, [][]byte{{1, 0, 0, 0}})
			if herr != nil {
				t.Error(herr)
				return
			}
			versions <- ver
		}()
	}

	seen := map[uint64]bool{}
	for i := 0; i < 10; i++ {
		v := <-versions
		if seen[v] {
			t.Fatalf("version %d observed twice", v)
		}
		seen[v] = true
	}

	_, val, herr := s.Get([]byte("ctr"), hop.VersionAny)
	if herr != nil {
		t.Fatalf("get: %v", herr)
	}
	if !bytes.Equal(val, []byte{10, 0, 0, 0}) {
		t.Fatalf("final value = %v, want [10 0 0 0]", val)
	}
}

func TestAtomicBitSetFlipsDistinctBits(t *testing.T) {
	s := New()
	s.Create([]byte("flags"), nil, []byte{0, 0, 0, 0})

	_, vals1, herr := s.Atomic([]byte("flags"), hop.AtomicBitSet, nil)
	if herr != nil {
		t.Fatalf("bitset 1: %v", herr)
	}
	_, vals2, herr := s.Atomic([]byte("flags"), hop.AtomicBitSet, nil)
	if herr != nil {
		t.Fatalf("bitset 2: %v", herr)
	}

	if bytes.Equal(vals1[1], vals2[1]) {
		t.Fatalf("both BitSet calls flipped the same bit: %v", vals1[1])
	}
}

func TestAtomicAppendRemoveReplace(t *testing.T) {
	s := New()
	s.Create([]byte("s"), nil, []byte("hello"))

	_, vals, herr := s.Atomic([]byte("s"), hop.AtomicAppend, [][]byte{[]byte(" world")})
	if herr != nil {
		t.Fatalf("append: %v", herr)
	}
	if !bytes.Equal(vals[0], []byte("hello world")) {
		t.Fatalf("got %q", vals[0])
	}

	_, vals, herr = s.Atomic([]byte("s"), hop.AtomicReplace, [][]byte{[]byte("world"), []byte("there")})
	if herr != nil {
		t.Fatalf("replace: %v", herr)
	}
	if !bytes.Equal(vals[0], []byte("hello there")) {
		t.Fatalf("got %q", vals[0])
	}

	_, vals, herr = s.Atomic([]byte("s"), hop.AtomicRemove, [][]byte{[]byte("hello ")})
	if herr != nil {
		t.Fatalf("remove: %v", herr)
	}
	if !bytes.Equal(vals[0], []byte("there")) {
		t.Fatalf("got %q", vals[0])
	}
}
