// Package kvstore is a minimal in-memory implementation of
// server.Capabilities. The server only talks to a capability set, never
// a concrete storage engine, so this package provides the simplest
// backend that satisfies it -- enough to run real end-to-end scenarios
// against. It makes no attempt at durability or replication.
//
// The per-key entry map guarded by a sync.Mutex/sync.Cond pair, with
// waiters parked on the cond until a value they're watching changes, is
// grounded on pkg/lrucache's Cache type (from the vendored
// iamlouk/lrucache module inside the ClusterCockpit-cc-backend
// example): its Get blocks waiters on a cond variable until another
// goroutine finishes computing the entry they want. Here the wait
// condition is "has a newer version been written" instead of "has the
// computation finished", which is exactly what Tget's PastNewest
// sentinel needs.
package kvstore

import (
	"bytes"
	"sync"

	"github.com/sandia-hop/hop/pkg/hop"
)

type entry struct {
	value   []byte
	version uint64
}

// Store is a versioned, in-memory key-value table.
type Store struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*entry
	nextVer uint64
}

// New returns an empty Store.
func New() *Store {
	s := &Store{entries: make(map[string]*entry)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// bumpLocked allocates the next version number. A single store-wide
// counter (rather than one per key) keeps the "strictly increasing on
// every mutation" invariant trivially true and gives every write in
// the store a distinct version, even when two keys are updated
// concurrently from different clients.
func (s *Store) bumpLocked() uint64 {
	s.nextVer++
	return s.nextVer
}

// Create implements server.Capabilities.
func (s *Store) Create(key, flags, value []byte) (uint64, *hop.HopError) {
	_ = flags // flags are accepted and echoed by the wire format but carry no server-side semantics here

	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	if _, ok := s.entries[k]; ok {
		return 0, &hop.HopError{ECode: hop.EEXIST, Descr: "key already exists"}
	}

	ver := s.bumpLocked()
	s.entries[k] = &entry{value: clone(value), version: ver}
	s.cond.Broadcast()
	return ver, nil
}

// Remove implements server.Capabilities.
func (s *Store) Remove(key []byte) *hop.HopError {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	if _, ok := s.entries[k]; !ok {
		return &hop.HopError{ECode: hop.ENOENT, Descr: "no such key"}
	}
	delete(s.entries, k)
	s.cond.Broadcast()
	return nil
}

// Get implements server.Capabilities. VersionAny, VersionLowest,
// VersionHighest and VersionNewest all return the current value -- this
// store keeps no history, so "current" and "newest" coincide and there
// is no cache to bypass. VersionPastNewest blocks until a version newer
// than whatever is current at call time is written.
func (s *Store) Get(key []byte, version uint64) (uint64, []byte, *hop.HopError) {
	k := string(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if version == hop.VersionPastNewest {
		e, ok := s.entries[k]
		var baseline uint64
		if ok {
			baseline = e.version
		}
		for {
			e, ok = s.entries[k]
			if ok && e.version > baseline {
				return e.version, clone(e.value), nil
			}
			s.cond.Wait()
		}
	}

	e, ok := s.entries[k]
	if !ok {
		return 0, nil, &hop.HopError{ECode: hop.ENOENT, Descr: "no such key"}
	}
	return e.version, clone(e.value), nil
}

// Set implements server.Capabilities. Unlike Create, Set is an upsert:
// it does not require the key to already exist.
func (s *Store) Set(key, value []byte) (uint64, *hop.HopError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ver := s.bumpLocked()
	s.entries[string(key)] = &entry{value: clone(value), version: ver}
	s.cond.Broadcast()
	return ver, nil
}

// TestSet implements server.Capabilities: a compare-and-swap keyed on
// both the expected version and the expected current value.
func (s *Store) TestSet(key []byte, version uint64, oldval, value []byte) (uint64, []byte, *hop.HopError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	e, ok := s.entries[k]
	if !ok {
		return 0, nil, &hop.HopError{ECode: hop.ENOENT, Descr: "no such key"}
	}

	if e.version != version || !bytes.Equal(e.value, oldval) {
		return 0, clone(e.value), &hop.HopError{ECode: hop.EAGAIN, Descr: "version mismatch"}
	}

	ver := s.bumpLocked()
	e2 := &entry{value: clone(value), version: ver}
	s.entries[k] = e2
	s.cond.Broadcast()
	return ver, clone(e2.value), nil
}
