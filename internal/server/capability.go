// Package server implements the server-side half of Hop: per-connection
// framing (ConnServer) and a fixed-size worker pool that dispatches
// parsed requests to a pluggable storage backend (Capabilities).
//
// The accept-loop-then-per-connection-goroutine shape follows
// cmd/minimega/command_socket.go's commandSocketStart /
// commandSocketHandle pattern, adapted from JSON framing to the Hop
// binary codec and from a single command dispatcher to a worker-pool
// capability-set dispatch.
package server

import "github.com/sandia-hop/hop/pkg/hop"

// Capabilities is the storage backend the worker pool dispatches to.
// It is the only seam between the Hop protocol core and an actual
// key-value store; this package never assumes anything about how keys
// are stored, only what operations exist.
type Capabilities interface {
	Create(key, flags, value []byte) (version uint64, err *hop.HopError)
	Remove(key []byte) (err *hop.HopError)
	Get(key []byte, version uint64) (newVersion uint64, value []byte, err *hop.HopError)
	Set(key, value []byte) (version uint64, err *hop.HopError)
	TestSet(key []byte, version uint64, oldval, value []byte) (newVersion uint64, current []byte, err *hop.HopError)
	Atomic(key []byte, op uint16, vals [][]byte) (version uint64, result [][]byte, err *hop.HopError)
}
