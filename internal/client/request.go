package client

import "github.com/sandia-hop/hop/pkg/hop"

// Request is the client-side bookkeeping for one in-flight RPC. It is
// created with a freshly allocated tag when the caller submits, moves
// from the unsent queue to pending on write, and is torn down when
// either Rc arrives or the connection fails and assigns Err. The tag
// always returns to the pool at teardown, in both cases.
type Request struct {
	Tag uint16
	Tc  *hop.HopMsg
	Rc  *hop.HopMsg
	Err *hop.HopError

	callback func(*Request)
	cbArg    interface{}

	// done is closed exactly once, after callback has run, so the
	// synchronous Rpc wrapper can block on it without its own
	// mutex/condvar pair.
	done chan struct{}
}

func (r *Request) complete() {
	if r.callback != nil {
		r.callback(r)
	}
	close(r.done)
}
