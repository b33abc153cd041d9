package server

import (
	"sync"
	"time"

	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/pkg/hop"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

// Request is one parsed inbound frame waiting for (or undergoing)
// dispatch. ConnID is a non-owning handle into the Server's connection
// registry rather than a pointer back to the connection: the connection
// owns its outbound queue, and requests only carry the key to look it
// up, so a request can never keep a closed connection alive.
type Request struct {
	Tc     *hop.HopMsg
	ConnID int
}

// RespondFunc hands a completed response frame back to the connection
// it came from. It is a no-op if the connection is already gone.
type RespondFunc func(connID int, resp *hop.HopMsg)

// WorkerPool dispatches parsed requests to a Capabilities backend and
// routes the responses back to their originating connection.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Request
	wip     map[*Request]struct{}
	closed  bool

	caps    Capabilities
	respond RespondFunc
	log     *hoplog.Logger

	// Metrics is optional; when set, dispatch records ops_total and
	// op_latency_seconds for every completed request.
	Metrics *metrics.ServerMetrics
}

// NewWorkerPool preallocates n worker goroutines, each parked on the
// pool's queue condition variable, and starts them.
func NewWorkerPool(n int, caps Capabilities, respond RespondFunc, log *hoplog.Logger) *WorkerPool {
	if log == nil {
		log = hoplog.Named("hop.workerpool")
	}
	wp := &WorkerPool{
		wip:     make(map[*Request]struct{}),
		caps:    caps,
		respond: respond,
		log:     log,
	}
	wp.cond = sync.NewCond(&wp.mu)

	for i := 0; i < n; i++ {
		go wp.worker()
	}
	return wp
}

// Submit pushes req onto the FIFO and wakes one worker. After Close,
// req is dropped.
func (wp *WorkerPool) Submit(req *Request) {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.queue = append(wp.queue, req)
	wp.cond.Signal()
	wp.mu.Unlock()
}

// Close stops accepting new work and wakes every parked worker so they
// can exit.
func (wp *WorkerPool) Close() {
	wp.mu.Lock()
	wp.closed = true
	wp.cond.Broadcast()
	wp.mu.Unlock()
}

func (wp *WorkerPool) worker() {
	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if len(wp.queue) == 0 && wp.closed {
			wp.mu.Unlock()
			return
		}

		req := wp.queue[0]
		wp.queue = wp.queue[1:]
		wp.wip[req] = struct{}{}
		wp.mu.Unlock()

		start := time.Now()
		resp := wp.dispatch(req)
		wp.recordMetrics(req.Tc.Type, resp.Type, time.Since(start))
		hop.SetTag(resp, req.Tc.Tag)

		wp.mu.Lock()
		delete(wp.wip, req)
		wp.mu.Unlock()

		wp.respond(req.ConnID, resp)
	}
}

func (wp *WorkerPool) dispatch(req *Request) *hop.HopMsg {
	m := req.Tc

	switch m.Type {
	case hop.Tcreate:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		version, err := wp.caps.Create(m.Key, m.Flags, m.Value)
		if err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRcreate(version)

	case hop.Tremove:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		if err := wp.caps.Remove(m.Key); err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRremove()

	case hop.Tget:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		version, value, err := wp.caps.Get(m.Key, m.Version)
		if err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRget(version, value)

	case hop.Tset:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		version, err := wp.caps.Set(m.Key, m.Value)
		if err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRset(version)

	case hop.Ttestset:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		version, current, err := wp.caps.TestSet(m.Key, m.Version, m.OldVal, m.Value)
		if err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRtestset(version, current)

	case hop.Tatomic:
		if wp.caps == nil {
			return errResp("unsupported message")
		}
		version, result, err := wp.caps.Atomic(m.Key, m.AtmOp, m.Vals)
		if err != nil {
			return hop.PackRerror(err.ECode, err.Descr)
		}
		return hop.PackRatomic(version, result)

	default:
		return errResp("unsupported message")
	}
}

func errResp(descr string) *hop.HopMsg {
	return hop.PackRerror(hop.EINVAL, descr)
}

// recordMetrics is a no-op when wp.Metrics is unset, so tests and
// callers that don't care about observability never pay for it.
func (wp *WorkerPool) recordMetrics(reqType, respType uint16, dur time.Duration) {
	if wp.Metrics == nil {
		return
	}
	outcome := "ok"
	if respType == hop.Rerror {
		outcome = "error"
	}
	op := opName(reqType)
	wp.Metrics.OpsTotal.WithLabelValues(op, outcome).Inc()
	wp.Metrics.OpLatency.WithLabelValues(op).Observe(dur.Seconds())
}

func opName(t uint16) string {
	switch t {
	case hop.Tget:
		return "get"
	case hop.Tset:
		return "set"
	case hop.Tcreate:
		return "create"
	case hop.Tremove:
		return "remove"
	case hop.Ttestset:
		return "testset"
	case hop.Tatomic:
		return "atomic"
	default:
		return "unknown"
	}
}
