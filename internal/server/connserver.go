package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/net/netutil"

	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/pkg/hop"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

// conn is per-connection server-side state, symmetric to the client but
// with roles reversed: its reader parses T* frames into Requests and
// hands them to the pool; its writer drains a FIFO of completed
// responses. It never references a Request after submitting it --
// Requests only carry this conn's id (see Request.ConnID), so there is
// no reference cycle to break at teardown.
type conn struct {
	id int
	nc net.Conn

	mu     sync.Mutex
	cond   *sync.Cond
	outq   []*hop.HopMsg
	closed bool
}

// Server accepts connections, frames them per the Hop wire format, and
// dispatches parsed requests through a WorkerPool.
type Server struct {
	mu     sync.Mutex
	nextID int
	conns  map[int]*conn

	pool *WorkerPool
	log  *hoplog.Logger

	// MaxConns bounds concurrent connections via netutil.LimitListener.
	// Zero means unbounded.
	MaxConns int

	// Metrics is optional. When set, it's shared with the WorkerPool and
	// also tracks the live connection count.
	Metrics *metrics.ServerMetrics
}

// NewServer builds a Server backed by caps, running numWorkers worker
// goroutines.
func NewServer(caps Capabilities, numWorkers int, log *hoplog.Logger) *Server {
	if log == nil {
		log = hoplog.Named("hop.server")
	}
	s := &Server{
		conns: make(map[int]*conn),
		log:   log,
	}
	s.pool = NewWorkerPool(numWorkers, caps, s.respond, log)
	return s
}

// SetMetrics wires m into both the Server's own connection gauge and
// the WorkerPool's per-op counters/histogram.
func (s *Server) SetMetrics(m *metrics.ServerMetrics) {
	s.Metrics = m
	s.pool.Metrics = m
}

// Serve accepts connections on l until ctx is canceled or Accept fails.
// If MaxConns is set, l is wrapped with netutil.LimitListener so that a
// burst of connections cannot outrun the worker pool's capacity.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	if s.MaxConns > 0 {
		l = netutil.LimitListener(l, s.MaxConns)
	}

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		nc, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		s.log.Info("client connected: %v", nc.RemoteAddr())
		s.handle(nc)
	}
}

func (s *Server) handle(nc net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	c := &conn{id: id, nc: nc}
	c.cond = sync.NewCond(&c.mu)
	s.conns[id] = c
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.Connections.Inc()
	}

	go s.connReader(c)
	go s.connWriter(c)
}

// removeConn drops c from the registry. A plain map delete; safe to
// call even if id is already gone.
func (s *Server) removeConn(id int) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

func (s *Server) connReader(c *conn) {
	r := bufio.NewReader(c.nc)
	buf := make([]byte, 0, 8<<10)

	for {
		for len(buf) < 4 {
			b, err := r.ReadByte()
			if err != nil {
				s.closeConn(c, err)
				return
			}
			buf = append(buf, b)
		}

		total, err := hop.FrameLen(buf)
		if err != nil {
			s.closeConn(c, err)
			return
		}
		if cap(buf) < total {
			grown := make([]byte, len(buf), total)
			copy(grown, buf)
			buf = grown
		}
		for len(buf) < total {
			need := total - len(buf)
			chunk := make([]byte, need)
			n, err := io.ReadFull(r, chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
			}
			if err != nil {
				s.closeConn(c, err)
				return
			}
		}

		frame := make([]byte, total)
		copy(frame, buf[:total])
		buf = buf[:0]

		msg, err := hop.Unpack(frame)
		if err != nil {
			s.log.Error("unpack: %v", err)
			s.closeConn(c, err)
			return
		}

		s.pool.Submit(&Request{Tc: msg, ConnID: c.id})
	}
}

func (s *Server) connWriter(c *conn) {
	for {
		c.mu.Lock()
		for len(c.outq) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.outq) == 0 {
			c.mu.Unlock()
			return
		}
		resp := c.outq[0]
		c.outq = c.outq[1:]
		c.mu.Unlock()

		if err := writeFull(c.nc, resp.Pkt); err != nil {
			s.closeConn(c, err)
			return
		}
	}
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n <= 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}

// respond is the WorkerPool's RespondFunc: it hands a completed
// response to the originating connection's outbound queue, or drops it
// silently if that connection is already gone.
func (s *Server) respond(connID int, resp *hop.HopMsg) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if !c.closed {
		c.outq = append(c.outq, resp)
		c.cond.Signal()
	}
	c.mu.Unlock()
}

// closeConn tears c down: a reader EOF/parse-error or a writer I/O
// error both end up here. The connection is removed from the registry
// so in-flight responses drop silently once they try to look it up,
// and the writer is woken so it exits. The socket is closed here, so
// responses still in the writer's queue are not delivered.
func (s *Server) closeConn(c *conn, cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	c.nc.Close()
	s.removeConn(c.id)

	if s.Metrics != nil {
		s.Metrics.Connections.Dec()
	}

	if cause != nil && cause != io.EOF {
		s.log.Info("client %v disconnected: %v", c.nc.RemoteAddr(), cause)
	} else {
		s.log.Info("client %v disconnected", c.nc.RemoteAddr())
	}
}
