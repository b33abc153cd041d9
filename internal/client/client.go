// Package client implements the pipelined, tag-multiplexed Hop client:
// one TCP connection driven by a reader goroutine and a writer
// goroutine, synchronized by a single mutex, with in-flight requests
// matched to replies by their 16-bit tag.
//
// The reader/writer-pair-per-connection shape, and the map-of-pending-
// work-keyed-by-correlator-id routed from a single decode loop, follow
// the same pattern as minitunnel's chans/mux (tag-routed map) and
// meshage's clientHandler (reader goroutine feeding an ack channel),
// adapted from gob framing to the Hop binary codec.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sandia-hop/hop/internal/tagpool"
	"github.com/sandia-hop/hop/pkg/hop"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

const defaultReadBuf = 8 << 10 // 8 KiB, per the protocol's default framing buffer

var (
	// ErrClosed is a sentinel for a torn-down connection. Rpc and RpcNB
	// do not return it: once the connection is torn down they return,
	// and deliver to every queued or in-flight request, a *hop.HopError
	// with ECode EPIPE.
	ErrClosed = errors.New("hop: connection closed")
)

// Options configures a Client. The zero value is valid: it waits
// indefinitely for replies, uses an 8 KiB read buffer, and logs through
// a logger named "hop.client".
type Options struct {
	// RPCTimeout bounds how long Rpc waits for a reply. Zero means wait
	// indefinitely, since the protocol itself defines no timeout --
	// this is a configuration option for implementers who want one.
	RPCTimeout time.Duration

	// ReadBufSize is the initial size of the reader's framing buffer.
	ReadBufSize int

	// MaxTag bounds the tag pool's growth, trading off max pipeline
	// depth against memory. Zero uses the pool's own default (255).
	MaxTag int

	Logger *hoplog.Logger
}

// Client owns one TCP connection to a Hop server.
type Client struct {
	conn net.Conn
	pool *tagpool.Pool
	opts Options
	log  *hoplog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	unsent   []*Request
	pending  map[uint16]*Request
	closed   bool
	closeErr error

	wg sync.WaitGroup
}

// Connect opens a TCP connection to addr and starts the reader and
// writer goroutines.
func Connect(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.ReadBufSize <= 0 {
		opts.ReadBufSize = defaultReadBuf
	}
	if opts.Logger == nil {
		opts.Logger = hoplog.Named("hop.client")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("hop: dial %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		pool:    tagpool.New(opts.MaxTag),
		opts:    opts,
		log:     opts.Logger,
		pending: make(map[uint16]*Request),
	}
	c.cond = sync.NewCond(&c.mu)

	c.wg.Add(2)
	go c.writer()
	go c.reader()

	return c, nil
}

// Rpc issues tc synchronously and blocks until a reply arrives or the
// connection fails.
func (c *Client) Rpc(tc *hop.HopMsg) (*hop.HopMsg, error) {
	req := &Request{Tc: tc, done: make(chan struct{})}

	if err := c.submit(req); err != nil {
		return nil, err
	}

	if c.opts.RPCTimeout <= 0 {
		<-req.done
	} else {
		select {
		case <-req.done:
		case <-time.After(c.opts.RPCTimeout):
			return nil, fmt.Errorf("hop: rpc timeout after %s", c.opts.RPCTimeout)
		}
	}

	if req.Err != nil {
		return nil, req.Err
	}
	return req.Rc, nil
}

// RpcNB issues tc asynchronously. Ownership of tc transfers to the
// client until cb fires; cb runs on the reader goroutine (or, when the
// connection fails, on the goroutine that delivers the EPIPE cascade),
// so it must not block or call back into the client synchronously.
func (c *Client) RpcNB(tc *hop.HopMsg, cb func(*Request), cbArg interface{}) error {
	req := &Request{Tc: tc, callback: cb, cbArg: cbArg, done: make(chan struct{})}
	return c.submit(req)
}

func (c *Client) submit(req *Request) error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	// Acquiring a tag can block (TagPool backpressure); never hold the
	// client mutex while doing so.
	tag := c.pool.Acquire()
	req.Tag = tag
	hop.SetTag(req.Tc, tag)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		c.pool.Release(tag)
		return err
	}
	req.Tc.Tag = tag
	c.unsent = append(c.unsent, req)
	c.cond.Signal()
	c.mu.Unlock()
	return nil
}

// writer drains the unsent queue in FIFO order, one request at a time.
func (c *Client) writer() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		for len(c.unsent) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.unsent) == 0 {
			c.mu.Unlock()
			return
		}

		req := c.unsent[0]
		c.unsent = c.unsent[1:]
		c.pending[req.Tag] = req
		c.mu.Unlock()

		if err := writeFull(c.conn, req.Tc.Pkt); err != nil {
			c.log.Error("write: %v", err)
			c.mu.Lock()
			c.shutdownLocked(err)
			c.mu.Unlock()
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

// reader owns the framing buffer and the decode loop. It is the only
// goroutine that ever reads from the socket.
func (c *Client) reader() {
	defer c.wg.Done()

	r := bufio.NewReader(c.conn)
	buf := make([]byte, 0, c.opts.ReadBufSize)

	for {
		// ensure at least 4 bytes buffered to compute the frame length
		for len(buf) < 4 {
			b, err := r.ReadByte()
			if err != nil {
				c.fail(err)
				return
			}
			buf = append(buf, b)
		}

		total, err := hop.FrameLen(buf)
		if err != nil {
			c.fail(err)
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
				c.fail(err)
				return
			}
		}

		frame := make([]byte, total)
		copy(frame, buf[:total])
		buf = buf[:0]

		msg, err := hop.Unpack(frame)
		if err != nil {
			c.log.Error("unpack: %v", err)
			c.fail(err)
			return
		}

		c.mu.Lock()
		req, ok := c.pending[msg.Tag]
		if ok {
			delete(c.pending, msg.Tag)
		}
		c.mu.Unlock()

		if !ok {
			// The server sent a reply with no matching in-flight
			// request -- a protocol violation, fatal to the
			// connection.
			c.log.Error("unmatched tag %d, disconnecting", msg.Tag)
			c.fail(fmt.Errorf("hop: unmatched tag %d", msg.Tag))
			return
		}

		req.Rc = msg
		if msg.Type == hop.Rerror {
			req.Err = &hop.HopError{ECode: msg.ECode, Descr: msg.EDescr}
			req.Rc = nil
		}
		c.pool.Release(req.Tag)
		req.complete()
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdownLocked(err)
}

// shutdownLocked tears down the connection and cascades EPIPE to every
// request that is queued or in flight. Must be called with c.mu held.
func (c *Client) shutdownLocked(cause error) {
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()

	closeErr := &hop.HopError{ECode: hop.EPIPE, Descr: "closed"}
	if cause != nil && cause != io.EOF {
		c.log.Info("connection closed: %v", cause)
	}
	c.closeErr = closeErr

	pending := c.unsent
	c.unsent = nil
	for tag, req := range c.pending {
		pending = append(pending, req)
		delete(c.pending, tag)
	}

	c.cond.Broadcast()

	// callbacks run outside the lock
	go func() {
		for _, req := range pending {
			req.Err = closeErr.Clone()
			req.Rc = nil
			c.pool.Release(req.Tag)
			req.complete()
		}
	}()
}

// Disconnect idempotently shuts the connection down, waking both
// workers, and waits for them to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.shutdownLocked(nil)
	c.mu.Unlock()

	c.wg.Wait()
}

// Destroy disconnects (if not already); it does nothing beyond
// Disconnect. The Client must not be used afterward.
func (c *Client) Destroy() {
	c.Disconnect()
}

// Stats is a snapshot of in-flight client state, exported for metrics.
type Stats struct {
	Unsent  int
	Pending int
	TagCap  int
}

func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Unsent:  len(c.unsent),
		Pending: len(c.pending),
		TagCap:  c.pool.Cap(),
	}
}
