package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sandia-hop/hop/pkg/hop"
)

// fakeServer accepts one connection and echoes back a Rget for every
// Tget it receives, in reverse order of arrival -- so pipelined
// callbacks must fire correctly even when replies arrive out of
// request order.
type fakeServer struct {
	ln net.Listener
}

func startFakeServer(t *testing.T) (*fakeServer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeServer{ln: ln}, ln.Addr().String()
}

func (s *fakeServer) serveReverse(t *testing.T) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	var tags []uint16
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		for {
			total, ferr := hop.FrameLen(buf)
			if ferr != nil || len(buf) < total {
				break
			}
			msg, uerr := hop.Unpack(buf[:total])
			buf = buf[total:]
			if uerr != nil {
				return
			}
			tags = append(tags, msg.Tag)
		}
		if err != nil {
			break
		}
		if len(tags) >= 3 {
			break
		}
	}

	for i := len(tags) - 1; i >= 0; i-- {
		r := hop.PackRget(uint64(i+1), []byte("v"))
		hop.SetTag(r, tags[i])
		conn.Write(r.Pkt)
	}
}

func TestPipeliningOutOfOrderReplies(t *testing.T) {
	srv, addr := startFakeServer(t)
	go srv.serveReverse(t)

	c, err := Connect(context.Background(), addr, Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	var wg sync.WaitGroup
	results := make([]*hop.HopMsg, 3)
	errs := make([]error, 3)

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rc, err := c.Rpc(hop.PackTget([]byte("k"), hop.VersionAny))
			results[i] = rc
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("rpc %d: %v", i, err)
		}
		if results[i] == nil {
			t.Fatalf("rpc %d: nil reply", i)
		}
	}
}

func TestShutdownCascadeDeliversEPIPE(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	c, err := Connect(context.Background(), ln.Addr().String(), Options{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn := <-accepted

	done := make(chan error, 1)
	go func() {
		_, err := c.Rpc(hop.PackTget([]byte("k"), hop.VersionAny))
		done <- err
	}()

	// give the request time to land in pending before we sever the link
	time.Sleep(20 * time.Millisecond)
	conn.Close()

	select {
	case err := <-done:
		herr, ok := err.(*hop.HopError)
		if !ok {
			t.Fatalf("got error %v, want *hop.HopError", err)
		}
		if herr.ECode != hop.EPIPE {
			t.Fatalf("ecode = %d, want EPIPE", herr.ECode)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired after peer close")
	}

	// subsequent Rpc calls must fail immediately, without blocking.
	_, err = c.Rpc(hop.PackTget([]byte("k"), hop.VersionAny))
	if err == nil {
		t.Fatal("expected error after shutdown")
	}
}
