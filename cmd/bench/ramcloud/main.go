// ramcloud stands in for a RAMCloud benchmark driver. RAMCloud has no
// maintained Go client in the retrieval pack or the wider ecosystem, so
// this speaks a minimal length-prefixed request/response protocol
// directly over net.Conn against a RAMCloud-compatible echo/kv listener,
// exercising a set/get mix like the other cmd/bench drivers
// so results land on the same axes.
package main

import (
	"encoding/binary"
	"flag"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

var (
	f_addr    = flag.String("addr", "127.0.0.1:11211", "RAMCloud-compatible server address")
	f_table   = flag.String("table", "hopbench", "table/bucket name")
	f_clients = flag.Int("clients", 4, "concurrent connections")
	f_ops     = flag.Int("ops", 10000, "operations per client")
	f_valsize = flag.Int("valsize", 64, "value size in bytes")
	f_metrics = flag.String("metrics", ":9245", "address to serve /metrics on, empty to disable")
)

const (
	opWrite = 1
	opRead  = 2
)

func main() {
	flag.Parse()

	reg := prometheus.NewRegistry()
	report := metrics.NewBenchReporter(reg, "ramcloud")

	if *f_metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			http.ListenAndServe(*f_metrics, mux)
		}()
	}

	var wg sync.WaitGroup
	start := time.Now()
	var total int64

	for i := 0; i < *f_clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(report, &total)
		}()
	}
	wg.Wait()

	hoplog.Info("ramcloud: %d ops in %s", total, time.Since(start))
}

func runWorker(report *metrics.BenchReporter, total *int64) {
	conn, err := net.Dial("tcp", *f_addr)
	if err != nil {
		hoplog.Error("connect: %v", err)
		return
	}
	defer conn.Close()

	value := make([]byte, *f_valsize)

	for i := 0; i < *f_ops; i++ {
		key := []byte(xid.New().String())

		timed(report, "set", func() error {
			return roundTrip(conn, opWrite, *f_table, key, value)
		})
		timed(report, "get", func() error {
			return roundTrip(conn, opRead, *f_table, key, nil)
		})

		atomic.AddInt64(total, 1)
	}
}

// roundTrip frames a single request as
//   op(1) tablelen(2) table(n) keylen(2) key(n) vallen(4) val(n)
// and reads back a single status(1) vallen(4) val(n) response.
func roundTrip(conn net.Conn, op byte, table string, key, val []byte) error {
	req := make([]byte, 0, 1+2+len(table)+2+len(key)+4+len(val))
	req = append(req, op)
	req = appendU16Str(req, table)
	req = appendU16Bytes(req, key)
	req = appendU32Bytes(req, val)

	if _, err := conn.Write(req); err != nil {
		return err
	}

	hdr := make([]byte, 5)
	if _, err := readFull(conn, hdr); err != nil {
		return err
	}
	vlen := binary.LittleEndian.Uint32(hdr[1:5])
	if vlen > 0 {
		buf := make([]byte, vlen)
		if _, err := readFull(conn, buf); err != nil {
			return err
		}
	}
	return nil
}

func appendU16Str(b []byte, s string) []byte {
	return appendU16Bytes(b, []byte(s))
}

func appendU16Bytes(b, v []byte) []byte {
	var l [2]byte
	binary.LittleEndian.PutUint16(l[:], uint16(len(v)))
	b = append(b, l[:]...)
	return append(b, v...)
}

func appendU32Bytes(b, v []byte) []byte {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(v)))
	b = append(b, l[:]...)
	return append(b, v...)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

func timed(report *metrics.BenchReporter, op string, f func() error) {
	start := time.Now()
	err := f()
	dur := time.Since(start)

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	report.OpsTotal.WithLabelValues(op, outcome).Inc()
	report.OpLatency.WithLabelValues(op).Observe(dur.Seconds())
}
