// zht stands in for a ZHT (Zero-Hop distributed hash Table) benchmark
// driver. Like RAMCloud, ZHT has no maintained Go client anywhere in the
// retrieval pack, so this speaks ZHT's documented wire shape directly:
// a newline-delimited "op key vallen\nvalue" request with a one-line
// status reply, against a ZHT-compatible listener.
package main

import (
	"bufio"
	"flag"
	"fmt"
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
	f_addr    = flag.String("addr", "127.0.0.1:6666", "ZHT-compatible server address")
	f_clients = flag.Int("clients", 4, "concurrent connections")
	f_ops     = flag.Int("ops", 10000, "operations per client")
	f_valsize = flag.Int("valsize", 64, "value size in bytes")
	f_metrics = flag.String("metrics", ":9246", "address to serve /metrics on, empty to disable")
)

func main() {
	flag.Parse()

	reg := prometheus.NewRegistry()
	report := metrics.NewBenchReporter(reg, "zht")

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

	hoplog.Info("zht: %d ops in %s", total, time.Since(start))
}

func runWorker(report *metrics.BenchReporter, total *int64) {
	conn, err := net.Dial("tcp", *f_addr)
	if err != nil {
		hoplog.Error("connect: %v", err)
		return
	}
	defer conn.Close()
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))

	value := make([]byte, *f_valsize)
	for i := range value {
		value[i] = 'x'
	}

	for i := 0; i < *f_ops; i++ {
		key := xid.New().String()

		timed(report, "insert", func() error {
			return roundTrip(rw, "insert", key, value)
		})
		timed(report, "lookup", func() error {
			return roundTrip(rw, "lookup", key, nil)
		})

		atomic.AddInt64(total, 1)
	}
}

func roundTrip(rw *bufio.ReadWriter, op, key string, val []byte) error {
	if _, err := fmt.Fprintf(rw, "%s %s %d\n", op, key, len(val)); err != nil {
		return err
	}
	if len(val) > 0 {
		if _, err := rw.Write(val); err != nil {
			return err
		}
	}
	if err := rw.Flush(); err != nil {
		return err
	}

	status, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	_ = status
	return nil
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
