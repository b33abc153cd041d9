// flood drives the Hop client itself against a hopd instance: a mix of
// create/set/get/atomic operations from a pool of concurrent workers.
// It is the reference workload the other drivers in cmd/bench are
// meant to be comparable against.
//
// Some of the systems those other drivers target don't distinguish
// create from set in their own APIs; flood's "testcreate" mode aliases
// create to set too, since the in-memory kvstore backend behind hopd
// can serve either comparison.
package main

import (
	"context"
	"flag"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/sandia-hop/hop/internal/client"
	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/pkg/hop"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

var (
	f_addr       = flag.String("addr", "127.0.0.1:4242", "hopd address")
	f_clients    = flag.Int("clients", 4, "concurrent connections")
	f_ops        = flag.Int("ops", 10000, "operations per client")
	f_valsize    = flag.Int("valsize", 64, "value size in bytes")
	f_testcreate = flag.Bool("testcreate", false, "alias create to set, for backends that don't distinguish them")
	f_metrics    = flag.String("metrics", ":9243", "address to serve /metrics on, empty to disable")
)

func main() {
	flag.Parse()

	reg := prometheus.NewRegistry()
	report := metrics.NewBenchReporter(reg, "flood")
	collector := metrics.NewClientCollector(reg)

	if *f_metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			http.ListenAndServe(*f_metrics, mux)
		}()
	}

	var wg sync.WaitGroup
	var total int64

	start := time.Now()
	for i := 0; i < *f_clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(report, collector, &total)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	hoplog.Info("flood: %d ops in %s (%.0f ops/sec)", total, elapsed, float64(total)/elapsed.Seconds())
}

func runClient(report *metrics.BenchReporter, collector *metrics.ClientCollector, total *int64) {
	c, err := client.Connect(context.Background(), *f_addr, client.Options{})
	if err != nil {
		hoplog.Error("connect: %v", err)
		return
	}
	defer c.Disconnect()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st := c.Stats()
				collector.Observe(*f_addr, st.Pending, st.TagCap)
			case <-stop:
				return
			}
		}
	}()

	value := make([]byte, *f_valsize)

	for i := 0; i < *f_ops; i++ {
		key := []byte(xid.New().String())

		op := "create"
		createMsg := hop.PackTcreate(key, nil, value)
		if *f_testcreate {
			op = "set" // aliased for comparability
			createMsg = hop.PackTset(key, value)
		}

		timed(report, op, func() error {
			_, err := c.Rpc(createMsg)
			return err
		})

		timed(report, "get", func() error {
			_, err := c.Rpc(hop.PackTget(key, hop.VersionAny))
			return err
		})

		timed(report, "atomic_add", func() error {
			_, err := c.Rpc(hop.PackTatomic(hop.AtomicAdd, key, [][]byte{{1, 0, 0, 0}}))
			return err
		})

		atomic.AddInt64(total, 1)
	}
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

	if err != nil {
		hoplog.Debug("%s: %v", op, err)
	}
}
