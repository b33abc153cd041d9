// cassandra drives a Cassandra cluster through gocql with a set/get
// mix like the one the flood driver runs against hopd, standing in as a
// comparable system for benchmarking. It is harness code, not protocol
// code: the Hop wire format has nothing to do with CQL.
package main

import (
	"flag"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocql/gocql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/xid"

	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

var (
	f_hosts    = flag.String("hosts", "127.0.0.1", "comma-separated Cassandra contact points")
	f_keyspace = flag.String("keyspace", "hopbench", "keyspace to use")
	f_clients  = flag.Int("clients", 4, "concurrent sessions")
	f_ops      = flag.Int("ops", 10000, "operations per client")
	f_valsize  = flag.Int("valsize", 64, "value size in bytes")
	f_metrics  = flag.String("metrics", ":9244", "address to serve /metrics on, empty to disable")
)

const createTableCQL = `CREATE TABLE IF NOT EXISTS kv (
	key text PRIMARY KEY,
	value blob
)`

func main() {
	flag.Parse()

	reg := prometheus.NewRegistry()
	report := metrics.NewBenchReporter(reg, "cassandra")

	if *f_metrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			http.ListenAndServe(*f_metrics, mux)
		}()
	}

	cluster := gocql.NewCluster(splitHosts(*f_hosts)...)
	cluster.Keyspace = *f_keyspace
	cluster.Consistency = gocql.Quorum
	cluster.Timeout = 10 * time.Second

	session, err := cluster.CreateSession()
	if err != nil {
		hoplog.Fatal("connect: %v", err)
	}
	defer session.Close()

	if err := session.Query(createTableCQL).Exec(); err != nil {
		hoplog.Fatal("create table: %v", err)
	}

	var wg sync.WaitGroup
	start := time.Now()
	var total int64

	for i := 0; i < *f_clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runWorker(session, report, &total)
		}()
	}
	wg.Wait()

	hoplog.Info("cassandra: %d ops in %s", total, time.Since(start))
}

func runWorker(session *gocql.Session, report *metrics.BenchReporter, total *int64) {
	value := make([]byte, *f_valsize)

	for i := 0; i < *f_ops; i++ {
		key := xid.New().String()

		timed(report, "set", func() error {
			return session.Query(`INSERT INTO kv (key, value) VALUES (?, ?)`, key, value).Exec()
		})

		timed(report, "get", func() error {
			var v []byte
			return session.Query(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
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
}

func splitHosts(s string) []string {
	var hosts []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				hosts = append(hosts, s[start:i])
			}
			start = i + 1
		}
	}
	return hosts
}
