// hopd is the server skeleton binary: it wires a net.Listener into
// server.Server, backed by the in-memory kvstore.Store, and exposes
// Prometheus metrics. It is a single-process, non-durable, unreplicated
// deployment of Hop -- just enough to drive the protocol end to end.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandia-hop/hop/internal/kvstore"
	"github.com/sandia-hop/hop/internal/metrics"
	"github.com/sandia-hop/hop/internal/server"
	"github.com/sandia-hop/hop/pkg/hoplog"
)

var (
	f_addr     = flag.String("addr", ":4242", "address to listen on")
	f_metrics  = flag.String("metrics", ":9242", "address to serve /metrics on, empty to disable")
	f_workers  = flag.Int("workers", 16, "worker pool size")
	f_maxconns = flag.Int("maxconns", 0, "max concurrent connections, 0 for unbounded")
	f_debug    = flag.Bool("debug", false, "enable debug logging")
)

func main() {
	flag.Parse()

	if *f_debug {
		hoplog.SetLevel(hoplog.DEBUG)
	}

	store := kvstore.New()

	reg := prometheus.NewRegistry()
	ring := hoplog.TapRing(200)

	srv := server.NewServer(store, *f_workers, hoplog.Named("hopd"))
	srv.MaxConns = *f_maxconns
	srv.SetMetrics(metrics.NewServerMetrics(reg))

	if *f_metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.HandleFunc("/debug/log", func(w http.ResponseWriter, r *http.Request) {
			for _, line := range ring.Dump() {
				w.Write([]byte(line))
			}
		})
		go func() {
			if err := http.ListenAndServe(*f_metrics, mux); err != nil {
				hoplog.Error("metrics server: %v", err)
			}
		}()
	}

	l, err := net.Listen("tcp", *f_addr)
	if err != nil {
		hoplog.Fatal("listen %s: %v", *f_addr, err)
	}
	hoplog.Info("hopd listening on %s", *f_addr)

	if err := srv.Serve(context.Background(), l); err != nil {
		hoplog.Fatal("serve: %v", err)
	}
}
