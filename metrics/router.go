// Package metrics serves the operational surface of a relay: prometheus
// metrics and the connected paths and clients.
package metrics

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/drpcorg/tabby/network"
	"github.com/drpcorg/tabby/replication"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry registers the package metrics of network and replication
// plus any extra collectors (a pebble backend, say).
func NewRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(network.Collectors()...)
	reg.MustRegister(replication.Collectors()...)
	reg.MustRegister(extra...)
	return reg
}

func addCorsHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400")
		next.ServeHTTP(w, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Router serves
//
//	GET /metrics                  prometheus text
//	GET /stats                    current counts and peaks
//	GET /paths                    paths with clients
//	GET /paths/{path}/clients     client ids on one path (path escaped)
//
// stats may be nil for a process that runs no relay.
func Router(reg *prometheus.Registry, stats *network.ServerStats) http.Handler {
	r := chi.NewRouter()
	r.Use(addCorsHeaders)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	if stats == nil {
		return r
	}
	r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, stats.GetStats())
	})
	r.Get("/paths", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, stats.GetPathIDs())
	})
	r.Get("/paths/{path}/clients", func(w http.ResponseWriter, req *http.Request) {
		path, err := url.PathUnescape(chi.URLParam(req, "path"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, stats.GetClientIDs(path))
	})
	return r
}
