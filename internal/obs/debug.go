// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cardforge/runtime/internal/config"
	"github.com/gorilla/mux"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// StartSchedulerHTTPServer exposes /metrics, /healthz, /readyz, and
// /debug/scheduler on one gorilla/mux router (SPEC_FULL.md's DOMAIN STACK
// row for gorilla/mux: "minimal /healthz, /metrics, /debug/scheduler").
// debugStatus is called fresh on every /debug/scheduler request and its
// return value is serialized as JSON; it may be nil to omit the route's
// payload down to a static ok.
func StartSchedulerHTTPServer(cfg *config.Config, readiness func(context.Context) error, debugStatus func() map[string]any) *http.Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if readiness == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		if err := readiness(req.Context()); err != nil {
			http.Error(w, fmt.Sprintf("not ready: %v", err), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	r.HandleFunc("/debug/scheduler", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]any{"ok": true}
		if debugStatus != nil {
			status = debugStatus()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: r}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
