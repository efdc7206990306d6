package observability

import (
	"encoding/json"
	"net/http"
)

// Handler serves the metrics snapshot as JSON. ?section=saga limits the body
// to the saga counters.
func Handler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snap := metrics.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		switch r.URL.Query().Get("section") {
		case "":
			_ = json.NewEncoder(w).Encode(snap)
		case "saga":
			_ = json.NewEncoder(w).Encode(snap.Saga)
		default:
			http.Error(w, "unknown section", http.StatusBadRequest)
		}
	})
}

// HealthHandler reports 503 once shutdown has started.
func HealthHandler(metrics *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if snap := metrics.Snapshot(); snap.Lifecycle != nil {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}
