package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Health lists named dependency checks, e.g. the database ping.
type Health map[string]func(ctx context.Context) error

func RegisterHealthRoutes(mux *http.ServeMux, checks Health) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		report := map[string]string{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				report[name] = err.Error()
				continue
			}
			report[name] = "ok"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": http.StatusText(status), "checks": report})
	})
}
