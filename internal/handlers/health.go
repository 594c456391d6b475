package handlers

import (
	"context"
	"net/http"
	"time"
)

// Probe is one dependency check surfaced by /health.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// HandleHealth reports liveness plus each dependency. The endpoint answers
// 200 even when degraded; orchestrators read the body, load balancers only
// need the socket to be alive.
func HandleHealth(service string, probes ...Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		body := map[string]any{"status": "healthy", "service": service}
		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				body[p.Name] = "error"
				body["status"] = "degraded"
			} else {
				body[p.Name] = "connected"
			}
		}
		writeJSON(w, http.StatusOK, body)
	}
}
