// Health HTTP surface: /health, /healthz, /ready, /readiness, /live,
// /liveness, and a Prometheus text-exposition /metrics endpoint.
package surface

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HealthStatus is the top-level status reported on /health.
type HealthStatus struct {
	Status      string    `json:"status"` // "ok" | "degraded" | "error"
	Providers   []string  `json:"providers"`
	Agents      int       `json:"agents"`
	Connections int       `json:"connections"`
	Uptime      float64   `json:"uptime"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`
}

// Version is the gateway build version surfaced on /health. Overwritten
// at link time in production builds; a sane default keeps tests stable.
var Version = "dev"

// ProviderLister reports the LLM providers currently routable, for the
// /health "providers" field and /metrics providers_total gauge.
type ProviderLister interface {
	ListModels() []string
}

// RegisterHealthRoutes wires the health HTTP surface onto mux. llm may
// be nil (no router configured yet); extraMetrics lets callers append
// caller-supplied Prometheus lines.
func (s *Surface) RegisterHealthRoutes(mux *http.ServeMux, llm ProviderLister, extraMetrics func() []string) {
	status := func() HealthStatus {
		providers := []string{}
		if llm != nil {
			providers = llm.ListModels()
		}
		st := "ok"
		if len(providers) == 0 {
			st = "error"
		}
		return HealthStatus{
			Status:      st,
			Providers:   providers,
			Agents:      len(s.registry.List()),
			Connections: s.ConnectionCount(),
			Uptime:      time.Since(s.startedAt).Seconds(),
			Timestamp:   time.Now(),
			Version:     Version,
		}
	}

	healthHandler := func(w http.ResponseWriter, r *http.Request) {
		hs := status()
		w.Header().Set("Content-Type", "application/json")
		if hs.Status == "error" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(hs)
	}
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthHandler)

	readyHandler := func(w http.ResponseWriter, r *http.Request) {
		hs := status()
		ready := hs.Status != "error" && len(hs.Providers) > 0
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready})
	}
	mux.HandleFunc("/ready", readyHandler)
	mux.HandleFunc("/readiness", readyHandler)

	liveHandler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"alive": true})
	}
	mux.HandleFunc("/live", liveHandler)
	mux.HandleFunc("/liveness", liveHandler)

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		hs := status()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		up := 0
		if hs.Status != "error" {
			up = 1
		}
		fmt.Fprintf(w, "# HELP gateway_up Gateway liveness.\n# TYPE gateway_up gauge\ngateway_up %d\n", up)
		fmt.Fprintf(w, "# HELP gateway_uptime_seconds Seconds since process start.\n# TYPE gateway_uptime_seconds gauge\ngateway_uptime_seconds %f\n", hs.Uptime)
		fmt.Fprintf(w, "# HELP gateway_providers_total Configured LLM providers.\n# TYPE gateway_providers_total gauge\ngateway_providers_total %d\n", len(hs.Providers))
		fmt.Fprintf(w, "# HELP gateway_agents_total Active agents.\n# TYPE gateway_agents_total gauge\ngateway_agents_total %d\n", hs.Agents)
		fmt.Fprintf(w, "# HELP gateway_connections_total Live connection-surface sockets.\n# TYPE gateway_connections_total gauge\ngateway_connections_total %d\n", hs.Connections)
		if extraMetrics != nil {
			for _, line := range extraMetrics() {
				fmt.Fprintln(w, line)
			}
		}
	})
}
