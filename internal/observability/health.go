package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Version is reported by the health endpoints
var Version = "dev"

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Version      string                      `json:"version"`
	Timestamp    string                      `json:"timestamp"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// HealthCheckFunc probes one dependency
type HealthCheckFunc func(ctx context.Context) error

// HealthCheckHandler handles liveness requests
func HealthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, HealthStatus{
			Status:    "healthy",
			Service:   "claims-voice",
			Version:   Version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// ReadinessHandler runs every named check concurrently and reports 503
// if any of them fails. Checks share a 5 second budget.
func ReadinessHandler(checks map[string]HealthCheckFunc) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		var (
			mu   sync.Mutex
			wg   sync.WaitGroup
			deps = make(map[string]DependencyStatus, len(names))
		)
		for _, name := range names {
			wg.Add(1)
			go func(name string, check HealthCheckFunc) {
				defer wg.Done()
				start := time.Now()
				err := check(ctx)

				dep := DependencyStatus{Status: "healthy", LatencyMs: time.Since(start).Milliseconds()}
				if err != nil {
					dep.Status = "unhealthy"
					dep.Message = err.Error()
				}
				mu.Lock()
				deps[name] = dep
				mu.Unlock()
			}(name, checks[name])
		}
		wg.Wait()

		status := HealthStatus{
			Status:       "ready",
			Service:      "claims-voice",
			Version:      Version,
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Dependencies: deps,
		}
		code := http.StatusOK
		for _, dep := range deps {
			if dep.Status != "healthy" {
				status.Status = "not_ready"
				code = http.StatusServiceUnavailable
				break
			}
		}
		writeHealth(w, code, status)
	}
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}
