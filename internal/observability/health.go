package observability

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/arkose-cluster/headctl/internal/stats"
)

// HealthResponse is the body of GET /health: a constant liveness signal,
// never reflecting worker or request state.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready   bool `json:"ready"`
	Workers int  `json:"workers"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Node     NodeCounters `json:"node"`
	Registry interface{}  `json:"registry"`
	Requests interface{}  `json:"requests"`
}

// NodeCounters is the process-wide counter block embedded in MetricsResponse:
// uptime plus the §3 process counters (messages/bytes sent and received,
// tasks processed/failed).
type NodeCounters struct {
	UptimeSeconds int64 `json:"uptime_seconds"`
	stats.Snapshot
}

// HealthChecker serves the §4.F health/metrics surface. Unlike the
// Prometheus registry, these are plain read-only snapshots: the surface
// never mutates core state.
type HealthChecker struct {
	startTime      time.Time
	workersHealthy func() int
	nodeCounters   func() NodeCounters
	registrySnap   func() interface{}
	requestsSnap   func() interface{}
	now            func() time.Time
}

// NewHealthChecker creates a health checker. The provided funcs are called
// fresh on every request, so they should be cheap, lock-scoped reads.
func NewHealthChecker(workersHealthy func() int, nodeCounters func() NodeCounters, registrySnap, requestsSnap func() interface{}) *HealthChecker {
	return &HealthChecker{
		startTime:      time.Now(),
		workersHealthy: workersHealthy,
		nodeCounters:   nodeCounters,
		registrySnap:   registrySnap,
		requestsSnap:   requestsSnap,
		now:            time.Now,
	}
}

// HealthHandler serves GET /health: always `{status: "healthy", timestamp}`.
func (hc *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:    "healthy",
			Timestamp: hc.now().Unix(),
		})
	}
}

// ReadyHandler serves GET /ready: 200 if at least one healthy worker is
// registered, 503 otherwise.
func (hc *HealthChecker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		workers := hc.workersHealthy()
		status := http.StatusOK
		if workers < 1 {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, ReadyResponse{
			Ready:   workers >= 1,
			Workers: workers,
		})
	}
}

// MetricsHandler serves GET /metrics: the JSON counters/registry/requests
// snapshot mandated by §4.F. Prometheus's own text-exposition format is
// served separately on /metrics/prom.
func (hc *HealthChecker) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counters := hc.nodeCounters()
		counters.UptimeSeconds = int64(hc.now().Sub(hc.startTime).Seconds())
		writeJSON(w, http.StatusOK, MetricsResponse{
			Node:     counters,
			Registry: hc.registrySnap(),
			Requests: hc.requestsSnap(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
