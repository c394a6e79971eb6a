package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the controller.
type Metrics struct {
	// Dispatch metrics
	TasksDispatchedTotal *prometheus.CounterVec
	TasksPending         prometheus.Gauge
	TaskDispatchLatency  prometheus.Histogram
	TasksRejectedTotal   *prometheus.CounterVec
	TasksExpiredTotal    prometheus.Counter

	// Worker registry metrics
	WorkersRegisteredTotal prometheus.Counter
	WorkersHealthy         prometheus.Gauge
	WorkersPrunedTotal     prometheus.Counter
	HeartbeatsReceivedTotal prometheus.Counter

	// Reassembly metrics
	ChunksReceivedTotal          prometheus.Counter
	ReassembliesCompletedTotal   *prometheus.CounterVec
	ReassembliesStaleDroppedTotal prometheus.Counter

	// Transport metrics
	DatagramsSentTotal     *prometheus.CounterVec
	DatagramsReceivedTotal *prometheus.CounterVec
	BytesTransferredTotal  *prometheus.CounterVec

	// Health metrics
	UptimeSeconds prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics against reg.
// Pass prometheus.DefaultRegisterer in production; tests should pass a
// fresh prometheus.NewRegistry() so repeated construction within one test
// binary doesn't collide on collector names.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		TasksDispatchedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_tasks_dispatched_total",
				Help: "Total tasks dispatched to workers",
			},
			[]string{"result"},
		),

		TasksPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "headctl_tasks_pending",
				Help: "Tasks currently awaiting a worker result",
			},
		),

		TaskDispatchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "headctl_task_latency_seconds",
				Help:    "Time from task dispatch to result",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
		),

		TasksRejectedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_tasks_rejected_total",
				Help: "Tasks rejected at admission control",
			},
			[]string{"reason"},
		),

		TasksExpiredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_tasks_expired_total",
				Help: "Pending tasks dropped for exceeding their TTL",
			},
		),

		WorkersRegisteredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_workers_registered_total",
				Help: "Distinct workers seen since process start",
			},
		),

		WorkersHealthy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "headctl_workers_healthy",
				Help: "Workers with a heartbeat inside the liveness window",
			},
		),

		WorkersPrunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_workers_pruned_total",
				Help: "Workers removed from the registry as stale",
			},
		),

		HeartbeatsReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_heartbeats_received_total",
				Help: "HEARTBEAT messages received",
			},
		),

		ChunksReceivedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_chunks_received_total",
				Help: "CHUNK messages received",
			},
		),

		ReassembliesCompletedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_reassemblies_completed_total",
				Help: "Chunked payload reassemblies, by outcome",
			},
			[]string{"result"},
		),

		ReassembliesStaleDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "headctl_reassemblies_stale_dropped_total",
				Help: "Partial reassemblies discarded as abandoned",
			},
		),

		DatagramsSentTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_datagrams_sent_total",
				Help: "UDP datagrams sent, by message type",
			},
			[]string{"type"},
		),

		DatagramsReceivedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_datagrams_received_total",
				Help: "UDP datagrams received, by message type",
			},
			[]string{"type"},
		),

		BytesTransferredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "headctl_bytes_transferred_total",
				Help: "Bytes moved over the UDP sockets",
			},
			[]string{"direction"},
		),

		UptimeSeconds: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "headctl_uptime_seconds",
				Help: "Seconds since the controller process started",
			},
		),
	}

	return m
}

// RecordTaskDispatched records a dispatch attempt's outcome.
func (m *Metrics) RecordTaskDispatched(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.TasksDispatchedTotal.WithLabelValues(result).Inc()
}

// RecordTaskCompleted records a completed task's round-trip latency.
func (m *Metrics) RecordTaskCompleted(latencySeconds float64) {
	m.TaskDispatchLatency.Observe(latencySeconds)
}

// RecordTaskRejected increments the rejection counter for reason.
func (m *Metrics) RecordTaskRejected(reason string) {
	m.TasksRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordTaskExpired increments the expiry counter.
func (m *Metrics) RecordTaskExpired() {
	m.TasksExpiredTotal.Inc()
}

// RecordWorkerRegistered increments the lifetime worker counter.
func (m *Metrics) RecordWorkerRegistered() {
	m.WorkersRegisteredTotal.Inc()
}

// RecordWorkerPruned increments the pruned-worker counter.
func (m *Metrics) RecordWorkerPruned() {
	m.WorkersPrunedTotal.Inc()
}

// RecordHeartbeat increments the heartbeat counter.
func (m *Metrics) RecordHeartbeat() {
	m.HeartbeatsReceivedTotal.Inc()
}

// RecordChunkReceived increments the chunk counter.
func (m *Metrics) RecordChunkReceived() {
	m.ChunksReceivedTotal.Inc()
}

// RecordReassembly records a completed or checksum-failed reassembly.
func (m *Metrics) RecordReassembly(success bool) {
	result := "success"
	if !success {
		result = "checksum_mismatch"
	}
	m.ReassembliesCompletedTotal.WithLabelValues(result).Inc()
}

// RecordReassemblyStaleDropped increments the stale-reassembly counter.
func (m *Metrics) RecordReassemblyStaleDropped() {
	m.ReassembliesStaleDroppedTotal.Inc()
}

// RecordDatagramSent records an outbound datagram by message type name.
func (m *Metrics) RecordDatagramSent(msgType string, bytes int) {
	m.DatagramsSentTotal.WithLabelValues(msgType).Inc()
	m.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
}

// RecordDatagramReceived records an inbound datagram by message type name.
func (m *Metrics) RecordDatagramReceived(msgType string, bytes int) {
	m.DatagramsReceivedTotal.WithLabelValues(msgType).Inc()
	m.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
}

// SetWorkersHealthy sets the current healthy-worker gauge.
func (m *Metrics) SetWorkersHealthy(n int) {
	m.WorkersHealthy.Set(float64(n))
}

// SetTasksPending sets the current pending-task gauge.
func (m *Metrics) SetTasksPending(n int) {
	m.TasksPending.Set(float64(n))
}

// SetUptimeSeconds sets the process uptime gauge.
func (m *Metrics) SetUptimeSeconds(seconds float64) {
	m.UptimeSeconds.Set(seconds)
}

// Handler exposes the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
