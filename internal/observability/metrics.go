// Package observability provides Prometheus metrics, OTel tracing, and
// health checks for Heimdall. Everything is injected; there is no global
// state, so tests can run collectors side by side.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Heimdall.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Tool execution metrics.
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// Sandbox enforcement metrics.
	QuotaRejectionsTotal *prometheus.CounterVec
	PathViolationsTotal  *prometheus.CounterVec
	WorkerRestartsTotal  prometheus.Counter
	WorkspaceBytes       prometheus.Gauge

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "heimdall",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"tool"}),

		QuotaRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Subsystem: "sandbox",
			Name:      "quota_rejections_total",
			Help:      "Writes rejected by size limits.",
		}, []string{"kind"}),

		PathViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Subsystem: "sandbox",
			Name:      "path_violations_total",
			Help:      "Paths rejected by confinement checks.",
		}, []string{"kind"}),

		WorkerRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "heimdall",
			Subsystem: "sandbox",
			Name:      "worker_restarts_total",
			Help:      "Python worker kills and crash restarts.",
		}),

		WorkspaceBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Subsystem: "sandbox",
			Name:      "workspace_bytes",
			Help:      "Measured workspace size in bytes, refreshed by the janitor.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "heimdall",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP gateway requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "heimdall",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "heimdall",
			Name:      "active_requests",
			Help:      "In-flight requests across all transports.",
		}),
	}

	reg.MustRegister(
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.QuotaRejectionsTotal,
		m.PathViolationsTotal,
		m.WorkerRestartsTotal,
		m.WorkspaceBytes,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordToolExecution updates the per-tool counters.
func (m *MetricsCollector) RecordToolExecution(tool string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(seconds)
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}
