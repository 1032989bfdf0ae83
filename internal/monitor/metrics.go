package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the execution service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	ValidationsTotal  *prometheus.CounterVec
	BlockedTotal      *prometheus.CounterVec
	SandboxesActive   *prometheus.GaugeVec
	ContainerdLatency *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	ProgramSizeBytes  prometheus.Histogram
	SummarySizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsandbox",
				Name:      "executions_total",
				Help:      "Total executions by language and terminal status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execsandbox",
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsandbox",
				Name:      "execution_errors_total",
				Help:      "Total execution faults by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execsandbox",
				Name:      "active_executions",
				Help:      "Number of executions currently running.",
			},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsandbox",
				Name:      "validations_total",
				Help:      "Total security validations by aggregate severity.",
			},
			[]string{"severity"},
		),

		BlockedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "execsandbox",
				Name:      "blocked_total",
				Help:      "Submissions blocked before provisioning, by check.",
			},
			[]string{"check"},
		),

		SandboxesActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "execsandbox",
				Name:      "sandboxes_active",
				Help:      "Live sandboxes by status.",
			},
			[]string{"status"},
		),

		ContainerdLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "execsandbox",
				Name:      "containerd_operation_duration_seconds",
				Help:      "Duration of containerd API operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"operation"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "execsandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		ProgramSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execsandbox",
				Name:      "program_size_bytes",
				Help:      "Size of submitted programs in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		SummarySizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "execsandbox",
				Name:      "summary_size_bytes",
				Help:      "Size of returned result summaries in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.ValidationsTotal,
		m.BlockedTotal,
		m.SandboxesActive,
		m.ContainerdLatency,
		m.RequestsInFlight,
		m.ProgramSizeBytes,
		m.SummarySizeBytes,
	)

	return m
}

// RecordExecution records a terminal execution outcome.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records an execution fault by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordValidation records one validation pass and, when the submission
// was blocked, the check that blocked it.
func (m *Metrics) RecordValidation(severity string, blockedBy string) {
	m.ValidationsTotal.WithLabelValues(severity).Inc()
	if blockedBy != "" {
		m.BlockedTotal.WithLabelValues(blockedBy).Inc()
	}
}
