package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	RateLimitedTotal  *prometheus.CounterVec
	LockoutsTotal     prometheus.Counter
	AuthFailuresTotal *prometheus.CounterVec

	TokensIssuedTotal  prometheus.Counter
	TokensRevokedTotal prometheus.Counter

	AuditEventsTotal  *prometheus.CounterVec
	AuditDroppedTotal prometheus.Counter

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge
	ScanRejectsTotal  *prometheus.CounterVec
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total HTTP requests by route, method, and status code.",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codegate",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"route"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codegate",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by rate limiting, by route class.",
			},
			[]string{"class"},
		),

		LockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "lockouts_total",
				Help:      "Accounts locked after repeated authentication failures.",
			},
		),

		AuthFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "auth_failures_total",
				Help:      "Authentication failures by reason.",
			},
			[]string{"reason"},
		),

		TokensIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "tokens_issued_total",
				Help:      "Access tokens issued.",
			},
		),

		TokensRevokedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "tokens_revoked_total",
				Help:      "Access tokens revoked before expiry.",
			},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "audit_events_total",
				Help:      "Audit events recorded, by category.",
			},
			[]string{"category"},
		),

		AuditDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "audit_events_dropped_total",
				Help:      "Audit events evicted from the buffer before reaching the sink.",
			},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "executions_total",
				Help:      "Execution jobs by language and outcome.",
			},
			[]string{"language", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "codegate",
				Name:      "execution_duration_seconds",
				Help:      "Duration of execution jobs in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "codegate",
				Name:      "active_executions",
				Help:      "Number of currently running execution jobs.",
			},
		),

		ScanRejectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "codegate",
				Name:      "scan_rejects_total",
				Help:      "Submissions rejected by the source scanner, by pattern.",
			},
			[]string{"pattern"},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codegate",
				Name:      "code_size_bytes",
				Help:      "Size of submitted source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "codegate",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.RateLimitedTotal,
		m.LockoutsTotal,
		m.AuthFailuresTotal,
		m.TokensIssuedTotal,
		m.TokensRevokedTotal,
		m.AuditEventsTotal,
		m.AuditDroppedTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.ScanRejectsTotal,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRequest records metrics for a finished HTTP request.
func (m *Metrics) RecordRequest(route, method, status string, durationSec float64) {
	m.RequestsTotal.WithLabelValues(route, method, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(durationSec)
}

// RecordExecution records metrics for a terminal execution result.
func (m *Metrics) RecordExecution(language, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordAuthFailure records an authentication failure by reason.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailuresTotal.WithLabelValues(reason).Inc()
}
