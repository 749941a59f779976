package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for tollbooth.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Sandbox metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  *prometheus.GaugeVec
	RejectionsTotal   *prometheus.CounterVec
	BreakerState      *prometheus.GaugeVec
	AuditRecords      prometheus.Gauge
	RateLimitBuckets  prometheus.Gauge

	// Upstream (http tool) metrics.
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrorsTotal *prometheus.CounterVec

	// Auth metrics.
	AuthFailuresTotal  *prometheus.CounterVec
	AuthSuccessesTotal *prometheus.CounterVec

	// Retention job.
	RetentionRunsTotal *prometheus.CounterVec
	RetentionPurged    prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_executions_total",
			Help: "Total number of tool invocations by terminal status.",
		}, []string{"tool_id", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_execution_duration_seconds",
			Help:    "Wall-clock duration of tool invocations in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool_id"}),

		ActiveExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollbooth_active_executions",
			Help: "Number of tool callables currently running.",
		}, []string{"tool_id"}),

		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_rejections_total",
			Help: "Total number of unsuccessful invocations by error code.",
		}, []string{"tool_id", "reason"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollbooth_breaker_state",
			Help: "Circuit breaker state per tool (0 closed, 1 half-open, 2 open).",
		}, []string{"tool_id"}),

		AuditRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollbooth_audit_records",
			Help: "Number of records held in the in-memory audit log.",
		}),

		RateLimitBuckets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollbooth_ratelimit_buckets",
			Help: "Number of live rate limit buckets after the last sweep.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollbooth_upstream_duration_seconds",
			Help:    "Upstream request duration of http tools in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tool_id"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_upstream_errors_total",
			Help: "Total number of upstream request errors by error type.",
		}, []string{"error_type", "tool_id"}),

		AuthFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_auth_failures_total",
			Help: "Total number of authentication failures.",
		}, []string{"auth_type"}),

		AuthSuccessesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_auth_successes_total",
			Help: "Total number of successful authentications.",
		}, []string{"auth_type"}),

		RetentionRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollbooth_retention_runs_total",
			Help: "Total number of audit retention runs.",
		}, []string{"status"}),

		RetentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollbooth_retention_purged_total",
			Help: "Total number of audit records purged by retention.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollbooth_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.RejectionsTotal,
		m.BreakerState,
		m.AuditRecords,
		m.RateLimitBuckets,
		m.UpstreamDuration,
		m.UpstreamErrorsTotal,
		m.AuthFailuresTotal,
		m.AuthSuccessesTotal,
		m.RetentionRunsTotal,
		m.RetentionPurged,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterExportCollector exposes the audit export buffer.
func (m *Metrics) RegisterExportCollector(pending func() int, dropped func() int64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tollbooth_export_pending_records",
			Help: "Audit records buffered for export.",
		}, func() float64 { return float64(pending()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "tollbooth_export_dropped_records_total",
			Help: "Audit records dropped because the export buffer was full.",
		}, func() float64 { return float64(dropped()) }),
	)
}

// ObserveHTTPRequest records one served HTTP request.
func (m *Metrics) ObserveHTTPRequest(method, pathPattern string, statusCode int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(seconds)
}

// ObserveExecution records the terminal status and duration of an invocation.
func (m *Metrics) ObserveExecution(toolID, status string, seconds float64) {
	m.ExecutionsTotal.WithLabelValues(toolID, status).Inc()
	m.ExecutionDuration.WithLabelValues(toolID).Observe(seconds)
}

// IncRejection increments the rejection counter.
func (m *Metrics) IncRejection(toolID, reason string) {
	m.RejectionsTotal.WithLabelValues(toolID, reason).Inc()
}

// IncActive increments the running callables gauge.
func (m *Metrics) IncActive(toolID string) {
	m.ActiveExecutions.WithLabelValues(toolID).Inc()
}

// DecActive decrements the running callables gauge.
func (m *Metrics) DecActive(toolID string) {
	m.ActiveExecutions.WithLabelValues(toolID).Dec()
}

// SetBreakerState sets the breaker gauge for a tool.
func (m *Metrics) SetBreakerState(toolID, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(toolID).Set(v)
}

// SetAuditRecords sets the audit log size gauge.
func (m *Metrics) SetAuditRecords(n int) {
	m.AuditRecords.Set(float64(n))
}

// SetRateLimitBuckets sets the live bucket gauge.
func (m *Metrics) SetRateLimitBuckets(n int) {
	m.RateLimitBuckets.Set(float64(n))
}

// ObserveUpstreamDuration records the upstream request duration.
func (m *Metrics) ObserveUpstreamDuration(toolID string, seconds float64) {
	m.UpstreamDuration.WithLabelValues(toolID).Observe(seconds)
}

// IncUpstreamError increments the upstream error counter.
func (m *Metrics) IncUpstreamError(errorType, toolID string) {
	m.UpstreamErrorsTotal.WithLabelValues(errorType, toolID).Inc()
}

// IncAuthFailure increments the auth failure counter for the given auth type.
func (m *Metrics) IncAuthFailure(authType string) {
	m.AuthFailuresTotal.WithLabelValues(authType).Inc()
}

// IncAuthSuccess increments the auth success counter for the given auth type.
func (m *Metrics) IncAuthSuccess(authType string) {
	m.AuthSuccessesTotal.WithLabelValues(authType).Inc()
}

// ObserveRetention records one retention run.
func (m *Metrics) ObserveRetention(purged int, err error) {
	if err != nil {
		m.RetentionRunsTotal.WithLabelValues("error").Inc()
		return
	}
	m.RetentionRunsTotal.WithLabelValues("ok").Inc()
	m.RetentionPurged.Add(float64(purged))
}
