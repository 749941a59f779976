package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the live metrics endpoint.
type Summary struct {
	HTTP       httpSummary        `json:"http"`
	Executions executionSummary   `json:"executions"`
	Rejections map[string]float64 `json:"rejections"`
	Breakers   breakerSummary     `json:"breakers"`
	Sandbox    sandboxInfo        `json:"sandbox"`
	Upstream   upstreamInfo       `json:"upstream"`
	Export     exportInfo         `json:"export"`
	Auth       authInfo           `json:"auth"`
	DB         dbInfo             `json:"db"`
	Server     serverInfo         `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type executionSummary struct {
	Total       float64 `json:"total"`
	Success     float64 `json:"success"`
	SuccessRate float64 `json:"successRate"`
	Active      float64 `json:"active"`
	P50Duration float64 `json:"p50Duration"`
	P95Duration float64 `json:"p95Duration"`
	P99Duration float64 `json:"p99Duration"`
}

type breakerSummary struct {
	Open     []string `json:"open"`
	HalfOpen []string `json:"halfOpen"`
}

type sandboxInfo struct {
	AuditRecords     float64 `json:"auditRecords"`
	RateLimitBuckets float64 `json:"rateLimitBuckets"`
	RetentionPurged  float64 `json:"retentionPurged"`
}

type upstreamInfo struct {
	Errors      float64 `json:"errors"`
	P50Duration float64 `json:"p50Duration"`
	P95Duration float64 `json:"p95Duration"`
}

type exportInfo struct {
	Pending float64 `json:"pending"`
	Dropped float64 `json:"dropped"`
}

type authInfo struct {
	Failures  float64 `json:"failures"`
	Successes float64 `json:"successes"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summary()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summary gathers the registry and condenses it.
func (m *Metrics) Summary() (*Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}

	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	execTotal := sumCounter(fam["tollbooth_executions_total"], nil)
	execSuccess := sumCounter(fam["tollbooth_executions_total"], withLabel("status", "success"))
	var successRate float64
	if execTotal > 0 {
		successRate = execSuccess / execTotal
	}
	startTime := gaugeValue(fam["tollbooth_server_start_time_seconds"])

	return &Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["tollbooth_http_requests_total"], nil),
			ErrorRate:     httpErrorRate(fam["tollbooth_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["tollbooth_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["tollbooth_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["tollbooth_http_request_duration_seconds"], 0.99),
		},
		Executions: executionSummary{
			Total:       execTotal,
			Success:     execSuccess,
			SuccessRate: successRate,
			Active:      sumGauge(fam["tollbooth_active_executions"]),
			P50Duration: histogramPercentile(fam["tollbooth_execution_duration_seconds"], 0.50),
			P95Duration: histogramPercentile(fam["tollbooth_execution_duration_seconds"], 0.95),
			P99Duration: histogramPercentile(fam["tollbooth_execution_duration_seconds"], 0.99),
		},
		Rejections: counterByLabel(fam["tollbooth_rejections_total"], "reason"),
		Breakers: breakerSummary{
			Open:     labelsWithGauge(fam["tollbooth_breaker_state"], "tool_id", 2),
			HalfOpen: labelsWithGauge(fam["tollbooth_breaker_state"], "tool_id", 1),
		},
		Sandbox: sandboxInfo{
			AuditRecords:     gaugeValue(fam["tollbooth_audit_records"]),
			RateLimitBuckets: gaugeValue(fam["tollbooth_ratelimit_buckets"]),
			RetentionPurged:  counterValue(fam["tollbooth_retention_purged_total"]),
		},
		Upstream: upstreamInfo{
			Errors:      sumCounter(fam["tollbooth_upstream_errors_total"], nil),
			P50Duration: histogramPercentile(fam["tollbooth_upstream_duration_seconds"], 0.50),
			P95Duration: histogramPercentile(fam["tollbooth_upstream_duration_seconds"], 0.95),
		},
		Export: exportInfo{
			Pending: gaugeValue(fam["tollbooth_export_pending_records"]),
			Dropped: counterValue(fam["tollbooth_export_dropped_records_total"]),
		},
		Auth: authInfo{
			Failures:  sumCounter(fam["tollbooth_auth_failures_total"], nil),
			Successes: sumCounter(fam["tollbooth_auth_successes_total"], nil),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["tollbooth_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["tollbooth_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["tollbooth_db_pool_acquired_conns"]),
		},
		Server: serverInfo{
			StartTime:     startTime,
			UptimeSeconds: float64(time.Now().Unix()) - startTime,
		},
	}, nil
}

// --- Prometheus metric helpers ---

type metricFilter func(*dto.Metric) bool

func withLabel(name, value string) metricFilter {
	return func(m *dto.Metric) bool {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == name && lp.GetValue() == value {
				return true
			}
		}
		return false
	}
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func sumCounter(f *dto.MetricFamily, match metricFilter) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetCounter() == nil || (match != nil && !match(m)) {
			continue
		}
		total += m.GetCounter().GetValue()
	}
	return total
}

func counterByLabel(f *dto.MetricFamily, label string) map[string]float64 {
	out := map[string]float64{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetCounter() != nil {
			out[labelValue(m, label)] += m.GetCounter().GetValue()
		}
	}
	return out
}

func sumGauge(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil {
			total += m.GetGauge().GetValue()
		}
	}
	return total
}

// labelsWithGauge returns the sorted label values of series whose gauge
// equals want.
func labelsWithGauge(f *dto.MetricFamily, label string, want float64) []string {
	out := []string{}
	if f == nil {
		return out
	}
	for _, m := range f.GetMetric() {
		if m.GetGauge() != nil && m.GetGauge().GetValue() == want {
			out = append(out, labelValue(m, label))
		}
	}
	sort.Strings(out)
	return out
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

func counterValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetCounter().GetValue()
}

func httpErrorRate(f *dto.MetricFamily) float64 {
	total := sumCounter(f, nil)
	if total == 0 {
		return 0
	}
	errs := sumCounter(f, func(m *dto.Metric) bool {
		code := labelValue(m, "status_code")
		return len(code) > 0 && code[0] >= '4'
	})
	return errs / total
}

// histogramPercentile computes a percentile from the family's aggregated
// buckets using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	type bucket struct {
		upperBound      float64
		cumulativeCount uint64
	}
	var totalCount uint64
	bucketMap := make(map[float64]uint64)

	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			bucketMap[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	buckets := make([]bucket, 0, len(bucketMap))
	for ub, count := range bucketMap {
		buckets = append(buckets, bucket{upperBound: ub, cumulativeCount: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].upperBound < buckets[j].upperBound
	})

	rank := q * float64(totalCount)

	var prevBound float64
	var prevCount uint64
	for _, b := range buckets {
		if math.IsInf(b.upperBound, 1) {
			break
		}
		if float64(b.cumulativeCount) >= rank {
			bucketCount := b.cumulativeCount - prevCount
			if bucketCount == 0 {
				return b.upperBound
			}
			fraction := (rank - float64(prevCount)) / float64(bucketCount)
			return prevBound + fraction*(b.upperBound-prevBound)
		}
		prevBound = b.upperBound
		prevCount = b.cumulativeCount
	}

	// Everything landed in +Inf: report the largest finite bound.
	for i := len(buckets) - 1; i >= 0; i-- {
		if !math.IsInf(buckets[i].upperBound, 1) {
			return buckets[i].upperBound
		}
	}
	return 0
}
