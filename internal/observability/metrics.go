package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	fetchDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Policy fetch metrics
	PolicyFetchesTotal      *prometheus.CounterVec
	PolicyFetchDuration     prometheus.Histogram
	PolicyFetchRetriesTotal prometheus.Counter
	PolicyBreakerState      prometheus.Gauge

	// Policy cache metrics
	PolicyCacheEventsTotal   *prometheus.CounterVec
	SnapshotCacheEventsTotal *prometheus.CounterVec
	StaleSnapshotsServed     prometheus.Counter

	// Decision metrics
	CapabilityDecisionsTotal  *prometheus.CounterVec
	GateChecksTotal           *prometheus.CounterVec
	DenialClassificationsTotal *prometheus.CounterVec

	// Session metrics
	ActiveSessions prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearance_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearance_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clearance_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Policy fetch
		PolicyFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_policy_fetches_total",
			Help: "Total number of policy backend fetches.",
		}, []string{"outcome"}),
		PolicyFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clearance_policy_fetch_duration_seconds",
			Help:    "Policy backend fetch duration in seconds.",
			Buckets: fetchDurationBuckets,
		}),
		PolicyFetchRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearance_policy_fetch_retries_total",
			Help: "Total number of policy fetch retries.",
		}),
		PolicyBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearance_policy_breaker_state",
			Help: "Policy backend circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),

		// Policy cache
		PolicyCacheEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_policy_cache_events_total",
			Help: "Policy cache events by kind (hit, stale, miss, evict).",
		}, []string{"event"}),
		SnapshotCacheEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_snapshot_cache_events_total",
			Help: "Warm snapshot cache events by result (hit, miss).",
		}, []string{"result"}),
		StaleSnapshotsServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clearance_stale_snapshots_served_total",
			Help: "Responses served from a stale snapshot after a failed refresh.",
		}),

		// Decisions
		CapabilityDecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_capability_decisions_total",
			Help: "Capability resolution decisions.",
		}, []string{"operation", "outcome"}),
		GateChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_gate_checks_total",
			Help: "Permission gate checks.",
		}, []string{"outcome"}),
		DenialClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clearance_denial_classifications_total",
			Help: "Denial classification results (denial, other).",
		}, []string{"result"}),

		// Sessions
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clearance_active_sessions",
			Help: "Number of attached sessions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Policy fetch
		m.PolicyFetchesTotal,
		m.PolicyFetchDuration,
		m.PolicyFetchRetriesTotal,
		m.PolicyBreakerState,
		// Policy cache
		m.PolicyCacheEventsTotal,
		m.SnapshotCacheEventsTotal,
		m.StaleSnapshotsServed,
		// Decisions
		m.CapabilityDecisionsTotal,
		m.GateChecksTotal,
		m.DenialClassificationsTotal,
		// Sessions
		m.ActiveSessions,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordPolicyFetch records a policy backend fetch.
func (m *Metrics) RecordPolicyFetch(outcome string, duration time.Duration) {
	m.PolicyFetchesTotal.WithLabelValues(outcome).Inc()
	m.PolicyFetchDuration.Observe(duration.Seconds())
}

// RecordPolicyFetchRetry records one retry attempt.
func (m *Metrics) RecordPolicyFetchRetry() {
	m.PolicyFetchRetriesTotal.Inc()
}

// SetPolicyBreakerState sets the breaker gauge.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetPolicyBreakerState(state float64) {
	m.PolicyBreakerState.Set(state)
}

// RecordPolicyCacheEvent records a policy cache event
// (hit, stale, miss, evict).
func (m *Metrics) RecordPolicyCacheEvent(event string) {
	m.PolicyCacheEventsTotal.WithLabelValues(event).Inc()
}

// RecordSnapshotCacheEvent records a warm cache lookup result (hit, miss).
func (m *Metrics) RecordSnapshotCacheEvent(result string) {
	m.SnapshotCacheEventsTotal.WithLabelValues(result).Inc()
}

// RecordStaleSnapshotServed records a stale snapshot returned after a
// failed refresh.
func (m *Metrics) RecordStaleSnapshotServed() {
	m.StaleSnapshotsServed.Inc()
}

// RecordCapabilityDecision records one resolver decision.
func (m *Metrics) RecordCapabilityDecision(operation string, granted bool) {
	outcome := "deny"
	if granted {
		outcome = "grant"
	}
	m.CapabilityDecisionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordGateCheck records one permission gate check.
func (m *Metrics) RecordGateCheck(granted bool) {
	outcome := "deny"
	if granted {
		outcome = "grant"
	}
	m.GateChecksTotal.WithLabelValues(outcome).Inc()
}

// RecordDenialClassification records one ErrorClassifier result.
func (m *Metrics) RecordDenialClassification(isDenial bool) {
	result := "other"
	if isDenial {
		result = "denial"
	}
	m.DenialClassificationsTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the attached session gauge.
func (m *Metrics) SetActiveSessions(count float64) {
	m.ActiveSessions.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
