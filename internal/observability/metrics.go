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
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	ledgerDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Approval metrics
	RequestsCreatedTotal prometheus.Counter
	TransitionsTotal     *prometheus.CounterVec

	// Ledger metrics
	LedgerRequestsTotal       *prometheus.CounterVec
	LedgerRequestDuration     *prometheus.HistogramVec
	LedgerCircuitBreakerState *prometheus.GaugeVec
	LedgerRetriesTotal        *prometheus.CounterVec
	LedgerProbesTotal         *prometheus.CounterVec
	LedgerReplaySkipsTotal    prometheus.Counter

	// Segment metrics
	SegmentCacheHitsTotal   prometheus.Counter
	SegmentCacheMissesTotal prometheus.Counter
	SegmentBackfillsTotal   prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complement_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complement_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complement_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complement_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Approval
		RequestsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complement_requests_created_total",
			Help: "Total number of complementary requests submitted.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complement_transitions_total",
			Help: "Total number of approval transitions attempted, by outcome.",
		}, []string{"operation", "result"}),

		// Ledger
		LedgerRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complement_ledger_requests_total",
			Help: "Total number of ledger requests.",
		}, []string{"operation", "status"}),
		LedgerRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "complement_ledger_request_duration_seconds",
			Help:    "Ledger request duration in seconds.",
			Buckets: ledgerDurationBuckets,
		}, []string{"operation"}),
		LedgerCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "complement_ledger_circuit_breaker_state",
			Help: "Circuit breaker state per ledger endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),
		LedgerRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complement_ledger_retries_total",
			Help: "Total number of ledger request retries.",
		}, []string{"operation"}),
		LedgerProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "complement_ledger_probes_total",
			Help: "Total number of ledger endpoint probes, by result.",
		}, []string{"endpoint", "result"}),
		LedgerReplaySkipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complement_ledger_replay_skips_total",
			Help: "Total number of ledger directives skipped because they were already applied.",
		}),

		// Segment
		SegmentCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complement_segment_cache_hits_total",
			Help: "Total per-listing segment cache hits.",
		}),
		SegmentCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complement_segment_cache_misses_total",
			Help: "Total per-listing segment cache misses.",
		}),
		SegmentBackfillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "complement_segment_backfills_total",
			Help: "Total number of missing request segments written back.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Approval
		m.RequestsCreatedTotal,
		m.TransitionsTotal,
		// Ledger
		m.LedgerRequestsTotal,
		m.LedgerRequestDuration,
		m.LedgerCircuitBreakerState,
		m.LedgerRetriesTotal,
		m.LedgerProbesTotal,
		m.LedgerReplaySkipsTotal,
		// Segment
		m.SegmentCacheHitsTotal,
		m.SegmentCacheMissesTotal,
		m.SegmentBackfillsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRequestCreated counts a submitted request.
func (m *Metrics) RecordRequestCreated() {
	if m == nil {
		return
	}
	m.RequestsCreatedTotal.Inc()
}

// RecordTransition counts an approval transition attempt. result is "ok" or
// the error code that aborted it.
func (m *Metrics) RecordTransition(operation, result string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(operation, result).Inc()
}

// RecordLedgerRequest records a ledger call. status is 0 when no response was
// received.
func (m *Metrics) RecordLedgerRequest(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.LedgerRequestsTotal.WithLabelValues(operation, strconv.Itoa(status)).Inc()
	m.LedgerRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetLedgerCircuitBreakerState records a ledger endpoint's breaker state.
func (m *Metrics) SetLedgerCircuitBreakerState(endpoint string, state float64) {
	if m == nil {
		return
	}
	m.LedgerCircuitBreakerState.WithLabelValues(endpoint).Set(state)
}

// RecordLedgerRetry counts a retried ledger call.
func (m *Metrics) RecordLedgerRetry(operation string) {
	if m == nil {
		return
	}
	m.LedgerRetriesTotal.WithLabelValues(operation).Inc()
}

// RecordLedgerProbe counts a status probe against a ledger endpoint.
func (m *Metrics) RecordLedgerProbe(endpoint string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.LedgerProbesTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordLedgerReplaySkip counts a directive skipped by the replay journal.
func (m *Metrics) RecordLedgerReplaySkip() {
	if m == nil {
		return
	}
	m.LedgerReplaySkipsTotal.Inc()
}

// RecordSegmentCacheHit counts a per-listing cache hit.
func (m *Metrics) RecordSegmentCacheHit() {
	if m == nil {
		return
	}
	m.SegmentCacheHitsTotal.Inc()
}

// RecordSegmentCacheMiss counts a per-listing cache miss.
func (m *Metrics) RecordSegmentCacheMiss() {
	if m == nil {
		return
	}
	m.SegmentCacheMissesTotal.Inc()
}

// RecordSegmentBackfill counts a segment written back onto a stored request.
func (m *Metrics) RecordSegmentBackfill() {
	if m == nil {
		return
	}
	m.SegmentBackfillsTotal.Inc()
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
	// Sub-router mounts leave /*/ between segments and a trailing /*.
	for strings.Contains(pattern, "/*/") {
		pattern = strings.ReplaceAll(pattern, "/*/", "/")
	}
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
