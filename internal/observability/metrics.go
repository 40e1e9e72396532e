package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/climatescope/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency. Watch for: p95/p99 increases on aggregate routes after a large upload.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// Remote dataset fetches by status. Watch for: error vs success ratio at startup.
	SourceFetchesTotal *prometheus.CounterVec

	// Remote dataset fetch latency.
	SourceFetchDuration *prometheus.HistogramVec

	// Retry attempts for remote dataset fetches. Watch for: unstable upstream.
	SourceRetriesTotal prometheus.Counter

	// Cache hits by layer ("memory", "memcached", "coalesced").
	CacheHitsTotal *prometheus.CounterVec

	// Cache misses. Hit rate = hits/(hits+misses).
	CacheMissesTotal prometheus.Counter

	// Cache backend errors by operation. Watch for: memcached connectivity.
	CacheErrorsTotal *prometheus.CounterVec

	// Concurrent misses for one key, by operation. Watch for: warming not keeping up.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Time callers spent waiting on a coalesced computation.
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Computed queries by operation (summary, histogram, extremes, ...).
	QueriesTotal *prometheus.CounterVec

	// Time spent computing a query result on a cache miss.
	QueryDuration *prometheus.HistogramVec

	// Queries per metric (allow-list; others go to "other").
	QueriesByMetricTotal *prometheus.CounterVec

	// Rows in the active dataset.
	DatasetRows prometheus.Gauge

	// Dataset loads by origin ("startup", "upload") and result.
	DatasetLoadsTotal *prometheus.CounterVec

	// Rows flagged as extreme, by method.
	ExtremesFlaggedTotal *prometheus.CounterVec

	// Cache warming runs, failures and duration. Warming follows every dataset load.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state per component (0 closed, 1 open, 2 half-open).
	CircuitBreakerState *prometheus.GaugeVec

	// Circuit breaker transitions. Watch for: flapping between open and half-open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	// Cache calls skipped while the breaker is open, by operation.
	CacheBypassedTotal *prometheus.CounterVec

	trackedMetricsMu sync.RWMutex
	trackedMetrics   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "httpRequestsTotal", Help: "Total number of HTTP requests"},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "httpRequestsInFlight", Help: "Number of HTTP requests currently being served"},
	)
	SourceFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "sourceFetchesTotal", Help: "Total number of remote dataset fetch attempts"},
		[]string{"status"},
	)
	SourceFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sourceFetchDurationSeconds",
			Help:    "Remote dataset fetch latency in seconds (per attempt)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	SourceRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "sourceRetriesTotal", Help: "Total number of retry attempts for remote dataset fetches"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheHitsTotal", Help: "Total number of query result cache hits"},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheMissesTotal", Help: "Total number of query result cache misses"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheErrorsTotal", Help: "Total number of cache backend errors"},
		[]string{"op"},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheStampedeDetectedTotal", Help: "Cache misses that overlapped another miss for the same key"},
		[]string{"operation"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting for a coalesced query result",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)
	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queriesTotal", Help: "Total number of computed queries by operation"},
		[]string{"operation"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queryDurationSeconds",
			Help:    "Query computation time in seconds on cache miss",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
	QueriesByMetricTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queriesByMetricTotal", Help: "Queries by metric (allow-list; others use metric=other)"},
		[]string{"metric"},
	)
	DatasetRows = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "datasetRows", Help: "Rows in the active dataset"},
	)
	DatasetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "datasetLoadsTotal", Help: "Dataset loads by origin and result"},
		[]string{"origin", "result"},
	)
	ExtremesFlaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "extremesFlaggedTotal", Help: "Rows flagged as extreme values by method"},
		[]string{"method"},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingTotal", Help: "Total number of cache warming runs"},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cacheWarmingErrorsTotal", Help: "Cache warming runs with at least one failed target"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of cache warming runs in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "rateLimitDeniedTotal", Help: "Total number of requests denied by rate limiter (429)"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "circuitBreakerState", Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)"},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "circuitBreakerTransitionsTotal", Help: "Circuit breaker state transitions"},
		[]string{"component", "from", "to"},
	)
	CacheBypassedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "cacheBypassedTotal", Help: "Cache calls skipped because the backend circuit is open"},
		[]string{"op"},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		SourceFetchesTotal, SourceFetchDuration, SourceRetriesTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal,
		CacheStampedeDetectedTotal, RequestCoalescingWaitSeconds,
		QueriesTotal, QueryDuration, QueriesByMetricTotal,
		DatasetRows, DatasetLoadsTotal, ExtremesFlaggedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal, CacheBypassedTotal,
	)
}

// RecordCircuitBreakerTransition counts a transition and updates the state gauge.
func RecordCircuitBreakerTransition(component, from, to string, state int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(state))
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call once from main after config load.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedMetrics sets the allow-list for per-metric query counts.
func SetTrackedMetrics(metrics []string) {
	trackedMetricsMu.Lock()
	defer trackedMetricsMu.Unlock()
	trackedMetrics = make(map[string]struct{}, len(metrics))
	for _, m := range metrics {
		trackedMetrics[normalizeMetric(m)] = struct{}{}
	}
}

// RecordMetricQuery counts a query against the given metric column.
func RecordMetricQuery(metric string) {
	m := normalizeMetric(metric)
	trackedMetricsMu.RLock()
	_, ok := trackedMetrics[m]
	trackedMetricsMu.RUnlock()
	if !ok {
		m = "other"
	}
	QueriesByMetricTotal.WithLabelValues(m).Inc()
}

func normalizeMetric(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
