package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // Prometheus metrics must be global for registration
var (
	// FetchesTotal tracks the total number of cache fetch operations
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscache_fetches_total",
			Help: "Total number of cache fetch operations",
		},
		[]string{"kind", "status"}, // status: hit, partial, miss, partial_error, error, passthrough
	)

	// FetchDuration measures end-to-end fetch duration in seconds
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tscache_fetch_duration_seconds",
			Help:    "End-to-end fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"kind"},
	)

	// GapFetchesTotal tracks fetches of missing ranges against providers
	GapFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscache_gap_fetches_total",
			Help: "Total number of missing-range fetches against providers",
		},
		[]string{"status"}, // status: success, empty, error
	)

	// ProviderRequestsTotal tracks individual provider invocations
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscache_provider_requests_total",
			Help: "Total number of provider invocations",
		},
		[]string{"provider", "status"}, // status: success, error
	)

	// ProviderResponseSeconds measures provider response times
	ProviderResponseSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tscache_provider_response_seconds",
			Help:    "Provider response time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider"},
	)

	// BreakerStateGauge exposes each provider's circuit breaker state
	BreakerStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tscache_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		},
		[]string{"provider"},
	)

	// CachedRecordsEstimate tracks the estimated record count held in the index
	CachedRecordsEstimate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tscache_cached_records_estimate",
			Help: "Estimated number of cached records across all query keys",
		},
	)

	// ErrorsTotal tracks errors by component
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tscache_errors_total",
			Help: "Total errors by component and type",
		},
		[]string{"component", "error_type"},
	)
)

// RecordFetch records the outcome of one cache fetch operation.
func RecordFetch(kind, status string, duration time.Duration) {
	FetchesTotal.WithLabelValues(kind, status).Inc()
	FetchDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordGapFetch records the outcome of one missing-range fetch.
func RecordGapFetch(status string) {
	GapFetchesTotal.WithLabelValues(status).Inc()
}

// RecordProviderRequest records one provider invocation.
func RecordProviderRequest(provider, status string, duration time.Duration) {
	ProviderRequestsTotal.WithLabelValues(provider, status).Inc()
	ProviderResponseSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// SetBreakerState publishes a provider's circuit breaker state.
func SetBreakerState(provider, state string) {
	var v float64

	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}

	BreakerStateGauge.WithLabelValues(provider).Set(v)
}

// SetCachedRecordsEstimate publishes the index's estimated record count.
func SetCachedRecordsEstimate(n int64) {
	CachedRecordsEstimate.Set(float64(n))
}

// RecordError records an error occurrence for a component.
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
