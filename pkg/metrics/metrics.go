package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	startTime = time.Now()

	// Request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "federation_resolver_request_duration_seconds",
			Help: "HTTP request duration",
		},
		[]string{"method", "endpoint"},
	)

	// Entity resolution metrics
	EntityResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_entity_resolutions_total",
			Help: "Entity resolution attempts",
		},
		[]string{"entity_id", "trust_anchor", "status"},
	)

	EntityResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "federation_resolver_entity_resolution_duration_seconds",
			Help: "Entity resolution duration",
		},
		[]string{"entity_id", "trust_anchor"},
	)

	// Trust chain metrics
	TrustChainResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_trust_chain_resolutions_total",
			Help: "Trust chain resolution attempts",
		},
		[]string{"entity_id", "trust_anchor", "status"},
	)

	// Explorer metrics
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_fetches_total",
			Help: "Statement fetches issued by the fetcher, by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	FetchSingleFlightCoalesced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_fetch_singleflight_coalesced_total",
			Help: "Fetch requests that coalesced onto an in-flight request for the same key",
		},
		[]string{"kind"},
	)

	ChainsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_chains_emitted_total",
			Help: "Trust chains emitted by the graph explorer, by validity",
		},
		[]string{"valid"},
	)

	// Policy engine metrics
	PolicyCompositions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_policy_compositions_total",
			Help: "Metadata policy compositions, by outcome",
		},
		[]string{"status"},
	)

	PolicyApplications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_policy_applications_total",
			Help: "Metadata policy applications, by outcome",
		},
		[]string{"status"},
	)

	// System metrics
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "federation_resolver_active_connections",
			Help: "Active connections",
		},
	)

	UptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "federation_resolver_uptime_seconds",
			Help: "Uptime in seconds",
		},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "federation_resolver_errors_total",
			Help: "Total errors",
		},
		[]string{"error_type", "operation"},
	)

	// Cache metrics
	CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "federation_resolver_cache_size",
			Help: "Cache size by cache name",
		},
		[]string{"cache_name"},
	)
)

// Helper functions
func RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func RecordEntityResolution(entityID, trustAnchor, status string, duration time.Duration) {
	EntityResolutions.WithLabelValues(entityID, trustAnchor, status).Inc()
	EntityResolutionDuration.WithLabelValues(entityID, trustAnchor).Observe(duration.Seconds())
}

func RecordTrustChainDiscovery(entityID, trustAnchor, status string, duration time.Duration) {
	TrustChainResolutions.WithLabelValues(entityID, trustAnchor, status).Inc()
}

func RecordFetch(kind, status string) {
	FetchesTotal.WithLabelValues(kind, status).Inc()
}

func RecordFetchCoalesced(kind string) {
	FetchSingleFlightCoalesced.WithLabelValues(kind).Inc()
}

func RecordChainEmitted(valid bool) {
	ChainsEmitted.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

func RecordPolicyComposition(status string) {
	PolicyCompositions.WithLabelValues(status).Inc()
}

func RecordPolicyApplication(status string) {
	PolicyApplications.WithLabelValues(status).Inc()
}

func RecordError(errorType, operation string) {
	ErrorsTotal.WithLabelValues(errorType, operation).Inc()
}

func IncrementActiveConnections() {
	ActiveConnections.Inc()
}

func DecrementActiveConnections() {
	ActiveConnections.Dec()
}

func UpdateUptime() {
	UptimeSeconds.Set(time.Since(startTime).Seconds())
}

func UpdateCacheSize(cacheName string, size int) {
	CacheSize.WithLabelValues(cacheName).Set(float64(size))
}

func RecordCacheHit(cacheName, key string) {
}

func RecordCacheMiss(cacheName, key string) {
}
