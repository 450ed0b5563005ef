package fasq

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the engine's fetch
// lifecycle and reliability layers. It is safe for concurrent use and
// entirely optional; nil receivers are tolerated on every method.
type MetricsCollector struct {
	fetchesTotal    *prometheus.CounterVec
	fetchDuration   *prometheus.HistogramVec
	fetchesInFlight prometheus.Gauge

	retriesTotal prometheus.Counter

	circuitBreakerState *prometheus.GaugeVec

	cacheHits        prometheus.Counter
	cacheMisses      prometheus.Counter
	cacheEvictions   prometheus.Counter
	cacheExpirations prometheus.Counter
	cacheSize        prometheus.Gauge

	deduplicationHits prometheus.Counter

	offlineQueueDepth prometheus.Gauge
	offlineReplays    *prometheus.CounterVec

	workerQueueDepth prometheus.Gauge
	workerTasks      *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using the supplied
// registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	return &MetricsCollector{
		fetchesTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fasq_fetches_total",
				Help: "Total number of fetch attempts settled",
			},
			[]string{"result"},
		),
		fetchDuration: promauto.With(registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fasq_fetch_duration_seconds",
				Help:    "Duration of fetch executions in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		fetchesInFlight: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "fasq_fetches_in_flight",
				Help: "Number of fetches currently in flight",
			},
		),
		retriesTotal: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_retries_total",
				Help: "Total number of fetch retry attempts",
			},
		),
		circuitBreakerState: promauto.With(registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fasq_circuit_breaker_state",
				Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
			},
			[]string{"scope"},
		),
		cacheHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_cache_hits_total",
				Help: "Total number of cache hits",
			},
		),
		cacheMisses: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_cache_misses_total",
				Help: "Total number of cache misses",
			},
		),
		cacheEvictions: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_cache_evictions_total",
				Help: "Total number of capacity evictions",
			},
		),
		cacheExpirations: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_cache_expirations_total",
				Help: "Total number of entries dropped at read time after hard expiry",
			},
		),
		cacheSize: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "fasq_cache_size",
				Help: "Current number of entries in the cache store",
			},
		),
		deduplicationHits: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "fasq_deduplication_hits_total",
				Help: "Total number of fetch calls coalesced onto an in-flight fetch",
			},
		),
		offlineQueueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "fasq_offline_queue_depth",
				Help: "Current number of queued offline mutations",
			},
		),
		offlineReplays: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fasq_offline_replays_total",
				Help: "Total number of offline mutation replay attempts",
			},
			[]string{"result"},
		),
		workerQueueDepth: promauto.With(registry).NewGauge(
			prometheus.GaugeOpts{
				Name: "fasq_worker_queue_depth",
				Help: "Current worker pool queue depth",
			},
		),
		workerTasks: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fasq_worker_tasks_total",
				Help: "Total number of worker pool tasks settled",
			},
			[]string{"result"},
		),
		errorsTotal: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "fasq_errors_total",
				Help: "Total number of errors surfaced by type",
			},
			[]string{"type"},
		),
	}
}

// RecordFetchStart marks a fetch as in flight.
func (mc *MetricsCollector) RecordFetchStart() {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.Inc()
}

// RecordFetchEnd records a settled fetch with its duration.
func (mc *MetricsCollector) RecordFetchEnd(success bool, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.fetchesInFlight.Dec()
	result := "success"
	if !success {
		result = "error"
	}
	mc.fetchesTotal.WithLabelValues(result).Inc()
	mc.fetchDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (mc *MetricsCollector) RecordRetry() {
	if mc == nil {
		return
	}
	mc.retriesTotal.Inc()
}

// SetCircuitState publishes a breaker's state for its scope.
func (mc *MetricsCollector) SetCircuitState(scope string, state CircuitState) {
	if mc == nil {
		return
	}
	mc.circuitBreakerState.WithLabelValues(scope).Set(float64(state))
}

// RecordCacheHit records a cache hit.
func (mc *MetricsCollector) RecordCacheHit() {
	if mc == nil {
		return
	}
	mc.cacheHits.Inc()
}

// RecordCacheMiss records a cache miss.
func (mc *MetricsCollector) RecordCacheMiss() {
	if mc == nil {
		return
	}
	mc.cacheMisses.Inc()
}

// RecordCacheEviction records a capacity eviction.
func (mc *MetricsCollector) RecordCacheEviction() {
	if mc == nil {
		return
	}
	mc.cacheEvictions.Inc()
}

// RecordCacheExpiration records a lazy expiry drop.
func (mc *MetricsCollector) RecordCacheExpiration() {
	if mc == nil {
		return
	}
	mc.cacheExpirations.Inc()
}

// SetCacheSize publishes the current cache entry count.
func (mc *MetricsCollector) SetCacheSize(n int) {
	if mc == nil {
		return
	}
	mc.cacheSize.Set(float64(n))
}

// RecordDeduplicationHit records a coalesced fetch call.
func (mc *MetricsCollector) RecordDeduplicationHit() {
	if mc == nil {
		return
	}
	mc.deduplicationHits.Inc()
}

// SetOfflineQueueDepth publishes the offline queue length.
func (mc *MetricsCollector) SetOfflineQueueDepth(n int) {
	if mc == nil {
		return
	}
	mc.offlineQueueDepth.Set(float64(n))
}

// RecordOfflineReplay records one replay attempt.
func (mc *MetricsCollector) RecordOfflineReplay(success bool) {
	if mc == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	mc.offlineReplays.WithLabelValues(result).Inc()
}

// SetWorkerQueueDepth publishes the worker pool queue depth.
func (mc *MetricsCollector) SetWorkerQueueDepth(n int) {
	if mc == nil {
		return
	}
	mc.workerQueueDepth.Set(float64(n))
}

// RecordWorkerTask records one settled worker task.
func (mc *MetricsCollector) RecordWorkerTask(success bool) {
	if mc == nil {
		return
	}
	result := "success"
	if !success {
		result = "error"
	}
	mc.workerTasks.WithLabelValues(result).Inc()
}

// RecordError records a surfaced error by engine error type.
func (mc *MetricsCollector) RecordError(errorType string) {
	if mc == nil {
		return
	}
	mc.errorsTotal.WithLabelValues(errorType).Inc()
}
