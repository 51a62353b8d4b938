package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all the application metrics
type Metrics struct {
	// HTTP request metrics
	HTTPRequestTotal    *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Retrieve metrics
	RetrieveTotal    *prometheus.CounterVec
	RetrieveDuration *prometheus.HistogramVec

	// Ephemeral cache metrics
	CacheLookupTotal *prometheus.CounterVec

	// Transcoding metrics
	TranscodeTotal    *prometheus.CounterVec
	TranscodeDuration *prometheus.HistogramVec
}

// Global metrics instance with mutex for thread safety
var (
	globalMetrics *Metrics
	metricsMutex  sync.Mutex
)

// NewMetrics creates the Metrics instance, registering it with the default
// registry on first use
func NewMetrics() *Metrics {
	metricsMutex.Lock()
	defer metricsMutex.Unlock()

	if globalMetrics != nil {
		return globalMetrics
	}

	m := &Metrics{
		HTTPRequestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		RetrieveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomweb_retrieve_total",
			Help: "Total number of retrieve operations by resource type and outcome",
		}, []string{"resource_type", "outcome"}),

		RetrieveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicomweb_retrieve_prepare_duration_seconds",
			Help:    "Time spent resolving and validating a retrieve before streaming",
			Buckets: prometheus.DefBuckets,
		}, []string{"resource_type"}),

		CacheLookupTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomweb_cache_lookups_total",
			Help: "Ephemeral cache lookups by cache and result",
		}, []string{"cache", "result"}),

		TranscodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomweb_transcode_total",
			Help: "Transcode operations by kind and outcome",
		}, []string{"kind", "outcome"}),

		TranscodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dicomweb_transcode_duration_seconds",
			Help:    "Transcode duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}

	registerMetrics(m)
	globalMetrics = m

	return m
}

// registerMetrics registers all metrics with the default registry
func registerMetrics(m *Metrics) {
	registerOrGet(m.HTTPRequestTotal)
	registerOrGet(m.HTTPRequestDuration)
	registerOrGet(m.RetrieveTotal)
	registerOrGet(m.RetrieveDuration)
	registerOrGet(m.CacheLookupTotal)
	registerOrGet(m.TranscodeTotal)
	registerOrGet(m.TranscodeDuration)
}

// registerOrGet tries to register a metric, returns the existing one if already registered
func registerOrGet(c prometheus.Collector) prometheus.Collector {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
	}
	return c
}

// The helpers below are safe on a nil *Metrics so components can run
// without instrumentation in tests.

// ObserveCache records a cache hit or miss
func (m *Metrics) ObserveCache(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupTotal.WithLabelValues(cache, result).Inc()
}

// ObserveTranscode records a transcode outcome and its duration
func (m *Metrics) ObserveTranscode(kind string, err error, started time.Time) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.TranscodeTotal.WithLabelValues(kind, outcome).Inc()
	m.TranscodeDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}

// ObserveRetrieve records a retrieve outcome and its preparation time
func (m *Metrics) ObserveRetrieve(resourceType, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.RetrieveTotal.WithLabelValues(resourceType, outcome).Inc()
	m.RetrieveDuration.WithLabelValues(resourceType).Observe(time.Since(started).Seconds())
}

// ObserveHTTP records a served HTTP request
func (m *Metrics) ObserveHTTP(method, status string, started time.Time) {
	if m == nil {
		return
	}
	m.HTTPRequestTotal.WithLabelValues(method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
}
