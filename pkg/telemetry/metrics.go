package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the CRUD access layer.
type Metrics struct {
	config MetricsConfig

	// Operation metrics
	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec

	// Write metrics
	batchesCommitted prometheus.Counter
	rowsWritten      prometheus.Counter

	// Cache metrics
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	cacheInvalidations *prometheus.CounterVec
	cacheEntries       prometheus.Gauge

	// Pool metrics
	poolInUse        prometheus.Gauge
	poolIdle         prometheus.Gauge
	acquireTimeouts  prometheus.Counter
	acquireDuration  prometheus.Histogram

	// Compression metrics
	dictEntries prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		opsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of engine operations",
			},
			[]string{"op", "status"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of engine operations in seconds",
				Buckets:   buckets,
			},
			[]string{"op"},
		),

		batchesCommitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_committed_total",
				Help:      "Total number of committed write batches",
			},
		),
		rowsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_written_total",
				Help:      "Total number of rows written",
			},
		),

		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of query cache hits",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of query cache misses",
			},
		),
		cacheInvalidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_invalidations_total",
				Help:      "Total number of cache invalidations by table",
			},
			[]string{"table"},
		),
		cacheEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Current number of query cache entries",
			},
		),

		poolInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections_in_use",
				Help:      "Current number of checked-out connections",
			},
		),
		poolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_connections_idle",
				Help:      "Current number of idle connections",
			},
		),
		acquireTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquire_timeouts_total",
				Help:      "Total number of pool acquisitions that timed out",
			},
		),
		acquireDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_duration_seconds",
				Help:      "Time spent waiting for a pooled connection",
				Buckets:   buckets,
			},
		),

		dictEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "compression_dictionary_entries",
				Help:      "Current number of compression dictionary entries",
			},
		),
	}

	registry.MustRegister(
		m.opsTotal,
		m.opDuration,
		m.batchesCommitted,
		m.rowsWritten,
		m.cacheHits,
		m.cacheMisses,
		m.cacheInvalidations,
		m.cacheEntries,
		m.poolInUse,
		m.poolIdle,
		m.acquireTimeouts,
		m.acquireDuration,
		m.dictEntries,
	)

	return m, nil
}

// RecordOp records a completed engine operation with its status and duration.
func (m *Metrics) RecordOp(op, status string, duration time.Duration) {
	if m.opsTotal == nil {
		return
	}
	m.opsTotal.WithLabelValues(op, status).Inc()
	m.opDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBatchCommit records a committed write batch of n rows.
func (m *Metrics) RecordBatchCommit(rows int) {
	if m.batchesCommitted == nil {
		return
	}
	m.batchesCommitted.Inc()
	m.rowsWritten.Add(float64(rows))
}

// RecordCacheHit increments the cache hit counter.
func (m *Metrics) RecordCacheHit() {
	if m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func (m *Metrics) RecordCacheMiss() {
	if m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Inc()
}

// RecordCacheInvalidation records entries invalidated for a table.
func (m *Metrics) RecordCacheInvalidation(table string, removed int) {
	if m.cacheInvalidations == nil {
		return
	}
	m.cacheInvalidations.WithLabelValues(table).Add(float64(removed))
}

// SetCacheEntries sets the current cache entry count.
func (m *Metrics) SetCacheEntries(count int) {
	if m.cacheEntries == nil {
		return
	}
	m.cacheEntries.Set(float64(count))
}

// SetPoolState sets the pool occupancy gauges.
func (m *Metrics) SetPoolState(inUse, idle int) {
	if m.poolInUse == nil {
		return
	}
	m.poolInUse.Set(float64(inUse))
	m.poolIdle.Set(float64(idle))
}

// RecordAcquire records the wait for a pooled connection; timedOut marks
// acquisitions that failed with pool exhaustion.
func (m *Metrics) RecordAcquire(wait time.Duration, timedOut bool) {
	if m.acquireDuration == nil {
		return
	}
	m.acquireDuration.Observe(wait.Seconds())
	if timedOut {
		m.acquireTimeouts.Inc()
	}
}

// SetDictionaryEntries sets the compression dictionary size gauge.
func (m *Metrics) SetDictionaryEntries(count int) {
	if m.dictEntries == nil {
		return
	}
	m.dictEntries.Set(float64(count))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer(logger *Logger) error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.WithError(err).Error("metrics server error")
			}
		}
	}()

	return nil
}
