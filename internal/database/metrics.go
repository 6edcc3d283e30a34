package database

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the database layer. All
// components share one instance so the CLI can expose a single registry.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	slowQueries   prometheus.Counter

	cacheEvents *prometheus.CounterVec

	loaderLoads   *prometheus.CounterVec
	loaderBatches prometheus.Counter
	batchSize     prometheus.Histogram

	analysesTotal        prometheus.Counter
	recommendationsTotal prometheus.Counter

	poolOpen  *prometheus.GaugeVec
	poolInUse *prometheus.GaugeVec
	poolIdle  *prometheus.GaugeVec
	poolWaits *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors under the given namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "manabi"
	}

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "queries_total",
		Help:      "Total number of queries executed",
	}, []string{"pool", "status"})

	m.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "query_duration_seconds",
		Help:      "Query latency distribution",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"pool"})

	m.slowQueries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "slow_queries_total",
		Help:      "Total number of queries above the slow threshold",
	})

	m.cacheEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "db",
		Name:      "cache_events_total",
		Help:      "Cache hits and misses by cache name",
	}, []string{"cache", "event"})

	m.loaderLoads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "loads_total",
		Help:      "Loader loads by how they were served",
	}, []string{"source"})

	m.loaderBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "batches_total",
		Help:      "Total number of batch fetches issued",
	})

	m.batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "loader",
		Name:      "batch_size",
		Help:      "Number of keys per batch fetch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	m.analysesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "analyses_total",
		Help:      "Total number of query plans analyzed",
	})

	m.recommendationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "recommendations_total",
		Help:      "Total number of recommendations produced",
	})

	m.poolOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "open_connections",
		Help:      "Open connections per pool",
	}, []string{"pool"})

	m.poolInUse = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "in_use_connections",
		Help:      "Connections currently in use per pool",
	}, []string{"pool"})

	m.poolIdle = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "idle_connections",
		Help:      "Idle connections per pool",
	}, []string{"pool"})

	m.poolWaits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "wait_count",
		Help:      "Cumulative connection waits per pool",
	}, []string{"pool"})

	m.registry.MustRegister(
		m.queriesTotal,
		m.queryDuration,
		m.slowQueries,
		m.cacheEvents,
		m.loaderLoads,
		m.loaderBatches,
		m.batchSize,
		m.analysesTotal,
		m.recommendationsTotal,
		m.poolOpen,
		m.poolInUse,
		m.poolIdle,
		m.poolWaits,
	)

	return m
}

// RecordQuery records one executed query.
func (m *Metrics) RecordQuery(pool string, duration time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.queriesTotal.WithLabelValues(pool, status).Inc()
	m.queryDuration.WithLabelValues(pool).Observe(duration.Seconds())
}

// RecordSlowQuery counts a query above the slow threshold.
func (m *Metrics) RecordSlowQuery() {
	m.slowQueries.Inc()
}

// RecordCacheEvent counts a hit or miss for the named cache.
func (m *Metrics) RecordCacheEvent(cache, event string) {
	m.cacheEvents.WithLabelValues(cache, event).Inc()
}

// RecordLoad counts a loader load by source (cache, pending, batch).
func (m *Metrics) RecordLoad(source string) {
	m.loaderLoads.WithLabelValues(source).Inc()
}

// RecordBatch records one batch fetch and its key count.
func (m *Metrics) RecordBatch(size int) {
	m.loaderBatches.Inc()
	m.batchSize.Observe(float64(size))
}

// RecordAnalysis counts one plan analysis and its recommendations.
func (m *Metrics) RecordAnalysis(recommendations int) {
	m.analysesTotal.Inc()
	m.recommendationsTotal.Add(float64(recommendations))
}

// UpdatePoolStats publishes pool gauges from database/sql statistics.
func (m *Metrics) UpdatePoolStats(pool string, stats sql.DBStats) {
	m.poolOpen.WithLabelValues(pool).Set(float64(stats.OpenConnections))
	m.poolInUse.WithLabelValues(pool).Set(float64(stats.InUse))
	m.poolIdle.WithLabelValues(pool).Set(float64(stats.Idle))
	m.poolWaits.WithLabelValues(pool).Set(float64(stats.WaitCount))
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
