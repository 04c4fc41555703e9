package offlinecache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Response sources reported by fetch metrics.
const (
	SourceNetwork = "network"
	SourceCache   = "cache"
	SourceNone    = "none"
)

// Metrics provides Prometheus metrics for the offline cache.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	installsTotal          *prometheus.CounterVec
	precachedTotal         prometheus.Counter
	partitionsDeletedTotal prometheus.Counter
	fetchesTotal           *prometheus.CounterVec
	fetchDuration          *prometheus.HistogramVec
}

// NewMetrics creates and registers the metrics with the given registerer.
// If reg is nil, metrics are created but not registered (useful for testing).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		installsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "installs_total",
			Help:      "Total number of installs, labeled by result",
		}, []string{"result"}),
		precachedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "precached_entries_total",
			Help:      "Total number of responses stored by installs",
		}),
		partitionsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "partitions_deleted_total",
			Help:      "Total number of stale cache partitions deleted on activation",
		}),
		fetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offline_cache",
			Name:      "fetches_total",
			Help:      "Total number of fetches, labeled by response source",
		}, []string{"source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offline_cache",
			Name:      "fetch_duration_seconds",
			Help:      "Fetch duration, labeled by response source",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}

	if reg != nil {
		m.installsTotal = registerOrReuse(reg, m.installsTotal).(*prometheus.CounterVec)
		m.precachedTotal = registerOrReuse(reg, m.precachedTotal).(prometheus.Counter)
		m.partitionsDeletedTotal = registerOrReuse(reg, m.partitionsDeletedTotal).(prometheus.Counter)
		m.fetchesTotal = registerOrReuse(reg, m.fetchesTotal).(*prometheus.CounterVec)
		m.fetchDuration = registerOrReuse(reg, m.fetchDuration).(*prometheus.HistogramVec)
	}

	return m
}

// RecordInstall counts an install and, if it succeeded, the stored entries.
func (m *Metrics) RecordInstall(err error, entries int) {
	if m == nil {
		return
	}
	if err != nil {
		m.installsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.installsTotal.WithLabelValues("success").Inc()
	m.precachedTotal.Add(float64(entries))
}

// RecordPartitionDeleted counts a deleted stale partition.
func (m *Metrics) RecordPartitionDeleted() {
	if m == nil {
		return
	}
	m.partitionsDeletedTotal.Inc()
}

// RecordFetch counts a fetch and observes its duration.
func (m *Metrics) RecordFetch(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchesTotal.WithLabelValues(source).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

// registerOrReuse registers the collector, or returns the already registered one.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
