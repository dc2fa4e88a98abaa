package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Replication directions used as metric labels.
const (
	DirectionPush      = "push"
	DirectionPull      = "pull"
	DirectionHandshake = "handshake"
)

// Metrics holds all Prometheus metrics of the data layer.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	operationDuration  *prometheus.HistogramVec
	writeConflicts     *prometheus.CounterVec
	writeRetries       *prometheus.CounterVec
	writesTotal        *prometheus.CounterVec
	replicatedDocs     *prometheus.CounterVec
	replicationErrors  *prometheus.CounterVec
	aggregateRecompute *prometheus.CounterVec
	cacheHits          *prometheus.CounterVec
	cacheMisses        *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// metrics in it. Using a private registry avoids "duplicate collector"
// panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletsync_operation_duration_seconds",
				Help:    "Duration of data layer operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		writeConflicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_write_conflicts_total",
				Help: "Revision conflicts seen by the write path.",
			},
			[]string{"type"},
		),
		writeRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_write_retries_total",
				Help: "Write attempts retried after a conflict.",
			},
			[]string{"type"},
		),
		writesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_writes_total",
				Help: "Writes completed by the write path.",
			},
			[]string{"type", "status"},
		),
		replicatedDocs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_replicated_documents_total",
				Help: "Documents exchanged with the remote replica.",
			},
			[]string{"direction"},
		),
		replicationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_replication_errors_total",
				Help: "Failed replication rounds.",
			},
			[]string{"direction"},
		),
		aggregateRecompute: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_aggregate_recomputations_total",
				Help: "Derived values recomputed from source documents.",
			},
			[]string{"aggregate", "result"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordDuration records the duration of an operation.
func (m *Metrics) RecordDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrConflict counts a revision conflict on a document type.
func (m *Metrics) IncrConflict(docType string) {
	m.writeConflicts.WithLabelValues(docType).Inc()
}

// IncrRetry counts a write attempt retried after a conflict.
func (m *Metrics) IncrRetry(docType string) {
	m.writeRetries.WithLabelValues(docType).Inc()
}

// IncrWrite counts a finished write with its outcome.
func (m *Metrics) IncrWrite(docType, status string) {
	m.writesTotal.WithLabelValues(docType, status).Inc()
}

// AddReplicated counts documents pushed or pulled.
func (m *Metrics) AddReplicated(direction string, n int) {
	m.replicatedDocs.WithLabelValues(direction).Add(float64(n))
}

// IncrReplicationError counts a failed replication round.
func (m *Metrics) IncrReplicationError(direction string) {
	m.replicationErrors.WithLabelValues(direction).Inc()
}

// IncrRecompute counts an aggregate recomputation; result is "changed" or
// "unchanged".
func (m *Metrics) IncrRecompute(aggregate, result string) {
	m.aggregateRecompute.WithLabelValues(aggregate, result).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// ReplicationTotals returns the cumulative pushed, pulled and failed counts,
// used by the sync status endpoint.
func (m *Metrics) ReplicationTotals() (pushed, pulled, errors float64) {
	pushed = getCounterValue(m.replicatedDocs, DirectionPush)
	pulled = getCounterValue(m.replicatedDocs, DirectionPull)
	errors = getCounterValue(m.replicationErrors, DirectionPush) +
		getCounterValue(m.replicationErrors, DirectionPull) +
		getCounterValue(m.replicationErrors, DirectionHandshake)
	return pushed, pulled, errors
}

// ConflictCount returns the cumulative conflicts seen for a document type.
func (m *Metrics) ConflictCount(docType string) float64 {
	return getCounterValue(m.writeConflicts, docType)
}

// getCounterValue extracts the current float64 value from a CounterVec for a
// given label set.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
