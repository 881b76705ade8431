package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	CommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	AbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_aborts_total",
			Help: "Total number of aborted transactions by reason",
		},
		[]string{"reason"},
	)

	ActiveTransactions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_active_transactions",
			Help: "Number of transactions currently Active or Validating",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_commit_duration_seconds",
			Help:    "Time spent in the commit pipeline, from mutex acquire to release",
			Buckets: prometheus.DefBuckets,
		},
	)

	// WAL metrics
	WALAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_wal_append_duration_seconds",
			Help:    "Time taken to append a record batch to the WAL",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALFsyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "strata_wal_fsync_duration_seconds",
			Help:    "Time taken to fsync a WAL segment",
			Buckets: prometheus.DefBuckets,
		},
	)

	WALSegmentsRotatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_wal_segments_rotated_total",
			Help: "Total number of WAL segment rotations",
		},
	)

	// Store metrics
	StoreKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_store_keys",
			Help: "Total number of distinct keys in the Unified Store",
		},
	)

	// Vector subsystem metrics
	VectorSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "strata_vector_search_duration_seconds",
			Help:    "Vector search latency by collection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	VectorSegmentsSealed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_vector_segments_sealed_total",
			Help: "Total number of sealed HNSW segments created, by collection",
		},
		[]string{"collection"},
	)

	VectorActiveBufferSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strata_vector_active_buffer_size",
			Help: "Live entry count in a collection's active buffer",
		},
		[]string{"collection"},
	)

	// Event log metrics
	EventAppendRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strata_event_append_retries_total",
			Help: "Total number of CAS retries incurred appending events",
		},
	)

	// Branch lifecycle metrics
	BranchTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strata_branch_transitions_total",
			Help: "Total number of branch lifecycle transitions, by resulting status",
		},
		[]string{"to"},
	)

	// Recovery metrics
	RecoveryTxnsReplayed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_recovery_txns_replayed",
			Help: "Number of committed transactions replayed during the last recovery",
		},
	)

	RecoveryIncompleteTxns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "strata_recovery_incomplete_txns",
			Help: "Number of incomplete transactions discarded during the last recovery",
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(AbortsTotal)
	prometheus.MustRegister(ActiveTransactions)
	prometheus.MustRegister(CommitDuration)

	prometheus.MustRegister(WALAppendDuration)
	prometheus.MustRegister(WALFsyncDuration)
	prometheus.MustRegister(WALSegmentsRotatedTotal)

	prometheus.MustRegister(StoreKeys)

	prometheus.MustRegister(VectorSearchDuration)
	prometheus.MustRegister(VectorSegmentsSealed)
	prometheus.MustRegister(VectorActiveBufferSize)

	prometheus.MustRegister(EventAppendRetries)

	prometheus.MustRegister(BranchTransitionsTotal)

	prometheus.MustRegister(RecoveryTxnsReplayed)
	prometheus.MustRegister(RecoveryIncompleteTxns)
}

// Handler returns the Prometheus HTTP handler, exposed by cmd/stratadb for
// operators who want to scrape a running database process.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
