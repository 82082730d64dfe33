// Package obsmetrics declares the prometheus instrumentation shared by the
// record store, the capped eviction engine, the size storer and the
// delete-range optimizer. Modeled directly on the teacher's
// index_manager.go metric vars (ReindexTaskCount, ReindexDuration, ...):
// one CounterVec per discrete event, one GaugeVec per live backlog size,
// one HistogramVec per latency we care to bucket.
package obsmetrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CappedEvictions counts eviction batches run by deleteAsNeeded, by
	// collection ident and outcome ("ok", "conflict").
	CappedEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokumxse",
		Subsystem: "capped",
		Name:      "evictions_total",
	}, []string{"ident", "outcome"})

	// CappedEvictionDocsRemoved counts documents removed by eviction.
	CappedEvictionDocsRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokumxse",
		Subsystem: "capped",
		Name:      "eviction_docs_removed_total",
	}, []string{"ident"})

	// CappedEvictionDuration buckets how long a single deleteAsNeeded
	// pass took, to catch the "stop after 4s" adaptive cutoff firing.
	CappedEvictionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tokumxse",
		Subsystem: "capped",
		Name:      "eviction_duration_seconds",
		Buckets:   []float64{.001, .01, .1, .5, 1, 2, 4, 8},
	}, []string{"ident"})

	// SizeStorerFlushes counts size-storer background flush cycles.
	SizeStorerFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokumxse",
		Subsystem: "sizestorer",
		Name:      "flushes_total",
	}, []string{"outcome"})

	// SizeStorerDirtyEntries gauges the number of idents currently
	// awaiting flush.
	SizeStorerDirtyEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tokumxse",
		Subsystem: "sizestorer",
		Name:      "dirty_entries",
	})

	// DeleteOptBacklogBytes gauges the delete-range optimizer's
	// optimizableSize backlog, the same quantity the optimizer blocks
	// evictors on once it crosses the high watermark.
	DeleteOptBacklogBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokumxse",
		Subsystem: "deleteopt",
		Name:      "optimizable_bytes",
	}, []string{"ident"})

	// DeleteOptBackpressureStalls counts how often an evictor blocked
	// waiting for optimizableSize to drain below the low watermark.
	DeleteOptBackpressureStalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokumxse",
		Subsystem: "deleteopt",
		Name:      "backpressure_stalls_total",
	}, []string{"ident"})

	// VisibilityUncommitted gauges the live size of a capped collection's
	// uncommitted-id set.
	VisibilityUncommitted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tokumxse",
		Subsystem: "visibility",
		Name:      "uncommitted_ids",
	}, []string{"ident"})

	// RecoveryUnitWriteConflicts counts write conflicts observed while a
	// unit of work was active, by the op that raised them.
	RecoveryUnitWriteConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tokumxse",
		Subsystem: "recovery",
		Name:      "write_conflicts_total",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(
		CappedEvictions,
		CappedEvictionDocsRemoved,
		CappedEvictionDuration,
		SizeStorerFlushes,
		SizeStorerDirtyEntries,
		DeleteOptBacklogBytes,
		DeleteOptBackpressureStalls,
		VisibilityUncommitted,
		RecoveryUnitWriteConflicts,
	)
}
