/*
Prometheus collectors for the transaction core.

Monitoring surfaces (exporters, HTTP handlers) are left to the embedding
process; this package only defines and registers the collectors the core
updates on its hot paths.
*/
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WALAppends counts records appended to the WAL
	WALAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "wal",
		Name:      "appends_total",
		Help:      "Number of WAL records appended.",
	})
	// WALFlushes counts WAL flush (fsync) calls
	WALFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "wal",
		Name:      "flushes_total",
		Help:      "Number of WAL flushes.",
	})
	// WALFlushSeconds observes fsync latency, which is where commit latency is paid
	WALFlushSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pptxn",
		Subsystem: "wal",
		Name:      "flush_duration_seconds",
		Help:      "Latency of WAL flushes.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
	})
	// Checkpoints counts completed checkpoints
	Checkpoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "wal",
		Name:      "checkpoints_total",
		Help:      "Number of completed checkpoints.",
	})

	// Deadlocks counts deadlock victims
	Deadlocks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "lock",
		Name:      "deadlocks_total",
		Help:      "Number of transactions aborted by the deadlock detector.",
	})
	// LockWaiters tracks transactions currently suspended on a lock queue
	LockWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pptxn",
		Subsystem: "lock",
		Name:      "waiters",
		Help:      "Number of transactions currently waiting for a lock.",
	})

	// SerializationFailures counts SSI commit-time aborts
	SerializationFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "txn",
		Name:      "serialization_failures_total",
		Help:      "Number of serializable transactions aborted by the SSI check.",
	})
	// ActiveTransactions tracks in-progress transactions
	ActiveTransactions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pptxn",
		Subsystem: "txn",
		Name:      "active",
		Help:      "Number of in-progress transactions.",
	})

	// ReplicationLagBytes tracks per-slot WAL bytes not yet confirmed by the standby
	ReplicationLagBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "pptxn",
		Subsystem: "replication",
		Name:      "lag_bytes",
		Help:      "WAL bytes written but not yet confirmed flushed by the slot consumer.",
	}, []string{"slot"})

	// VacuumedVersions counts version slots reclaimed by vacuum
	VacuumedVersions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pptxn",
		Subsystem: "mvcc",
		Name:      "vacuumed_versions_total",
		Help:      "Number of dead row versions reclaimed by vacuum.",
	})
)

// NewWALFlushTimer starts a timer observing into WALFlushSeconds
func NewWALFlushTimer() *prometheus.Timer {
	return prometheus.NewTimer(WALFlushSeconds)
}

// Register registers every collector of the core on the given registerer.
// passing prometheus.DefaultRegisterer is the common case.
func Register(r prometheus.Registerer) {
	r.MustRegister(
		WALAppends,
		WALFlushes,
		WALFlushSeconds,
		Checkpoints,
		Deadlocks,
		LockWaiters,
		SerializationFailures,
		ActiveTransactions,
		ReplicationLagBytes,
		VacuumedVersions,
	)
}
