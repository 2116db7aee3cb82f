package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initWALMetrics() {
	r.WALFlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_wal_flushes_total",
			Help: "WAL flushes that wrote data, by status",
		},
		[]string{"status"},
	)

	r.WALFlushBytesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_wal_flush_bytes_total",
			Help: "Bytes written to the WAL",
		},
	)

	r.WALFlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphstore_wal_flush_duration_seconds",
			Help:    "WAL write plus fsync latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
	)

	r.WALSizeBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_wal_size_bytes",
			Help: "Durable size of the current WAL file",
		},
	)

	r.WALQueuedBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_wal_queued_bytes",
			Help: "Bytes queued for the next WAL flush",
		},
	)

	r.WALSegmentDiskReads = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_wal_segment_disk_reads_total",
			Help: "Disk reads issued for node payload segments",
		},
	)

	r.WALTruncatableTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_wal_truncatable_actions",
			Help: "Logged actions a rewrite would drop",
		},
	)
}

func (r *Registry) initSnapshotMetrics() {
	r.SnapshotSavesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_snapshot_saves_total",
			Help: "Index state saves, by status (saved, skipped, error)",
		},
		[]string{"status"},
	)

	r.SnapshotSizeBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_snapshot_size_bytes",
			Help: "Size of the last saved state snapshot",
		},
	)

	r.RecoveryDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphstore_recovery_duration_seconds",
			Help:    "Time to load state and replay the WAL on open",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	r.RecoveryReplayedActions = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_recovery_replayed_actions_total",
			Help: "Actions replayed from the WAL during recovery",
		},
	)

	r.RecoveryRebuildsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "graphstore_recovery_rebuilds_total",
			Help: "Recoveries that discarded the snapshot and replayed the whole WAL",
		},
	)
}

func (r *Registry) initCompactionMetrics() {
	r.CompactionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_compactions_total",
			Help: "WAL rewrites, by status",
		},
		[]string{"status"},
	)

	r.CompactionDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphstore_compaction_duration_seconds",
			Help:    "WAL rewrite duration by phase (copy, hot_swap, total)",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"phase"},
	)

	r.MaintenanceStepsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_maintenance_steps_total",
			Help: "Maintenance steps run, by step and status",
		},
		[]string{"step", "status"},
	)
}

func (r *Registry) initLockMetrics() {
	r.LockWaitsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphstore_lock_waits_total",
			Help: "Contended node lock requests, by result",
		},
		[]string{"status"},
	)

	r.LockWaitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "graphstore_lock_wait_duration_seconds",
			Help:    "Time contended node lock requests waited",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
	)

	r.LocksActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "graphstore_locks_active",
			Help: "Node locks currently held",
		},
	)

	r.GateWaitDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphstore_gate_wait_duration_seconds",
			Help:    "Time spent acquiring the concurrency gate, by mode",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"mode"},
	)
}
