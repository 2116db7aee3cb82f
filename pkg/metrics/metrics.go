// Package metrics exposes the engine's prometheus metrics. Each store owns a
// Registry; DefaultRegistry is shared by stores that are not given one.
package metrics

import (
	"runtime"
	"time"
)

// Transaction statuses.
const (
	StatusCommitted  = "committed"
	StatusRolledBack = "rolled_back"
	StatusFatal      = "fatal"
	StatusNoop       = "noop"
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusSkipped    = "skipped"
	StatusTimeout    = "timeout"
)

// RecordTransaction records one Execute call.
func (r *Registry) RecordTransaction(status string, nodeActions, relationActions int, duration time.Duration) {
	r.TransactionsTotal.WithLabelValues(status).Inc()
	if status == StatusNoop {
		return
	}
	r.TransactionDuration.Observe(duration.Seconds())
	if status == StatusCommitted {
		r.ActionsTotal.WithLabelValues("node").Add(float64(nodeActions))
		r.ActionsTotal.WithLabelValues("relation").Add(float64(relationActions))
	}
}

// RecordFlush records a WAL flush. Empty flushes are not counted.
func (r *Registry) RecordFlush(bytes int64, duration time.Duration, err error) {
	if err != nil {
		r.WALFlushesTotal.WithLabelValues(StatusError).Inc()
		return
	}
	if bytes == 0 {
		return
	}
	r.WALFlushesTotal.WithLabelValues(StatusSuccess).Inc()
	r.WALFlushBytesTotal.Add(float64(bytes))
	r.WALFlushDuration.Observe(duration.Seconds())
}

// RecordSnapshotSave records a SaveIndexStates outcome. size is ignored
// unless status is StatusSuccess.
func (r *Registry) RecordSnapshotSave(status string, size int64) {
	r.SnapshotSavesTotal.WithLabelValues(status).Inc()
	if status == StatusSuccess {
		r.SnapshotSizeBytes.Set(float64(size))
	}
}

// RecordRecovery records a completed open.
func (r *Registry) RecordRecovery(duration time.Duration, replayedActions int64, rebuilt bool) {
	r.RecoveryDuration.Observe(duration.Seconds())
	r.RecoveryReplayedActions.Add(float64(replayedActions))
	if rebuilt {
		r.RecoveryRebuildsTotal.Inc()
	}
}

// RecordCompaction records a rewrite. hotSwap is zero when no swap ran.
func (r *Registry) RecordCompaction(status string, copyPhase, hotSwap, total time.Duration) {
	r.CompactionsTotal.WithLabelValues(status).Inc()
	if status != StatusSuccess {
		return
	}
	r.CompactionDuration.WithLabelValues("copy").Observe(copyPhase.Seconds())
	if hotSwap > 0 {
		r.CompactionDuration.WithLabelValues("hot_swap").Observe(hotSwap.Seconds())
	}
	r.CompactionDuration.WithLabelValues("total").Observe(total.Seconds())
}

// RecordMaintenanceStep records one maintenance step.
func (r *Registry) RecordMaintenanceStep(step string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	r.MaintenanceStepsTotal.WithLabelValues(step, status).Inc()
}

// RecordLockWait records a contended lock request.
func (r *Registry) RecordLockWait(wait time.Duration, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusTimeout
	}
	r.LockWaitsTotal.WithLabelValues(status).Inc()
	r.LockWaitDuration.Observe(wait.Seconds())
}

// RecordGateWait records the time spent acquiring the gate.
func (r *Registry) RecordGateWait(write bool, wait time.Duration) {
	mode := "read"
	if write {
		mode = "write"
	}
	r.GateWaitDuration.WithLabelValues(mode).Observe(wait.Seconds())
}

// StorageSample is a point-in-time view of store sizes.
type StorageSample struct {
	Nodes        int
	Relations    int
	CacheEntries int
	Truncatable  int64
	WALSize      int64
	QueuedBytes  int64
	ActiveLocks  int
	State        int
}

// UpdateStorageMetrics sets the size gauges from s.
func (r *Registry) UpdateStorageMetrics(s StorageSample) {
	r.StorageNodesTotal.Set(float64(s.Nodes))
	r.StorageRelationsTotal.Set(float64(s.Relations))
	r.NodeCacheEntries.Set(float64(s.CacheEntries))
	r.WALTruncatableTotal.Set(float64(s.Truncatable))
	r.WALSizeBytes.Set(float64(s.WALSize))
	r.WALQueuedBytes.Set(float64(s.QueuedBytes))
	r.LocksActive.Set(float64(s.ActiveLocks))
	r.StoreState.Set(float64(s.State))
}

// UpdateSystemMetrics samples the Go runtime.
func (r *Registry) UpdateSystemMetrics() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.UptimeSeconds.Set(time.Since(r.started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
	r.MemorySysBytes.Set(float64(mem.Sys))
}
