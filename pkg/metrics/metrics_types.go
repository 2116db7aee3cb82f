package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the engine
type Registry struct {
	// Transaction Metrics
	TransactionsTotal   *prometheus.CounterVec
	TransactionDuration prometheus.Histogram
	ActionsTotal        *prometheus.CounterVec
	StoreState          prometheus.Gauge

	// WAL Metrics
	WALFlushesTotal      *prometheus.CounterVec
	WALFlushBytesTotal   prometheus.Counter
	WALFlushDuration     prometheus.Histogram
	WALSizeBytes         prometheus.Gauge
	WALQueuedBytes       prometheus.Gauge
	WALSegmentDiskReads  prometheus.Counter
	WALTruncatableTotal  prometheus.Gauge

	// Snapshot / Recovery Metrics
	SnapshotSavesTotal      *prometheus.CounterVec
	SnapshotSizeBytes       prometheus.Gauge
	RecoveryDuration        prometheus.Histogram
	RecoveryReplayedActions prometheus.Counter
	RecoveryRebuildsTotal   prometheus.Counter

	// Compaction Metrics
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration *prometheus.HistogramVec

	// Maintenance Metrics
	MaintenanceStepsTotal *prometheus.CounterVec

	// Lock & Gate Metrics
	LockWaitsTotal   *prometheus.CounterVec
	LockWaitDuration prometheus.Histogram
	LocksActive      prometheus.Gauge
	GateWaitDuration *prometheus.HistogramVec

	// Storage Metrics
	StorageNodesTotal     prometheus.Gauge
	StorageRelationsTotal prometheus.Gauge
	NodeCacheEntries      prometheus.Gauge

	// System Metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge
	MemorySysBytes   prometheus.Gauge

	started  time.Time
	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		started:  time.Now(),
	}

	r.initTransactionMetrics()
	r.initWALMetrics()
	r.initSnapshotMetrics()
	r.initCompactionMetrics()
	r.initLockMetrics()
	r.initStorageMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
