package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	var metric dto.Metric
	if err := o.(prometheus.Histogram).Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Histogram.GetSampleCount()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.TransactionsTotal == nil {
		t.Error("TransactionsTotal not initialized")
	}
	if r.WALFlushDuration == nil {
		t.Error("WALFlushDuration not initialized")
	}
	if r.CompactionsTotal == nil {
		t.Error("CompactionsTotal not initialized")
	}
	if r.registry == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	r1 := DefaultRegistry()
	r2 := DefaultRegistry()

	if r1 != r2 {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

func TestRecordTransaction(t *testing.T) {
	r := NewRegistry()

	r.RecordTransaction(StatusCommitted, 3, 2, time.Millisecond)
	r.RecordTransaction(StatusCommitted, 1, 0, time.Millisecond)
	r.RecordTransaction(StatusRolledBack, 5, 5, time.Millisecond)
	r.RecordTransaction(StatusNoop, 0, 0, 0)

	if v := counterValue(t, r.TransactionsTotal.WithLabelValues(StatusCommitted)); v != 2 {
		t.Errorf("committed = %v, want 2", v)
	}
	if v := counterValue(t, r.TransactionsTotal.WithLabelValues(StatusRolledBack)); v != 1 {
		t.Errorf("rolled_back = %v, want 1", v)
	}
	if v := counterValue(t, r.ActionsTotal.WithLabelValues("node")); v != 4 {
		t.Errorf("node actions = %v, want 4 (rolled back actions are not counted)", v)
	}
	if v := counterValue(t, r.ActionsTotal.WithLabelValues("relation")); v != 2 {
		t.Errorf("relation actions = %v, want 2", v)
	}
	if n := histogramCount(t, r.TransactionDuration); n != 3 {
		t.Errorf("duration samples = %d, want 3 (noops are not timed)", n)
	}
}

func TestRecordFlush(t *testing.T) {
	r := NewRegistry()

	r.RecordFlush(0, 0, nil)
	r.RecordFlush(512, time.Millisecond, nil)
	r.RecordFlush(0, 0, errors.New("disk full"))

	if v := counterValue(t, r.WALFlushesTotal.WithLabelValues(StatusSuccess)); v != 1 {
		t.Errorf("successful flushes = %v, want 1", v)
	}
	if v := counterValue(t, r.WALFlushesTotal.WithLabelValues(StatusError)); v != 1 {
		t.Errorf("failed flushes = %v, want 1", v)
	}
	if v := counterValue(t, r.WALFlushBytesTotal); v != 512 {
		t.Errorf("flushed bytes = %v, want 512", v)
	}
}

func TestRecordSnapshotAndRecovery(t *testing.T) {
	r := NewRegistry()

	r.RecordSnapshotSave(StatusSuccess, 4096)
	r.RecordSnapshotSave(StatusSkipped, 0)
	r.RecordRecovery(50*time.Millisecond, 120, true)

	if v := gaugeValue(t, r.SnapshotSizeBytes); v != 4096 {
		t.Errorf("snapshot size = %v, want 4096", v)
	}
	if v := counterValue(t, r.SnapshotSavesTotal.WithLabelValues(StatusSkipped)); v != 1 {
		t.Errorf("skipped saves = %v, want 1", v)
	}
	if v := counterValue(t, r.RecoveryReplayedActions); v != 120 {
		t.Errorf("replayed = %v, want 120", v)
	}
	if v := counterValue(t, r.RecoveryRebuildsTotal); v != 1 {
		t.Errorf("rebuilds = %v, want 1", v)
	}
}

func TestRecordCompaction(t *testing.T) {
	r := NewRegistry()

	r.RecordCompaction(StatusSuccess, time.Second, 5*time.Millisecond, 2*time.Second)
	r.RecordCompaction(StatusSuccess, time.Second, 0, time.Second)
	r.RecordCompaction(StatusError, 0, 0, 0)

	if n := histogramCount(t, r.CompactionDuration.WithLabelValues("hot_swap")); n != 1 {
		t.Errorf("hot swap samples = %d, want 1", n)
	}
	if n := histogramCount(t, r.CompactionDuration.WithLabelValues("total")); n != 2 {
		t.Errorf("total samples = %d, want 2", n)
	}
	if v := counterValue(t, r.CompactionsTotal.WithLabelValues(StatusError)); v != 1 {
		t.Errorf("failed compactions = %v, want 1", v)
	}
}

func TestLockAndGateMetrics(t *testing.T) {
	r := NewRegistry()

	r.RecordLockWait(10*time.Millisecond, nil)
	r.RecordLockWait(time.Second, errors.New("timeout"))
	r.RecordGateWait(true, time.Microsecond)
	r.RecordGateWait(false, time.Microsecond)
	r.RecordGateWait(false, time.Microsecond)

	if v := counterValue(t, r.LockWaitsTotal.WithLabelValues(StatusTimeout)); v != 1 {
		t.Errorf("lock timeouts = %v, want 1", v)
	}
	if n := histogramCount(t, r.GateWaitDuration.WithLabelValues("read")); n != 2 {
		t.Errorf("read gate samples = %d, want 2", n)
	}
}

func TestGaugeMetrics(t *testing.T) {
	r := NewRegistry()
	r.UpdateStorageMetrics(StorageSample{
		Nodes:       10,
		Relations:   7,
		Truncatable: 3,
		WALSize:     1 << 20,
		ActiveLocks: 2,
		State:       2,
	})

	tests := []struct {
		name     string
		gauge    prometheus.Gauge
		expected float64
	}{
		{"StorageNodesTotal", r.StorageNodesTotal, 10},
		{"StorageRelationsTotal", r.StorageRelationsTotal, 7},
		{"WALTruncatableTotal", r.WALTruncatableTotal, 3},
		{"WALSizeBytes", r.WALSizeBytes, 1 << 20},
		{"LocksActive", r.LocksActive, 2},
		{"StoreState", r.StoreState, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v := gaugeValue(t, tt.gauge); v != tt.expected {
				t.Errorf("%s = %v, want %v", tt.name, v, tt.expected)
			}
		})
	}
}

func TestSystemMetrics(t *testing.T) {
	r := NewRegistry()
	r.UpdateSystemMetrics()

	if v := gaugeValue(t, r.GoRoutines); v < 1 {
		t.Errorf("GoRoutines = %v, want >= 1", v)
	}
	if v := gaugeValue(t, r.MemorySysBytes); v <= 0 {
		t.Errorf("MemorySysBytes = %v, want > 0", v)
	}
}

func TestConcurrentMetricUpdates(t *testing.T) {
	r := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				r.RecordTransaction(StatusCommitted, 1, 0, time.Microsecond)
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	if v := counterValue(t, r.TransactionsTotal.WithLabelValues(StatusCommitted)); v != 1000 {
		t.Errorf("Counter = %v, want 1000", v)
	}
}

func TestMetricNaming(t *testing.T) {
	r := NewRegistry()
	// Vectors only appear in Gather once a label set exists.
	r.RecordTransaction(StatusCommitted, 1, 1, time.Millisecond)

	metrics, err := r.GetPrometheusRegistry().Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	names := make(map[string]bool)
	for _, m := range metrics {
		name := m.GetName()
		names[name] = true
		if !strings.HasPrefix(name, "graphstore_") {
			t.Errorf("Metric %s does not have graphstore_ prefix", name)
		}
	}
	for _, expected := range []string{"graphstore_transactions_total", "graphstore_wal_size_bytes", "graphstore_uptime_seconds"} {
		if !names[expected] {
			t.Errorf("Expected metric %s not found", expected)
		}
	}
}

func BenchmarkRecordTransaction(b *testing.B) {
	r := NewRegistry()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.RecordTransaction(StatusCommitted, 2, 1, time.Millisecond)
	}
}
