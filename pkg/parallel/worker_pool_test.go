package parallel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dd0wney/graphstore/pkg/logging"
)

func newPool(t *testing.T, workers int) *WorkerPool {
	t.Helper()
	pool, err := NewWorkerPool(workers, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("NewWorkerPool: %v", err)
	}
	return pool
}

// TestWorkerPoolBasicOperations tests basic worker pool functionality
func TestWorkerPoolBasicOperations(t *testing.T) {
	pool := newPool(t, 4)

	var executed atomic.Bool
	if !pool.Submit("basic", func(context.Context) error {
		executed.Store(true)
		return nil
	}) {
		t.Error("Task submission failed")
	}

	pool.Close()

	if !executed.Load() {
		t.Error("Task was not executed")
	}
	if completed, failed := pool.Stats(); completed != 1 || failed != 0 {
		t.Errorf("Expected 1 completed and 0 failed, got %d and %d", completed, failed)
	}
}

func TestWorkerPoolSizes(t *testing.T) {
	if _, err := NewWorkerPool(MaxWorkers+1, nil); !errors.Is(err, ErrTooManyWorkers) {
		t.Errorf("Expected ErrTooManyWorkers, got %v", err)
	}

	for _, tc := range []struct{ in, want int }{{0, 1}, {-5, 1}, {16, 16}} {
		pool := newPool(t, tc.in)
		if pool.workers != tc.want {
			t.Errorf("NewWorkerPool(%d): expected %d workers, got %d", tc.in, tc.want, pool.workers)
		}
		if cap(pool.taskQueue) != tc.want*2 {
			t.Errorf("Expected buffer capacity %d, got %d", tc.want*2, cap(pool.taskQueue))
		}
		pool.Close()
	}
}

// TestWorkerPoolConcurrentSubmissions tests concurrent task submissions
func TestWorkerPoolConcurrentSubmissions(t *testing.T) {
	pool := newPool(t, 10)
	defer pool.Close()

	numTasks := 100
	var counter int64

	var wg sync.WaitGroup
	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Submit("count", func(context.Context) error {
				atomic.AddInt64(&counter, 1)
				return nil
			})
		}()
	}

	wg.Wait()
	pool.Drain()

	if atomic.LoadInt64(&counter) != int64(numTasks) {
		t.Errorf("Expected counter %d, got %d", numTasks, counter)
	}
}

// TestWorkerPoolCloseRace validates that closing the pool while submitting
// tasks doesn't panic
func TestWorkerPoolCloseRace(t *testing.T) {
	for iteration := 0; iteration < 50; iteration++ {
		pool := newPool(t, 4)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					pool.Submit("sleep", func(context.Context) error {
						time.Sleep(time.Millisecond)
						return nil
					})
				}
			}()
		}

		time.Sleep(2 * time.Millisecond)
		pool.Close()
		wg.Wait()
	}
}

// TestWorkerPoolSubmitAfterClose tests that submissions after close return false
func TestWorkerPoolSubmitAfterClose(t *testing.T) {
	pool := newPool(t, 4)
	pool.Close()
	pool.Close() // safe to repeat

	if pool.Submit("late", func(context.Context) error {
		t.Error("This task should never execute")
		return nil
	}) {
		t.Error("Task submission after close should return false")
	}
}

// TestWorkerPoolFailures tests that errors and panics are counted and don't
// stop the workers
func TestWorkerPoolFailures(t *testing.T) {
	pool := newPool(t, 2)

	var counter int64
	for i := 0; i < 3; i++ {
		pool.Submit("panic", func(context.Context) error {
			panic("intentional panic")
		})
		pool.Submit("error", func(context.Context) error {
			return errors.New("intentional error")
		})
	}
	for i := 0; i < 10; i++ {
		pool.Submit("ok", func(context.Context) error {
			atomic.AddInt64(&counter, 1)
			return nil
		})
	}

	pool.Drain()
	if counter != 10 {
		t.Errorf("Expected counter 10, got %d", counter)
	}
	if completed, failed := pool.Stats(); completed != 10 || failed != 6 {
		t.Errorf("Expected 10 completed and 6 failed, got %d and %d", completed, failed)
	}
	pool.Close()
}

func TestWorkerPoolContextCancelledAfterClose(t *testing.T) {
	pool := newPool(t, 1)
	var seen context.Context
	pool.Submit("capture", func(ctx context.Context) error {
		seen = ctx
		return nil
	})
	pool.Close()

	select {
	case <-seen.Done():
	default:
		t.Error("Expected task context to be cancelled after Close")
	}
}

// BenchmarkWorkerPoolThroughput benchmarks worker pool throughput
func BenchmarkWorkerPoolThroughput(b *testing.B) {
	pool, _ := NewWorkerPool(10, nil)
	defer pool.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Submit("noop", func(context.Context) error { return nil })
	}
	pool.Drain()
}
