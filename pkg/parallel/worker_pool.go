// Package parallel runs background tasks spawned by committed transactions.
package parallel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/graphstore/pkg/logging"
)

// Task is a unit of background work.
type Task func(ctx context.Context) error

// WorkerPool manages a pool of worker goroutines
type WorkerPool struct {
	workers   int
	taskQueue chan namedTask
	wg        sync.WaitGroup
	pending   sync.WaitGroup
	once      sync.Once
	mu        sync.RWMutex // Protects taskQueue from concurrent close during send
	closed    bool         // Protected by mu
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logging.Logger

	completed atomic.Int64
	failed    atomic.Int64
}

type namedTask struct {
	name string
	fn   Task
}

// ErrTooManyWorkers is returned when the worker count exceeds the maximum allowed.
var ErrTooManyWorkers = fmt.Errorf("worker count exceeds maximum")

// MaxWorkers is the maximum number of workers allowed in a pool.
const MaxWorkers = 4096

// NewWorkerPool creates a new worker pool with specified number of workers.
// Returns an error if the worker count exceeds MaxWorkers.
func NewWorkerPool(workers int, logger logging.Logger) (*WorkerPool, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyWorkers, workers, MaxWorkers)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		workers:   workers,
		taskQueue: make(chan namedTask, workers*2), // Buffer for 2x workers
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(logging.Component("workers")),
	}

	pool.start()
	return pool, nil
}

// start initializes the worker goroutines
func (wp *WorkerPool) start() {
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for task := range wp.taskQueue {
		wp.run(task)
	}
}

func (wp *WorkerPool) run(task namedTask) {
	defer wp.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			wp.failed.Add(1)
			wp.logger.Error("task panicked",
				logging.String("task", task.name),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
		}
	}()

	if err := task.fn(wp.ctx); err != nil {
		wp.failed.Add(1)
		wp.logger.Warn("task failed", logging.String("task", task.name), logging.Error(err))
		return
	}
	wp.completed.Add(1)
}

// Submit adds a task to the worker pool. It blocks while the queue is full.
// Returns false if the pool is closed.
func (wp *WorkerPool) Submit(name string, task Task) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if wp.closed {
		return false
	}

	wp.pending.Add(1)
	wp.taskQueue <- namedTask{name: name, fn: task}
	return true
}

// Drain waits until every submitted task has finished, leaving the pool open.
func (wp *WorkerPool) Drain() {
	wp.pending.Wait()
}

// Stats returns how many tasks completed and failed.
func (wp *WorkerPool) Stats() (completed, failed int64) {
	return wp.completed.Load(), wp.failed.Load()
}

// Close stops accepting tasks, runs what is queued and waits for the
// workers.
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
	})
	wp.wg.Wait()
	wp.cancel()
}
