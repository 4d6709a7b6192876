package util

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Task represents a unit of work to be executed
type Task func()

// WorkerPool manages a fixed pool of goroutines for concurrent task execution.
// The audio mixer uses a small pool so a burst of spatialization work never
// spawns unbounded goroutines on the routing path. A stopped pool may be
// started again; each cycle gets fresh workers.
type WorkerPool struct {
	workers   int
	taskQueue chan Task
	wg        sync.WaitGroup
	logger    *logrus.Logger
	stats     PoolStats

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// PoolStats tracks pool performance counters
type PoolStats struct {
	TasksSubmitted int64
	TasksCompleted int64
	TasksDropped   int64
}

// NewWorkerPool creates a pool with the given number of workers and queue size
func NewWorkerPool(workers, queueSize int, logger *logrus.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = workers * 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workers:   workers,
		taskQueue: make(chan Task, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the worker goroutines
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	if wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = true
	if wp.ctx.Err() != nil {
		wp.ctx, wp.cancel = context.WithCancel(context.Background())
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

// Submit adds a task to the pool. It never blocks; when the queue is full the
// task is dropped and false is returned, matching the lossy design of the
// audio path. Submitting to a stopped pool also returns false.
func (wp *WorkerPool) Submit(task Task) bool {
	if task == nil {
		return false
	}

	wp.mu.Lock()
	stopped := wp.ctx.Err() != nil
	wp.mu.Unlock()
	if stopped {
		return false
	}

	select {
	case wp.taskQueue <- task:
		atomic.AddInt64(&wp.stats.TasksSubmitted, 1)
		return true
	default:
		atomic.AddInt64(&wp.stats.TasksDropped, 1)
		return false
	}
}

func (wp *WorkerPool) worker(ctx context.Context) {
	defer wp.wg.Done()

	for {
		select {
		case task := <-wp.taskQueue:
			if task == nil {
				continue
			}
			wp.runTask(task)
		case <-ctx.Done():
			return
		}
	}
}

func (wp *WorkerPool) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil && wp.logger != nil {
			wp.logger.WithField("recover", r).Error("Recovered from panic in worker pool task")
		}
	}()

	task()
	atomic.AddInt64(&wp.stats.TasksCompleted, 1)
}

// Stats returns a snapshot of the pool counters
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		TasksSubmitted: atomic.LoadInt64(&wp.stats.TasksSubmitted),
		TasksCompleted: atomic.LoadInt64(&wp.stats.TasksCompleted),
		TasksDropped:   atomic.LoadInt64(&wp.stats.TasksDropped),
	}
}

// Stop shuts the pool down and waits for in-flight tasks to finish
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.started {
		wp.mu.Unlock()
		return
	}
	wp.started = false
	wp.cancel()
	wp.mu.Unlock()

	wp.wg.Wait()
}
