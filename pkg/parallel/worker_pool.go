// Package parallel provides the worker pool shared by replication tasks.
package parallel

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-segrep/pkg/logging"
)

// WorkerPool runs submitted tasks on a fixed set of goroutines. The queue is unbounded
// so a task may submit follow-up work without blocking on its own pool.
type WorkerPool struct {
	name    string
	workers int
	logger  logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	active int
	closed bool

	wg   sync.WaitGroup
	once sync.Once
}

// ErrTooManyWorkers is returned when the worker count exceeds the maximum allowed.
var ErrTooManyWorkers = fmt.Errorf("worker count exceeds maximum")

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool closed")

// MaxWorkers is the maximum number of workers allowed in a pool.
const MaxWorkers = 1 << 16

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithName names the pool in log output.
func WithName(name string) Option {
	return func(wp *WorkerPool) { wp.name = name }
}

// WithLogger sets the logger used to report recovered panics.
func WithLogger(logger logging.Logger) Option {
	return func(wp *WorkerPool) { wp.logger = logger }
}

// NewWorkerPool creates a new worker pool with specified number of workers.
// Returns an error if the worker count exceeds MaxWorkers.
func NewWorkerPool(workers int, opts ...Option) (*WorkerPool, error) {
	if workers <= 0 {
		workers = 1
	}
	if workers > MaxWorkers {
		return nil, fmt.Errorf("%w: %d exceeds %d", ErrTooManyWorkers, workers, MaxWorkers)
	}

	pool := &WorkerPool{
		name:    "generic",
		workers: workers,
	}
	for _, opt := range opts {
		opt(pool)
	}
	pool.logger = logging.OrDefault(pool.logger, "worker_pool").With(logging.String("pool", pool.name))
	pool.cond = sync.NewCond(&pool.mu)

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

// worker processes tasks until the pool is closed and drained
func (wp *WorkerPool) worker() {
	defer wp.wg.Done()

	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if len(wp.queue) == 0 {
			wp.mu.Unlock()
			return
		}
		task := wp.queue[0]
		wp.queue[0] = nil
		wp.queue = wp.queue[1:]
		wp.active++
		wp.mu.Unlock()

		wp.run(task)

		wp.mu.Lock()
		wp.active--
		wp.mu.Unlock()
	}
}

func (wp *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("worker panic recovered", logging.Any("panic", r))
		}
	}()
	task()
}

// Submit adds a task to the worker pool
// Returns false if the pool is closed, true if task was submitted
func (wp *WorkerPool) Submit(task func()) bool {
	return wp.TrySubmit(task) == nil
}

// TrySubmit adds a task or returns ErrPoolClosed.
func (wp *WorkerPool) TrySubmit(task func()) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return ErrPoolClosed
	}
	wp.queue = append(wp.queue, task)
	wp.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet started.
func (wp *WorkerPool) Pending() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.queue)
}

// Active returns the number of tasks running right now.
func (wp *WorkerPool) Active() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.active
}

// Workers returns the number of worker goroutines.
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Close stops accepting tasks, runs everything already queued and waits for the workers.
func (wp *WorkerPool) Close() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		wp.cond.Broadcast()
		wp.mu.Unlock()
	})
	wp.wg.Wait()
}

// Wait waits for all submitted tasks to complete
func (wp *WorkerPool) Wait() {
	wp.Close()
}
