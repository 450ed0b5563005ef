package fasq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// TaskFunc is one unit of CPU-bound transform work, e.g. parsing a large
// fetched payload.
type TaskFunc func(ctx context.Context) (any, error)

// TaskFuture is the pending result of a submitted task.
type TaskFuture struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the task settles or ctx is done.
func (f *TaskFuture) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done returns a channel closed when the task settles.
func (f *TaskFuture) Done() <-chan struct{} { return f.done }

type workItem struct {
	ctx    context.Context
	fn     TaskFunc
	future *TaskFuture
}

// WorkerPoolStats is a snapshot of pool activity counters.
type WorkerPoolStats struct {
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// WorkerPool is a small fixed-size pool for CPU-bound transform work.
// Tasks queue when all workers are busy; a full queue rejects with
// ErrQueueFull. Worker-side failures (task errors and recovered panics)
// surface as *WorkerExecutionError.
type WorkerPool struct {
	workers   int
	queueSize int
	workChan  chan workItem
	wg        sync.WaitGroup
	metrics   *MetricsCollector

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted int64
	processed int64
	failed    int64
	dropped   int64
}

// NewWorkerPool creates a pool with the given worker count and queue size,
// applying defaults for non-positive values.
func NewWorkerPool(workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		workChan:  make(chan workItem, queueSize),
	}
}

// Start launches the workers. Starting twice is a no-op.
func (p *WorkerPool) Start() {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop closes the queue and waits for workers to drain it, up to timeout.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Submit queues a task and returns its future. ErrQueueFull is returned
// when all workers are busy and the queue is at capacity.
func (p *WorkerPool) Submit(ctx context.Context, fn TaskFunc) (*TaskFuture, error) {
	p.lifecycleMu.Lock()
	if p.stopped {
		p.lifecycleMu.Unlock()
		return nil, ErrPoolStopped
	}
	if !p.started {
		p.lifecycleMu.Unlock()
		return nil, ErrPoolNotStarted
	}
	p.lifecycleMu.Unlock()

	future := &TaskFuture{done: make(chan struct{})}
	select {
	case p.workChan <- workItem{ctx: ctx, fn: fn, future: future}:
		atomic.AddInt64(&p.submitted, 1)
		p.metrics.SetWorkerQueueDepth(len(p.workChan))
		return future, nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return nil, ErrQueueFull
	}
}

// Execute submits a task and waits for its result.
func (p *WorkerPool) Execute(ctx context.Context, fn TaskFunc) (any, error) {
	future, err := p.Submit(ctx, fn)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// Stats returns a snapshot of the pool's counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	return WorkerPoolStats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Failed:    atomic.LoadInt64(&p.failed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for item := range p.workChan {
		p.metrics.SetWorkerQueueDepth(len(p.workChan))
		result, err := p.runTask(item)
		item.future.result = result
		item.future.err = err
		close(item.future.done)

		atomic.AddInt64(&p.processed, 1)
		if err != nil {
			atomic.AddInt64(&p.failed, 1)
		}
		p.metrics.RecordWorkerTask(err == nil)
	}
}

// runTask executes one task, converting panics and task errors into
// *WorkerExecutionError so pool-side failures stay distinguishable.
func (p *WorkerPool) runTask(item workItem) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &WorkerExecutionError{Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	if ctxErr := item.ctx.Err(); ctxErr != nil {
		return nil, &WorkerExecutionError{Cause: ctxErr}
	}
	result, taskErr := item.fn(item.ctx)
	if taskErr != nil {
		return nil, &WorkerExecutionError{Cause: taskErr}
	}
	return result, nil
}
