package fasq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestPool(t *testing.T, workers, queueSize int) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(workers, queueSize)
	pool.Start()
	t.Cleanup(func() { _ = pool.Stop(time.Second) })
	return pool
}

func TestExecuteReturnsResult(t *testing.T) {
	pool := newTestPool(t, 2, 4)

	result, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("Expected 42, got %v", result)
	}
}

func TestTaskErrorWrappedAsExecutionError(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	taskErr := errors.New("parse failed")
	_, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return nil, taskErr
	})

	var execErr *WorkerExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *WorkerExecutionError, got %v", err)
	}
	if !errors.Is(err, taskErr) {
		t.Errorf("Expected cause preserved, got %v", execErr.Cause)
	}
}

func TestPanicRecoveredAsExecutionError(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	_, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
		panic("transform bug")
	})

	var execErr *WorkerExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("Expected *WorkerExecutionError from panic, got %v", err)
	}

	// The pool survives the panic.
	result, err := pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
		return "still alive", nil
	})
	if err != nil || result != "still alive" {
		t.Errorf("Expected pool to keep working after a panic, got %v, %v", result, err)
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	pool := newTestPool(t, 1, 1)

	release := make(chan struct{})
	block := func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}

	// Occupy the single worker, then fill the queue.
	busy, err := pool.Submit(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}
	waitForBusyWorker(t, pool)
	queued, err := pool.Submit(context.Background(), block)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := pool.Submit(context.Background(), block); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	if _, err := busy.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := queued.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	stats := pool.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Expected 1 dropped task, got %d", stats.Dropped)
	}
	if stats.Submitted != 2 {
		t.Errorf("Expected 2 submitted tasks, got %d", stats.Submitted)
	}
}

func TestSubmitLifecycleErrors(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	if _, err := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrPoolNotStarted) {
		t.Errorf("Expected ErrPoolNotStarted, got %v", err)
	}

	pool.Start()
	if err := pool.Stop(time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Expected ErrPoolStopped, got %v", err)
	}
}

func TestCancelledContextSkipsTask(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	future, err := pool.Submit(ctx, func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = future.Wait(context.Background())
	var execErr *WorkerExecutionError
	if !errors.As(err, &execErr) || !errors.Is(execErr.Cause, context.Canceled) {
		t.Errorf("Expected cancellation wrapped, got %v", err)
	}
	if ran {
		t.Error("Expected task skipped for a cancelled context")
	}
}

func TestWaitHonorsWaiterContext(t *testing.T) {
	pool := newTestPool(t, 1, 4)

	release := make(chan struct{})
	defer close(release)
	future, err := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := future.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestConcurrentExecutions(t *testing.T) {
	pool := newTestPool(t, 4, 64)

	const tasks = 32
	var wg sync.WaitGroup
	results := make([]any, tasks)
	for i := 0; i < tasks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = pool.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return i * 2, nil
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < tasks; i++ {
		if results[i] != i*2 {
			t.Errorf("Task %d: expected %d, got %v", i, i*2, results[i])
		}
	}
	stats := pool.Stats()
	if stats.Processed != tasks {
		t.Errorf("Expected %d processed, got %d", tasks, stats.Processed)
	}
	if stats.Failed != 0 {
		t.Errorf("Expected no failures, got %d", stats.Failed)
	}
}

func TestStopTimesOutOnStuckWorker(t *testing.T) {
	pool := NewWorkerPool(1, 1)
	pool.Start()

	release := make(chan struct{})
	if _, err := pool.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-release
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	waitForBusyWorker(t, pool)

	if err := pool.Stop(20 * time.Millisecond); !errors.Is(err, ErrStopTimeout) {
		t.Errorf("Expected ErrStopTimeout, got %v", err)
	}
	close(release)
}

// waitForBusyWorker blocks until the single queued item has been picked up,
// so subsequent submits exercise the queue rather than the worker.
func waitForBusyWorker(t *testing.T, pool *WorkerPool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for len(pool.workChan) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("Worker never picked up the task")
		}
		time.Sleep(time.Millisecond)
	}
}
