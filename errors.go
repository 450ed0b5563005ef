package fasq

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure scenarios
var (
	// ErrCircuitOpen is returned when a circuit breaker denies a fetch.
	ErrCircuitOpen = errors.New("fasq: circuit open")

	// ErrRateLimited is returned when a fetch is denied by the rate limiter.
	ErrRateLimited = errors.New("fasq: rate limited")

	// ErrQueryDisposed is returned when operating on a disposed query.
	ErrQueryDisposed = errors.New("fasq: query disposed")

	// ErrQueryDisabled is returned when fetching a disabled query.
	ErrQueryDisabled = errors.New("fasq: query disabled")

	// ErrTypeMismatch is returned when a key's cached value or registered
	// query does not match the requested type.
	ErrTypeMismatch = errors.New("fasq: type mismatch for key")

	// ErrNoNextPage is returned by FetchNextPage when no next page parameter
	// can be determined.
	ErrNoNextPage = errors.New("fasq: no next page")

	// ErrSelfDependency is returned when registering a query as its own parent.
	ErrSelfDependency = errors.New("fasq: query cannot depend on itself")

	// ErrCyclicDependency is returned when a dependency edge would create a cycle.
	ErrCyclicDependency = errors.New("fasq: dependency cycle detected")

	// ErrQueueFull is returned when the worker pool queue is at capacity.
	ErrQueueFull = errors.New("fasq: worker queue full")

	// ErrPoolStopped is returned when submitting to a stopped worker pool.
	ErrPoolStopped = errors.New("fasq: worker pool stopped")

	// ErrPoolNotStarted is returned when submitting before Start.
	ErrPoolNotStarted = errors.New("fasq: worker pool not started")

	// ErrStopTimeout is returned when workers do not stop within the timeout.
	ErrStopTimeout = errors.New("fasq: timeout waiting for workers to stop")
)

// Error type names used in EngineError.Type.
const (
	ErrorTypeFetch       = "FetchError"
	ErrorTypeCancelled   = "CancelledError"
	ErrorTypeCircuitOpen = "CircuitOpenError"
	ErrorTypeWorker      = "WorkerError"
	ErrorTypeConfig      = "ConfigurationError"
)

// CircuitOpenError is returned when a breaker denies a fetch. It carries the
// breaker scope so callers can tell which backend is failing. It is never
// retried.
type CircuitOpenError struct {
	Scope    string
	OpenedAt time.Time
}

// Error implements error.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("fasq: circuit open for scope %q (opened %s)", e.Scope, e.OpenedAt.Format(time.RFC3339))
}

// Is reports equivalence to the ErrCircuitOpen sentinel.
func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

// WorkerExecutionError wraps a failure inside the worker pool, either a task
// error or a recovered panic, so pool-side failures stay distinguishable
// from engine errors.
type WorkerExecutionError struct {
	Cause error
}

// Error implements error.
func (e *WorkerExecutionError) Error() string {
	return fmt.Sprintf("fasq: worker task failed: %v", e.Cause)
}

// Unwrap returns the underlying cause.
func (e *WorkerExecutionError) Unwrap() error { return e.Cause }

// EngineError represents an error from the engine with diagnostic context.
type EngineError struct {
	Type       string
	Message    string
	Key        QueryKey
	Attempt    int
	MaxRetries int
	Timestamp  time.Time
	Cause      error
}

// Error implements error interface.
func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Key != "" {
		msg = fmt.Sprintf("[%s] %s", e.Key, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is compares error types for errors.Is.
func (e *EngineError) Is(target error) bool {
	if e == nil {
		return false
	}
	if targetErr, ok := target.(*EngineError); ok {
		return e.Type == targetErr.Type
	}
	return false
}

// IsTransient determines if an error represents a transient failure that
// might succeed on a later attempt. Circuit-open and rate-limit denials are
// transient (the backend may recover); configuration and type errors are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQueueFull) {
		return true
	}
	if errors.Is(err, ErrTypeMismatch) || errors.Is(err, ErrSelfDependency) || errors.Is(err, ErrCyclicDependency) {
		return false
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		switch engineErr.Type {
		case ErrorTypeFetch, ErrorTypeWorker:
			return true
		default:
			return false
		}
	}

	var workerErr *WorkerExecutionError
	return errors.As(err, &workerErr)
}
