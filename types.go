package fasq

import (
	"context"
	"time"
)

// QueryKey uniquely names one cacheable fetch. Keys compare structurally;
// use KeyOf to build deterministic keys from multiple segments.
type QueryKey string

// FetchFunc produces the data for a query. It is supplied by the caller and
// must honor ctx cancellation; the engine cancels ctx when a newer fetch
// supersedes the attempt or the query is disposed.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Status represents the lifecycle state of a query.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusSuccess
	StatusError
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// QueryState is a snapshot of a query's observable state. IsFetching is
// distinct from StatusLoading: a background refetch of already-cached data
// keeps Data and StatusSuccess visible while IsFetching is true.
type QueryState[T any] struct {
	Status     Status
	Data       T
	Err        error
	IsFetching bool
	UpdatedAt  time.Time
}

// HasData reports whether the state carries successfully fetched data.
func (s QueryState[T]) HasData() bool { return s.Status == StatusSuccess }

// HasError reports whether the last settled fetch failed.
func (s QueryState[T]) HasError() bool { return s.Err != nil }

// EvictionPolicy selects the cache eviction strategy at construction time.
type EvictionPolicy int

const (
	// EvictLRU evicts the least-recently-accessed entry.
	EvictLRU EvictionPolicy = iota
	// EvictLFU evicts the least-frequently-accessed entry.
	EvictLFU
	// EvictFIFO evicts the oldest-inserted entry.
	EvictFIFO
)

// String returns the policy name.
func (p EvictionPolicy) String() string {
	switch p {
	case EvictLRU:
		return "lru"
	case EvictLFU:
		return "lfu"
	case EvictFIFO:
		return "fifo"
	default:
		return "unknown"
	}
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns a human-readable state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrorMatcher classifies errors, e.g. for a breaker's ignored error set.
type ErrorMatcher func(err error) bool

// CircuitBreakerConfig holds circuit breaker configuration. Zero values are
// replaced with defaults at construction.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive recorded failures that
	// trips a closed breaker (default 5).
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before admitting a
	// half-open probe (default 60s).
	ResetTimeout time.Duration
	// SuccessThreshold is the number of recorded successes that close a
	// half-open breaker (default 2).
	SuccessThreshold int
	// IgnoredErrors lists matchers for errors that must not count as breaker
	// failures (e.g. validation errors from the backend).
	IgnoredErrors []ErrorMatcher
	// OnOpen, if set, is invoked exactly once per transition into the open
	// state with the breaker scope and the open timestamp.
	OnOpen func(scope string, openedAt time.Time)
}

// BreakerStats is a read-only snapshot of a breaker's counters.
type BreakerStats struct {
	Failures      int
	Successes     int
	LastFailureAt time.Time
}

// FetchFailure describes one surfaced fetch failure (retries exhausted).
type FetchFailure struct {
	Key      QueryKey
	Err      error
	Attempts int
	Duration time.Duration
	At       time.Time
}

// ErrorReporter receives surfaced fetch failures. Reporters must not be
// required for correctness; a panicking reporter does not block the others.
type ErrorReporter interface {
	Report(failure FetchFailure)
}

// ErrorReporterFunc adapts a function to the ErrorReporter interface.
type ErrorReporterFunc func(failure FetchFailure)

// Report implements ErrorReporter.
func (f ErrorReporterFunc) Report(failure FetchFailure) { f(failure) }

// OfflineMutation is one queued mutation attempted while offline.
type OfflineMutation struct {
	ID           string    `db:"id" msgpack:"id"`
	Key          QueryKey  `db:"query_key" msgpack:"key"`
	MutationType string    `db:"mutation_type" msgpack:"mutationType"`
	Variables    any       `db:"-" msgpack:"variables"`
	CreatedAt    time.Time `db:"created_at" msgpack:"createdAt"`
	Attempts     int       `db:"attempts" msgpack:"attempts"`
	LastError    string    `db:"last_error" msgpack:"lastError"`
}

// QueueStore persists offline mutations durably. Save replaces the full
// entry list; Load returns it in FIFO order.
type QueueStore interface {
	Save(ctx context.Context, entries []OfflineMutation) error
	Load(ctx context.Context) ([]OfflineMutation, error)
}

// MutationHandler executes one queued mutation during replay.
type MutationHandler func(ctx context.Context, m OfflineMutation) error

// Option configures a Client.
type Option func(*Client)

// QueryOption configures a single query.
type QueryOption func(*queryConfig)
