package fasq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// queryHandle is the type-erased view of a registered query used by the
// client registry and the dependency graph.
type queryHandle interface {
	Key() QueryKey
	Cancel()
	Dispose()
	Invalidate(ctx context.Context)
	IsDisposed() bool
	setDataAny(data any) bool
}

// queryBase carries the machinery shared between Query and InfiniteQuery:
// identity, configuration, circuit breaker, reference counting and the
// disposal timer. The embedding type's mutex guards its fields.
type queryBase struct {
	key     QueryKey
	client  *Client
	config  queryConfig
	breaker *CircuitBreaker

	refCount      int
	owners        map[string]int
	disposalTimer *time.Timer
	disposed      bool
}

func newQueryBase(client *Client, key QueryKey, config queryConfig) queryBase {
	b := queryBase{
		key:    key,
		client: client,
		config: config,
		owners: make(map[string]int),
	}
	if config.breakerEnabled() {
		var cfg CircuitBreakerConfig
		if config.breakerConfig != nil {
			cfg = *config.breakerConfig
		}
		b.breaker = client.breakers.GetOrCreate(config.scopeFor(key), cfg)
	}
	return b
}

// setOptions returns the cache write options for this query's entries.
func (b *queryBase) setOptions() SetOptions {
	return SetOptions{
		StaleTime: b.config.staleTime,
		CacheTime: b.config.cacheTime,
		IsSecure:  b.config.secure,
		MaxAge:    b.config.maxAge,
	}
}

// addListenerLocked bumps the reference count and cancels pending disposal.
// Returns true when this is the first listener.
func (b *queryBase) addListenerLocked(owner string) bool {
	b.owners[owner]++
	b.refCount++
	if b.disposalTimer != nil {
		b.disposalTimer.Stop()
		b.disposalTimer = nil
	}
	return b.refCount == 1
}

// removeListenerLocked drops one reference for owner. Removing an owner that
// holds no reference is a no-op; the count never goes negative. Returns true
// when the count reached zero and disposal should be armed.
func (b *queryBase) removeListenerLocked(owner string) bool {
	if b.owners[owner] == 0 {
		return false
	}
	b.owners[owner]--
	if b.owners[owner] == 0 {
		delete(b.owners, owner)
	}
	b.refCount--
	return b.refCount == 0
}

// armDisposalLocked schedules dispose after the configured delay. Returns
// true when the caller must dispose synchronously (zero delay).
func (b *queryBase) armDisposalLocked(dispose func()) bool {
	if b.disposed {
		return false
	}
	if b.config.disposalDelay <= 0 {
		return true
	}
	b.disposalTimer = time.AfterFunc(b.config.disposalDelay, dispose)
	return false
}

// runAttempts executes the fetch function with rate limiting, circuit
// breaking and retry with backoff. It returns the final data or the error
// that exhausted the retry budget. Circuit-open denials are never retried.
func runAttempts[T any](ctx context.Context, b *queryBase, fn FetchFunc[T]) (T, error) {
	var zero T
	cfg := &b.config
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, &EngineError{Type: ErrorTypeCancelled, Message: "fetch cancelled", Key: b.key, Timestamp: time.Now(), Cause: err}
		}

		rateLimited := cfg.rateLimiter != nil && !cfg.rateLimiter.Allow()
		if rateLimited {
			lastErr = ErrRateLimited
		} else {
			if b.breaker != nil && !b.breaker.Allow() {
				return zero, &CircuitOpenError{Scope: b.breaker.Scope(), OpenedAt: b.breaker.OpenedAt()}
			}

			data, err := fn(ctx)
			if err == nil {
				if b.breaker != nil {
					b.breaker.RecordSuccess()
				}
				return data, nil
			}
			if b.breaker != nil && !b.breaker.ShouldIgnore(err) {
				b.breaker.RecordFailure()
			}
			if ctx.Err() != nil {
				return zero, &EngineError{Type: ErrorTypeCancelled, Message: "fetch cancelled", Key: b.key, Timestamp: time.Now(), Cause: err}
			}
			lastErr = err
		}

		if attempt >= cfg.maxRetries {
			return zero, lastErr
		}

		delay := cfg.backoffCalculator.Calculate(attempt, cfg.initialBackoff, cfg.maxBackoff, cfg.backoffMultiplier, cfg.jitter)
		b.client.metrics.RecordRetry()
		if b.client.logger != nil {
			b.client.logger.Debug("retrying fetch", "key", b.key, "attempt", attempt+1, "delay", delay, "err", lastErr)
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, &EngineError{Type: ErrorTypeCancelled, Message: "fetch cancelled during backoff", Key: b.key, Timestamp: time.Now(), Cause: ctx.Err()}
		}
	}
}

// call is one fetch attempt shared between the owner and de-duplicated
// waiters. data and err are set before done is closed.
type call[T any] struct {
	seq    uint64
	cancel context.CancelFunc
	done   chan struct{}
	data   T
	err    error
}

// Query is the per-key state machine: it owns fetch execution,
// de-duplication, retry, cancellation, circuit-breaker consultation and
// reference counting against the shared cache entry it reads and writes.
// Create instances through GetQuery; the client guarantees exactly one
// query object per key.
type Query[T any] struct {
	base    queryBase
	fetchFn FetchFunc[T]

	mu          sync.Mutex
	state       QueryState[T]
	inflight    *call[T]
	attemptSeq  uint64
	subscribers map[int]chan QueryState[T]
	nextSubID   int
}

func newQuery[T any](client *Client, key QueryKey, fn FetchFunc[T], config queryConfig) *Query[T] {
	return &Query[T]{
		base:        newQueryBase(client, key, config),
		fetchFn:     fn,
		state:       QueryState[T]{Status: StatusIdle},
		subscribers: make(map[int]chan QueryState[T]),
	}
}

// Key returns the query's key.
func (q *Query[T]) Key() QueryKey { return q.base.key }

// State returns a snapshot of the query's observable state.
func (q *Query[T]) State() QueryState[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// IsDisposed reports whether the query has been disposed.
func (q *Query[T]) IsDisposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base.disposed
}

// ReferenceCount returns the number of live listeners.
func (q *Query[T]) ReferenceCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base.refCount
}

// Subscribe returns a channel delivering state snapshots in the order they
// are produced, plus an unsubscribe func. Slow subscribers coalesce: the
// oldest queued snapshot is dropped when the buffer is full.
func (q *Query[T]) Subscribe() (<-chan QueryState[T], func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan QueryState[T], 16)
	q.subscribers[id] = ch
	return ch, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if _, ok := q.subscribers[id]; ok {
			delete(q.subscribers, id)
			close(ch)
		}
	}
}

// emitLocked publishes the current state to all subscribers. Caller holds
// the lock.
func (q *Query[T]) emitLocked() {
	for _, ch := range q.subscribers {
		publish(ch, q.state)
	}
}

// publish sends a snapshot without blocking, dropping the oldest queued
// snapshot when the subscriber's buffer is full.
func publish[S any](ch chan S, snapshot S) {
	select {
	case ch <- snapshot:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Fetch executes the query. A fresh cache entry is served without invoking
// the fetch function; an in-flight fetch is joined instead of starting a
// second one (at most one concurrent fetch function invocation per key).
// The returned error is also stored in the query state.
func (q *Query[T]) Fetch(ctx context.Context) (T, error) {
	return q.fetch(ctx, false)
}

// Refetch executes the query unconditionally, cancelling any in-flight
// attempt. Only the newest attempt's result is committed to state.
func (q *Query[T]) Refetch(ctx context.Context) (T, error) {
	return q.fetch(ctx, true)
}

func (q *Query[T]) fetch(ctx context.Context, force bool) (T, error) {
	var zero T

	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return zero, ErrQueryDisposed
	}
	if !q.base.config.enabled {
		q.mu.Unlock()
		return zero, ErrQueryDisabled
	}

	if !force {
		if entry := q.base.client.cache.Get(q.base.key); entry != nil && entry.IsFresh(time.Now()) {
			if data, ok := entry.Data.(T); ok {
				// Serving fresh cache must not clobber a forced refetch's
				// IsFetching, and an unchanged state is not re-emitted.
				if q.state.Status != StatusSuccess {
					q.state = QueryState[T]{Status: StatusSuccess, Data: data, IsFetching: q.state.IsFetching, UpdatedAt: entry.FetchedAt}
					q.emitLocked()
				}
				q.mu.Unlock()
				return data, nil
			}
		}
		if q.inflight != nil {
			c := q.inflight
			q.base.client.metrics.RecordDeduplicationHit()
			q.mu.Unlock()
			return joinCall(ctx, c)
		}
	} else if q.inflight != nil {
		q.inflight.cancel()
	}

	q.attemptSeq++
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{seq: q.attemptSeq, cancel: cancel, done: make(chan struct{})}
	q.inflight = c

	q.state.IsFetching = true
	if q.state.Status != StatusSuccess {
		q.state.Status = StatusLoading
	}
	q.emitLocked()
	q.mu.Unlock()

	go q.run(fctx, c)
	return joinCall(ctx, c)
}

// joinCall waits for a shared fetch attempt, honoring the waiter's own
// context independently of the attempt's.
func joinCall[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.data, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// run executes one fetch attempt and commits its result unless a newer
// attempt superseded it (last-writer-wins) or it was cancelled.
func (q *Query[T]) run(ctx context.Context, c *call[T]) {
	start := time.Now()
	q.base.client.metrics.RecordFetchStart()
	data, err := runAttempts(ctx, &q.base, q.fetchFn)
	duration := time.Since(start)
	q.base.client.metrics.RecordFetchEnd(err == nil, duration)

	q.mu.Lock()
	c.data, c.err = data, err

	if q.inflight == c {
		q.inflight = nil
		switch {
		case err == nil:
			q.base.client.cache.Set(q.base.key, data, q.base.setOptions())
			q.state = QueryState[T]{Status: StatusSuccess, Data: data, UpdatedAt: time.Now()}
		case ctx.Err() != nil:
			// Cancelled attempt: discard the result, keep prior data.
			q.state.IsFetching = false
			if q.state.Status == StatusLoading {
				q.state.Status = StatusIdle
			}
		default:
			q.state.Status = StatusError
			q.state.Err = err
			q.state.IsFetching = false
			q.state.UpdatedAt = time.Now()
		}
		q.emitLocked()
	}
	q.mu.Unlock()

	close(c.done)

	if err != nil && ctx.Err() == nil && !errors.Is(err, ErrCircuitOpen) {
		q.base.client.reportFailure(FetchFailure{
			Key:      q.base.key,
			Err:      err,
			Attempts: q.base.config.maxRetries + 1,
			Duration: duration,
			At:       time.Now(),
		})
	}
	if err != nil {
		var engineErr *EngineError
		switch {
		case errors.Is(err, ErrCircuitOpen):
			q.base.client.metrics.RecordError(ErrorTypeCircuitOpen)
		case errors.As(err, &engineErr):
			q.base.client.metrics.RecordError(engineErr.Type)
		default:
			q.base.client.metrics.RecordError(ErrorTypeFetch)
		}
	}
}

// AddListener registers a live reference for owner. The first listener on
// an idle or stale query triggers a background fetch.
func (q *Query[T]) AddListener(owner string) {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return
	}
	first := q.base.addListenerLocked(owner)
	needsFetch := first && q.base.config.enabled && q.inflight == nil && q.isStaleLocked()
	q.mu.Unlock()

	if needsFetch {
		go func() { _, _ = q.Fetch(context.Background()) }()
	}
}

// RemoveListener drops one reference for owner; removing at zero is a
// no-op. When the count reaches zero a disposal timer is armed; any
// AddListener before it fires cancels disposal.
func (q *Query[T]) RemoveListener(owner string) {
	q.mu.Lock()
	reachedZero := q.base.removeListenerLocked(owner)
	disposeNow := reachedZero && q.base.armDisposalLocked(q.Dispose)
	q.mu.Unlock()

	if disposeNow {
		q.Dispose()
	}
}

// isStaleLocked reports whether the query has no fresh cached data.
func (q *Query[T]) isStaleLocked() bool {
	entry := q.base.client.cache.Get(q.base.key)
	return entry == nil || !entry.IsFresh(time.Now())
}

// SetData synchronously writes data into both the query state and the
// cache store without calling the fetch function, for optimistic updates.
func (q *Query[T]) SetData(data T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.base.disposed {
		return
	}
	q.base.client.cache.Set(q.base.key, data, q.base.setOptions())
	q.state = QueryState[T]{Status: StatusSuccess, Data: data, UpdatedAt: time.Now()}
	q.emitLocked()
}

// setDataAny implements queryHandle for client-level optimistic updates.
func (q *Query[T]) setDataAny(data any) bool {
	typed, ok := data.(T)
	if !ok {
		return false
	}
	q.SetData(typed)
	return true
}

// Cancel cancels the in-flight fetch, if any, without disposing the query.
func (q *Query[T]) Cancel() {
	q.mu.Lock()
	c := q.inflight
	q.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

// Invalidate marks the cached entry stale and, while the query is
// referenced, triggers a forced background refetch.
func (q *Query[T]) Invalidate(ctx context.Context) {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return
	}
	q.base.client.cache.MarkStale(q.base.key)
	refetch := q.base.refCount > 0 && q.base.config.enabled
	q.mu.Unlock()

	if refetch {
		go func() { _, _ = q.Refetch(context.WithoutCancel(ctx)) }()
	}
}

// Dispose cancels any in-flight fetch, detaches the query from the client
// registry and the dependency graph (notifying direct dependents) and
// closes all subscriptions. It is idempotent.
func (q *Query[T]) Dispose() {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return
	}
	q.base.disposed = true
	if q.base.disposalTimer != nil {
		q.base.disposalTimer.Stop()
		q.base.disposalTimer = nil
	}
	c := q.inflight
	q.inflight = nil
	subscribers := q.subscribers
	q.subscribers = make(map[int]chan QueryState[T])
	q.mu.Unlock()

	if c != nil {
		c.cancel()
	}
	for _, ch := range subscribers {
		close(ch)
	}
	q.base.client.detachQuery(q)
}
