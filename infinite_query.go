package fasq

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Page is one slot in an infinite query's page list. A failing page keeps
// its slot (Err set) without disturbing neighboring pages.
type Page[T, P any] struct {
	Param  P
	Data   T
	Err    error
	Status Status
}

// PageFetchFunc produces one page of data for the given page parameter.
type PageFetchFunc[T, P any] func(ctx context.Context, param P) (T, error)

// NextPageParamFunc computes the next page parameter from the pages fetched
// so far. Returning false means there is no next page.
type NextPageParamFunc[T, P any] func(pages []Page[T, P]) (P, bool)

// InfiniteQueryState is a snapshot of an infinite query's observable state.
type InfiniteQueryState[T, P any] struct {
	Status     Status
	Pages      []Page[T, P]
	IsFetching bool
	UpdatedAt  time.Time
}

// InfiniteQuery extends the query contract with an ordered page list keyed
// by a caller-supplied parameter type P. Each page fetch is subject to the
// same circuit-breaker, retry and cancellation rules as a plain query,
// scoped per query, not per page.
type InfiniteQuery[T, P any] struct {
	base      queryBase
	fetchFn   PageFetchFunc[T, P]
	nextParam NextPageParamFunc[T, P]
	maxPages  int

	mu          sync.Mutex
	pages       []Page[T, P]
	inflight    *call[T]
	attemptSeq  uint64
	updatedAt   time.Time
	subscribers map[int]chan InfiniteQueryState[T, P]
	nextSubID   int
}

func newInfiniteQuery[T, P any](client *Client, key QueryKey, fn PageFetchFunc[T, P], nextParam NextPageParamFunc[T, P], config queryConfig) *InfiniteQuery[T, P] {
	return &InfiniteQuery[T, P]{
		base:        newQueryBase(client, key, config),
		fetchFn:     fn,
		nextParam:   nextParam,
		maxPages:    config.maxPages,
		subscribers: make(map[int]chan InfiniteQueryState[T, P]),
	}
}

// Key returns the query's key.
func (q *InfiniteQuery[T, P]) Key() QueryKey { return q.base.key }

// IsDisposed reports whether the query has been disposed.
func (q *InfiniteQuery[T, P]) IsDisposed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base.disposed
}

// ReferenceCount returns the number of live listeners.
func (q *InfiniteQuery[T, P]) ReferenceCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.base.refCount
}

// Pages returns a copy of the current page list.
func (q *InfiniteQuery[T, P]) Pages() []Page[T, P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pagesLocked()
}

// State returns a snapshot of the query's observable state.
func (q *InfiniteQuery[T, P]) State() InfiniteQueryState[T, P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stateLocked()
}

// HasNextPage reports whether the next-page-param callback yields a
// parameter for the pages fetched so far.
func (q *InfiniteQuery[T, P]) HasNextPage() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.nextParam == nil {
		return false
	}
	_, ok := q.nextParam(q.pagesLocked())
	return ok
}

// Subscribe returns a channel delivering state snapshots plus an
// unsubscribe func. Slow subscribers coalesce by dropping the oldest
// queued snapshot.
func (q *InfiniteQuery[T, P]) Subscribe() (<-chan InfiniteQueryState[T, P], func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextSubID
	q.nextSubID++
	ch := make(chan InfiniteQueryState[T, P], 16)
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

// FetchNextPage fetches one more page. With no explicit param the next
// parameter comes from the next-page-param callback; ErrNoNextPage is
// returned when none exists. A page fetch already in flight is joined
// rather than duplicated. A page-level failure fills only its own slot.
func (q *InfiniteQuery[T, P]) FetchNextPage(ctx context.Context, params ...P) (T, error) {
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
	if q.inflight != nil {
		c := q.inflight
		q.base.client.metrics.RecordDeduplicationHit()
		q.mu.Unlock()
		return joinCall(ctx, c)
	}

	var param P
	switch {
	case len(params) > 0:
		param = params[0]
	case q.nextParam != nil:
		p, ok := q.nextParam(q.pagesLocked())
		if !ok {
			q.mu.Unlock()
			return zero, ErrNoNextPage
		}
		param = p
	case len(q.pages) > 0:
		// Without a param callback only the zero-param first page is implied.
		q.mu.Unlock()
		return zero, ErrNoNextPage
	}

	c := q.startPageLocked(ctx, param)
	q.mu.Unlock()

	return joinCall(ctx, c)
}

// startPageLocked appends a loading slot for param and launches its fetch.
// Caller holds the lock.
func (q *InfiniteQuery[T, P]) startPageLocked(ctx context.Context, param P) *call[T] {
	q.attemptSeq++
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &call[T]{seq: q.attemptSeq, cancel: cancel, done: make(chan struct{})}
	q.inflight = c
	q.pages = append(q.pages, Page[T, P]{Param: param, Status: StatusLoading})
	q.emitLocked()

	go q.runPage(fctx, c, param)
	return c
}

// runPage executes one page fetch and commits the result into its slot
// unless the attempt was superseded or cancelled.
func (q *InfiniteQuery[T, P]) runPage(ctx context.Context, c *call[T], param P) {
	start := time.Now()
	q.base.client.metrics.RecordFetchStart()
	data, err := runAttempts(ctx, &q.base, func(ctx context.Context) (T, error) {
		return q.fetchFn(ctx, param)
	})
	duration := time.Since(start)
	q.base.client.metrics.RecordFetchEnd(err == nil, duration)

	q.mu.Lock()
	c.data, c.err = data, err

	if q.inflight == c {
		q.inflight = nil
		idx := q.loadingSlotLocked()
		switch {
		case idx < 0:
			// Slot vanished (disposed or reset); nothing to commit.
		case ctx.Err() != nil:
			// Cancelled attempt: the page never materialized.
			q.pages = append(q.pages[:idx], q.pages[idx+1:]...)
		case err == nil:
			q.pages[idx].Data = data
			q.pages[idx].Status = StatusSuccess
		default:
			q.pages[idx].Err = err
			q.pages[idx].Status = StatusError
		}
		if q.maxPages > 0 && len(q.pages) > q.maxPages {
			q.pages = q.pages[len(q.pages)-q.maxPages:]
		}
		q.updatedAt = time.Now()
		q.base.client.cache.Set(q.base.key, q.pagesLocked(), q.base.setOptions())
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
}

// loadingSlotLocked returns the index of the single loading slot, or -1.
func (q *InfiniteQuery[T, P]) loadingSlotLocked() int {
	for i := len(q.pages) - 1; i >= 0; i-- {
		if q.pages[i].Status == StatusLoading {
			return i
		}
	}
	return -1
}

// Refetch re-executes every settled page in order using its stored
// parameter. A failing page keeps its slot with the error; neighbors are
// unaffected. The whole pass holds the query's in-flight slot, so a
// concurrent FetchNextPage joins it instead of appending mid-rewrite.
func (q *InfiniteQuery[T, P]) Refetch(ctx context.Context) error {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return ErrQueryDisposed
	}
	if !q.base.config.enabled {
		q.mu.Unlock()
		return ErrQueryDisabled
	}
	if q.inflight != nil {
		q.inflight.cancel()
	}
	q.attemptSeq++
	fctx, cancel := context.WithCancel(ctx)
	c := &call[T]{seq: q.attemptSeq, cancel: cancel, done: make(chan struct{})}
	q.inflight = c
	params := make([]P, len(q.pages))
	for i, page := range q.pages {
		params[i] = page.Param
	}
	q.mu.Unlock()

	var firstErr error
	var lastData T
	for i, param := range params {
		data, err := runAttempts(fctx, &q.base, func(ctx context.Context) (T, error) {
			return q.fetchFn(ctx, param)
		})

		q.mu.Lock()
		if q.base.disposed || q.inflight != c || i >= len(q.pages) {
			q.mu.Unlock()
			break
		}
		if err == nil {
			lastData = data
			q.pages[i] = Page[T, P]{Param: param, Data: data, Status: StatusSuccess}
		} else {
			q.pages[i].Err = err
			q.pages[i].Status = StatusError
			if firstErr == nil {
				firstErr = err
			}
		}
		q.updatedAt = time.Now()
		q.base.client.cache.Set(q.base.key, q.pagesLocked(), q.base.setOptions())
		q.emitLocked()
		q.mu.Unlock()

		if err != nil && errors.Is(err, ErrCircuitOpen) {
			break
		}
	}

	q.mu.Lock()
	if q.inflight == c {
		q.inflight = nil
		q.emitLocked()
	}
	q.mu.Unlock()

	c.data, c.err = lastData, firstErr
	close(c.done)
	cancel()
	return firstErr
}

// AddListener registers a live reference for owner. The first listener
// fetches the first page when none exists yet.
func (q *InfiniteQuery[T, P]) AddListener(owner string) {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return
	}
	first := q.base.addListenerLocked(owner)
	needsFetch := first && q.base.config.enabled && q.inflight == nil && len(q.pages) == 0
	q.mu.Unlock()

	if needsFetch {
		go func() { _, _ = q.FetchNextPage(context.Background()) }()
	}
}

// RemoveListener drops one reference for owner; removing at zero is a
// no-op. The count reaching zero arms the disposal timer.
func (q *InfiniteQuery[T, P]) RemoveListener(owner string) {
	q.mu.Lock()
	reachedZero := q.base.removeListenerLocked(owner)
	disposeNow := reachedZero && q.base.armDisposalLocked(q.Dispose)
	q.mu.Unlock()

	if disposeNow {
		q.Dispose()
	}
}

// Cancel cancels the in-flight page fetch, if any.
func (q *InfiniteQuery[T, P]) Cancel() {
	q.mu.Lock()
	c := q.inflight
	q.mu.Unlock()
	if c != nil {
		c.cancel()
	}
}

// Invalidate marks the cached page list stale and refetches all pages in
// the background while the query is referenced.
func (q *InfiniteQuery[T, P]) Invalidate(ctx context.Context) {
	q.mu.Lock()
	if q.base.disposed {
		q.mu.Unlock()
		return
	}
	q.base.client.cache.MarkStale(q.base.key)
	refetch := q.base.refCount > 0 && q.base.config.enabled && len(q.pages) > 0
	q.mu.Unlock()

	if refetch {
		go func() { _ = q.Refetch(context.WithoutCancel(ctx)) }()
	}
}

// setDataAny implements queryHandle; accepted data must be a []Page[T, P].
func (q *InfiniteQuery[T, P]) setDataAny(data any) bool {
	pages, ok := data.([]Page[T, P])
	if !ok {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.base.disposed {
		return false
	}
	q.pages = append([]Page[T, P](nil), pages...)
	q.updatedAt = time.Now()
	q.base.client.cache.Set(q.base.key, q.pagesLocked(), q.base.setOptions())
	q.emitLocked()
	return true
}

// Dispose cancels in-flight work, detaches the query from the client and
// the dependency graph and closes all subscriptions. It is idempotent.
func (q *InfiniteQuery[T, P]) Dispose() {
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
	q.subscribers = make(map[int]chan InfiniteQueryState[T, P])
	q.mu.Unlock()

	if c != nil {
		c.cancel()
	}
	for _, ch := range subscribers {
		close(ch)
	}
	q.base.client.detachQuery(q)
}

// pagesLocked returns a copy of the page list. Caller holds the lock.
func (q *InfiniteQuery[T, P]) pagesLocked() []Page[T, P] {
	return append([]Page[T, P](nil), q.pages...)
}

// stateLocked derives the observable snapshot. Caller holds the lock.
func (q *InfiniteQuery[T, P]) stateLocked() InfiniteQueryState[T, P] {
	state := InfiniteQueryState[T, P]{
		Pages:      q.pagesLocked(),
		IsFetching: q.inflight != nil,
		UpdatedAt:  q.updatedAt,
	}
	switch {
	case len(q.pages) == 0:
		state.Status = StatusIdle
	case q.inflight != nil && !q.hasSettledPageLocked():
		state.Status = StatusLoading
	case q.lastSettledErrLocked() != nil:
		state.Status = StatusError
	default:
		state.Status = StatusSuccess
	}
	return state
}

func (q *InfiniteQuery[T, P]) hasSettledPageLocked() bool {
	for _, page := range q.pages {
		if page.Status == StatusSuccess || page.Status == StatusError {
			return true
		}
	}
	return false
}

func (q *InfiniteQuery[T, P]) lastSettledErrLocked() error {
	for i := len(q.pages) - 1; i >= 0; i-- {
		if q.pages[i].Status == StatusSuccess {
			return nil
		}
		if q.pages[i].Status == StatusError {
			return q.pages[i].Err
		}
	}
	return nil
}

// emitLocked publishes the current state to all subscribers. Caller holds
// the lock.
func (q *InfiniteQuery[T, P]) emitLocked() {
	state := q.stateLocked()
	for _, ch := range q.subscribers {
		publish(ch, state)
	}
}
