package fasq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Client is the process-wide query registry. It maps keys to query
// instances (exactly one per key), owns the cache store, the circuit
// breaker registry, the dependency graph, the offline mutation queue and
// the transform worker pool, and exposes prefetch, invalidation and batch
// operations. It is safe for concurrent use; a single instance is meant to
// be shared.
type Client struct {
	mu      sync.RWMutex
	queries map[QueryKey]queryHandle
	closed  bool

	cache    *CacheStore
	breakers *CircuitBreakerRegistry
	deps     *DependencyManager
	offline  *OfflineQueueManager
	pool     *WorkerPool

	metrics   *MetricsCollector
	logger    Logger
	reporters []ErrorReporter

	queryDefaults   []QueryOption
	maxEntries      int
	evictionPolicy  EvictionPolicy
	queueStore      QueueStore
	workerCount     int
	workerQueueSize int
}

// New constructs a Client using the provided functional options.
func New(options ...Option) *Client {
	client := &Client{
		queries:        make(map[QueryKey]queryHandle),
		maxEntries:     1024,
		evictionPolicy: EvictLRU,
	}

	for _, option := range options {
		option(client)
	}

	client.cache = NewCacheStore(client.maxEntries, client.evictionPolicy)
	client.cache.metrics = client.metrics

	client.breakers = NewCircuitBreakerRegistry()
	client.breakers.metrics = client.metrics

	client.deps = NewDependencyManager()

	if client.queueStore == nil {
		client.queueStore = NewMemoryQueueStore()
	}
	client.offline = NewOfflineQueueManager(client.queueStore)
	client.offline.metrics = client.metrics
	client.offline.logger = client.logger

	client.pool = NewWorkerPool(client.workerCount, client.workerQueueSize)
	client.pool.metrics = client.metrics
	client.pool.Start()

	return client
}

// Cache returns the shared cache store.
func (c *Client) Cache() *CacheStore { return c.cache }

// Breakers returns the circuit breaker registry.
func (c *Client) Breakers() *CircuitBreakerRegistry { return c.breakers }

// Dependencies returns the query dependency graph.
func (c *Client) Dependencies() *DependencyManager { return c.deps }

// OfflineQueue returns the offline mutation queue.
func (c *Client) OfflineQueue() *OfflineQueueManager { return c.offline }

// Workers returns the transform worker pool.
func (c *Client) Workers() *WorkerPool { return c.pool }

// mergeOptions builds the effective per-query configuration: engine
// defaults, then client-level WithQueryDefaults, then the call's options.
func (c *Client) mergeOptions(opts []QueryOption) (queryConfig, error) {
	config := defaultQueryConfig()
	for _, opt := range c.queryDefaults {
		opt(&config)
	}
	for _, opt := range opts {
		opt(&config)
	}
	if err := config.validate(); err != nil {
		return queryConfig{}, err
	}
	return config, nil
}

// GetQuery returns the query registered for key, creating it on first use.
// A key registered with a different data type or query kind fails with
// ErrTypeMismatch instead of an unchecked cast.
func GetQuery[T any](c *Client, key QueryKey, fn FetchFunc[T], opts ...QueryOption) (*Query[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.queries[key]; ok {
		q, ok := existing.(*Query[T])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, key)
		}
		return q, nil
	}

	config, err := c.mergeOptions(opts)
	if err != nil {
		return nil, err
	}
	q := newQuery(c, key, fn, config)
	c.queries[key] = q
	if c.logger != nil {
		c.logger.Debug("query registered", "key", key)
	}
	return q, nil
}

// GetInfiniteQuery returns the infinite query registered for key, creating
// it on first use. nextParam may be nil when pages are always fetched with
// explicit parameters.
func GetInfiniteQuery[T, P any](c *Client, key QueryKey, fn PageFetchFunc[T, P], nextParam NextPageParamFunc[T, P], opts ...QueryOption) (*InfiniteQuery[T, P], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.queries[key]; ok {
		q, ok := existing.(*InfiniteQuery[T, P])
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrTypeMismatch, key)
		}
		return q, nil
	}

	config, err := c.mergeOptions(opts)
	if err != nil {
		return nil, err
	}
	q := newInfiniteQuery(c, key, fn, nextParam, config)
	c.queries[key] = q
	if c.logger != nil {
		c.logger.Debug("infinite query registered", "key", key)
	}
	return q, nil
}

// PrefetchQuery ensures key's data is cached: it creates the query if
// needed and fetches unless a fresh entry already exists.
func PrefetchQuery[T any](ctx context.Context, c *Client, key QueryKey, fn FetchFunc[T], opts ...QueryOption) (T, error) {
	q, err := GetQuery(c, key, fn, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	return q.Fetch(ctx)
}

// PrefetchConfig describes one entry of a batch prefetch.
type PrefetchConfig struct {
	Key     QueryKey
	Fetch   func(ctx context.Context) (any, error)
	Options []QueryOption
}

// PrefetchQueries warms the cache for several keys in parallel. One
// rejection does not prevent the others from populating the cache; the
// joined errors are returned after all fetches settle.
func (c *Client) PrefetchQueries(ctx context.Context, configs ...PrefetchConfig) error {
	var g errgroup.Group
	results := make([]error, len(configs))

	for i, cfg := range configs {
		i, cfg := i, cfg
		g.Go(func() error {
			_, err := PrefetchQuery(ctx, c, cfg.Key, cfg.Fetch, cfg.Options...)
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(results...)
}

// GetQueryData returns the cached data for key, if present and of type T.
func GetQueryData[T any](c *Client, key QueryKey) (T, bool, error) {
	var zero T
	entry := c.cache.Get(key)
	if entry == nil {
		return zero, false, nil
	}
	data, ok := entry.Data.(T)
	if !ok {
		return zero, false, fmt.Errorf("%w: %q", ErrTypeMismatch, key)
	}
	return data, true, nil
}

// SetQueryData synchronously writes data into the cache and, when a query
// is registered for key, into its state, without calling any fetch
// function. Used for optimistic updates.
func SetQueryData[T any](c *Client, key QueryKey, data T, opts ...QueryOption) error {
	c.mu.RLock()
	handle, ok := c.queries[key]
	c.mu.RUnlock()

	if ok {
		if !handle.setDataAny(data) {
			return fmt.Errorf("%w: %q", ErrTypeMismatch, key)
		}
		return nil
	}

	config, err := c.mergeOptions(opts)
	if err != nil {
		return err
	}
	c.cache.Set(key, data, SetOptions{
		StaleTime: config.staleTime,
		CacheTime: config.cacheTime,
		IsSecure:  config.secure,
		MaxAge:    config.maxAge,
	})
	return nil
}

// InvalidateQuery marks key's cached data stale, triggers a refetch on its
// registered query while referenced, and cascades to all dependent queries
// registered in the dependency graph.
func (c *Client) InvalidateQuery(ctx context.Context, key QueryKey) {
	keys := append([]QueryKey{key}, c.deps.GetAllDescendants(key)...)
	for _, k := range keys {
		c.cache.MarkStale(k)
		c.mu.RLock()
		handle, ok := c.queries[k]
		c.mu.RUnlock()
		if ok {
			handle.Invalidate(ctx)
		}
	}
}

// RegisterDependency records child as depending on parent, so disposing or
// invalidating the parent propagates to the child.
func (c *Client) RegisterDependency(child, parent QueryKey) error {
	return c.deps.RegisterDependency(child, parent)
}

// HasQuery reports whether a query is registered for key.
func (c *Client) HasQuery(key QueryKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.queries[key]
	return ok
}

// Keys returns the keys of all registered queries.
func (c *Client) Keys() []QueryKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]QueryKey, 0, len(c.queries))
	for key := range c.queries {
		keys = append(keys, key)
	}
	return keys
}

// RemoveQuery disposes the query registered for key and drops its cache
// entry.
func (c *Client) RemoveQuery(key QueryKey) {
	c.mu.RLock()
	handle, ok := c.queries[key]
	c.mu.RUnlock()
	if ok {
		handle.Dispose()
	}
	c.cache.Remove(key)
}

// Clear disposes all queries and empties the cache and the breaker
// registry. The offline queue is left untouched.
func (c *Client) Clear() {
	c.mu.RLock()
	handles := make([]queryHandle, 0, len(c.queries))
	for _, handle := range c.queries {
		handles = append(handles, handle)
	}
	c.mu.RUnlock()

	for _, handle := range handles {
		handle.Dispose()
	}
	c.cache.Clear()
	c.breakers.ClearAll()
}

// Close clears the client and stops the worker pool.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.Clear()
	return c.pool.Stop(5 * time.Second)
}

// detachQuery removes a disposed query from the registry and notifies its
// direct dependents through the dependency graph, cancelling them and
// marking them stale.
func (c *Client) detachQuery(q queryHandle) {
	key := q.Key()

	c.mu.Lock()
	if current, ok := c.queries[key]; ok && current == q {
		delete(c.queries, key)
	}
	c.mu.Unlock()

	c.deps.NotifyParentDisposed(key, func(child QueryKey) {
		c.mu.RLock()
		handle, ok := c.queries[child]
		c.mu.RUnlock()
		if ok {
			handle.Cancel()
			c.cache.MarkStale(child)
		}
	})
	c.deps.Unregister(key)

	if c.logger != nil {
		c.logger.Debug("query disposed", "key", key)
	}
}

// reportFailure forwards a surfaced fetch failure to every registered
// reporter. A panicking reporter does not block the others.
func (c *Client) reportFailure(failure FetchFailure) {
	for _, reporter := range c.reporters {
		func() {
			defer func() { _ = recover() }()
			reporter.Report(failure)
		}()
	}
}
