// Package fasq provides a client-side async data-fetching and caching engine
// with composable reliability primitives:
//
//   - Per-key query state machines with request de-duplication (at most one
//     fetch in flight per key, concurrent callers share the result)
//   - Shared cache store with staleness windows, hard expiry, secure entries
//     and pluggable eviction (LRU / LFU / FIFO)
//   - Retries with exponential backoff + jitter
//   - Circuit breaking (open / half-open / closed) keyed by scope, shareable
//     across queries hitting the same backend
//   - Paginated ("infinite") queries with page-level failure isolation
//   - A dependency graph linking parent and child queries for cascading
//     invalidation
//   - A durable offline mutation queue replayed when connectivity returns
//   - Prometheus metrics and lightweight structured debug logging
//
// Design goals:
//   - Small surface area: functional options configure everything
//   - Safe concurrent use of a single *Client instance
//   - Exactly one query object per key; cache entries may outlive queries
//   - Extensibility via pluggable stores, reporters and metrics
//
// Typical usage:
//
//	client := fasq.New(
//	    fasq.WithMaxEntries(512),
//	    fasq.WithEvictionPolicy(fasq.EvictLRU),
//	    fasq.WithMetricsCollector(fasq.NewMetricsCollector()),
//	)
//	defer client.Close()
//
//	q, err := fasq.GetQuery(client, fasq.KeyOf("user", 42), fetchUser,
//	    fasq.WithStaleTime(30*time.Second),
//	    fasq.WithBreakerScope("users-api"),
//	)
//	if err != nil {
//	    return err
//	}
//	q.AddListener("profile-view")
//	defer q.RemoveListener("profile-view")
//	user, err := q.Fetch(ctx)
//
// Ordinary fetch failures are retried with backoff, recorded on the scope's
// circuit breaker and stored in the query state; a tripped breaker fails fast
// with *CircuitOpenError and is never retried. Provide a Logger (e.g. via
// WithSimpleLogger) for insight without noise.
package fasq
