package fasq

import (
	"fmt"
	"time"

	"github.com/ishafiul/fasq-sub003/internal/backoff"
)

// queryConfig holds per-query behavior. Defaults come from
// defaultQueryConfig merged with the client's WithQueryDefaults.
type queryConfig struct {
	staleTime         time.Duration
	cacheTime         time.Duration
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffCalculator *backoff.Calculator
	enabled           bool
	secure            bool
	maxAge            time.Duration
	disposalDelay     time.Duration
	breakerScope      string
	breakerConfig     *CircuitBreakerConfig
	rateLimiter       *RateLimiter
	maxPages          int
}

func defaultQueryConfig() queryConfig {
	return queryConfig{
		staleTime:         0,
		cacheTime:         5 * time.Minute,
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffCalculator: backoff.GetExponentialJitterCalculator(),
		enabled:           true,
		disposalDelay:     30 * time.Second,
	}
}

// breakerEnabled reports whether this query consults a circuit breaker.
func (c *queryConfig) breakerEnabled() bool {
	return c.breakerConfig != nil || c.breakerScope != ""
}

// scopeFor returns the breaker scope, defaulting to the query key.
func (c *queryConfig) scopeFor(key QueryKey) string {
	if c.breakerScope != "" {
		return c.breakerScope
	}
	return string(key)
}

// WithStaleTime sets how long fetched data is considered fresh.
func WithStaleTime(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.staleTime = d
	}
}

// WithCacheTime sets how long the cache entry survives after the query
// becomes unreferenced.
func WithCacheTime(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.cacheTime = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts per fetch.
func WithMaxRetries(n int) QueryOption {
	return func(c *queryConfig) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial retry backoff duration.
func WithInitialBackoff(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum retry backoff duration.
func WithMaxBackoff(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the exponential backoff multiplier.
func WithBackoffMultiplier(f float64) QueryOption {
	return func(c *queryConfig) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0).
func WithJitter(f float64) QueryOption {
	return func(c *queryConfig) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithDecorrelatedJitterBackoff switches retry delays to AWS-style
// decorrelated jitter.
func WithDecorrelatedJitterBackoff() QueryOption {
	return func(c *queryConfig) {
		c.backoffCalculator = backoff.GetDecorrelatedJitterCalculator()
	}
}

// WithEnabled controls whether the query may fetch at all. A disabled query
// stays idle and never invokes its fetch function.
func WithEnabled(enabled bool) QueryOption {
	return func(c *queryConfig) {
		c.enabled = enabled
	}
}

// WithDisabled is shorthand for WithEnabled(false).
func WithDisabled() QueryOption {
	return WithEnabled(false)
}

// WithSecure marks the cache entry as secure: excluded from persistence and
// logging and cleared by CacheStore.ClearSecureEntries.
func WithSecure() QueryOption {
	return func(c *queryConfig) {
		c.secure = true
	}
}

// WithMaxAge sets a hard expiry on the cache entry. Expired entries are
// never served, fresh or not.
func WithMaxAge(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.maxAge = d
	}
}

// WithDisposalDelay sets how long a query with zero listeners waits before
// disposing itself. Zero disposes immediately.
func WithDisposalDelay(d time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.disposalDelay = d
	}
}

// WithBreakerScope enables circuit breaking under the given scope so
// multiple queries can share one breaker for a backend.
func WithBreakerScope(scope string) QueryOption {
	return func(c *queryConfig) {
		c.breakerScope = scope
	}
}

// WithBreaker enables circuit breaking with an explicit configuration. The
// scope defaults to the query key unless WithBreakerScope is also given.
func WithBreaker(config CircuitBreakerConfig) QueryOption {
	return func(c *queryConfig) {
		c.breakerConfig = &config
	}
}

// WithIgnoredErrors registers matchers for errors that must not count as
// breaker failures. Enables the breaker if not already enabled.
func WithIgnoredErrors(matchers ...ErrorMatcher) QueryOption {
	return func(c *queryConfig) {
		if c.breakerConfig == nil {
			c.breakerConfig = &CircuitBreakerConfig{}
		}
		c.breakerConfig.IgnoredErrors = append(c.breakerConfig.IgnoredErrors, matchers...)
	}
}

// WithMaxPages bounds an infinite query's page list; the oldest page is
// evicted from the list on overflow. Zero means unbounded.
func WithMaxPages(n int) QueryOption {
	return func(c *queryConfig) {
		c.maxPages = n
	}
}

// WithFetchRateLimit bounds fetch function invocations with a token bucket.
func WithFetchRateLimit(maxTokens int, refillRate time.Duration) QueryOption {
	return func(c *queryConfig) {
		c.rateLimiter = NewRateLimiter(maxTokens, refillRate)
	}
}

// WithMaxEntries sets the cache store capacity. Zero or negative means
// unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Client) {
		c.maxEntries = n
	}
}

// WithEvictionPolicy selects the cache eviction strategy.
func WithEvictionPolicy(policy EvictionPolicy) Option {
	return func(c *Client) {
		c.evictionPolicy = policy
	}
}

// WithMetricsCollector wires a Prometheus metrics collector into the
// engine.
func WithMetricsCollector(mc *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = mc
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a simple console logger.
func WithSimpleLogger() Option {
	return func(c *Client) {
		c.logger = NewSimpleLogger()
	}
}

// WithErrorReporter registers a reporter receiving surfaced fetch failures.
// Multiple reporters all receive the same failure.
func WithErrorReporter(reporters ...ErrorReporter) Option {
	return func(c *Client) {
		c.reporters = append(c.reporters, reporters...)
	}
}

// WithQueueStore sets the durable store for the offline mutation queue.
func WithQueueStore(store QueueStore) Option {
	return func(c *Client) {
		c.queueStore = store
	}
}

// WithWorkers configures the CPU-bound transform worker pool.
func WithWorkers(workers, queueSize int) Option {
	return func(c *Client) {
		c.workerCount = workers
		c.workerQueueSize = queueSize
	}
}

// WithQueryDefaults applies query options as defaults for every query
// created through the client.
func WithQueryDefaults(opts ...QueryOption) Option {
	return func(c *Client) {
		c.queryDefaults = append(c.queryDefaults, opts...)
	}
}

// validate checks the merged query configuration for nonsensical values.
func (c *queryConfig) validate() error {
	if c.maxRetries < 0 {
		return &EngineError{Type: ErrorTypeConfig, Message: fmt.Sprintf("maxRetries must be >= 0, got %d", c.maxRetries)}
	}
	if c.initialBackoff < 0 {
		return &EngineError{Type: ErrorTypeConfig, Message: fmt.Sprintf("initialBackoff must be >= 0, got %v", c.initialBackoff)}
	}
	if c.maxBackoff < c.initialBackoff {
		return &EngineError{Type: ErrorTypeConfig, Message: fmt.Sprintf("maxBackoff %v must be >= initialBackoff %v", c.maxBackoff, c.initialBackoff)}
	}
	if c.backoffMultiplier < 1 {
		return &EngineError{Type: ErrorTypeConfig, Message: fmt.Sprintf("backoffMultiplier must be >= 1, got %g", c.backoffMultiplier)}
	}
	if c.staleTime < 0 || c.cacheTime < 0 || c.maxAge < 0 || c.disposalDelay < 0 {
		return &EngineError{Type: ErrorTypeConfig, Message: "durations must be >= 0"}
	}
	return nil
}
