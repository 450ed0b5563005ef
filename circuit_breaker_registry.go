package fasq

import (
	"sync"
	"time"
)

// CircuitBreakerRegistry provides get-or-create-by-scope semantics for
// circuit breakers so multiple queries hitting the same backend share one
// breaker. It is safe for concurrent use.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	onOpen   []func(scope string, openedAt time.Time)
	metrics  *MetricsCollector
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry() *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker registered for scope, creating it with
// config on first use. Config applies only at creation; later callers get
// the existing breaker unchanged.
func (r *CircuitBreakerRegistry) GetOrCreate(scope string, config CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[scope]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[scope]; ok {
		return cb
	}

	cb = NewCircuitBreaker(scope, config)
	cb.notifyOpen = r.fireOpen
	if r.metrics != nil {
		cb.onStateChange = r.metrics.SetCircuitState
		r.metrics.SetCircuitState(scope, StateClosed)
	}
	r.breakers[scope] = cb
	return cb
}

// Get returns the breaker for scope if one exists.
func (r *CircuitBreakerRegistry) Get(scope string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[scope]
	return cb, ok
}

// Reset restores the breaker for scope to closed with zeroed stats. No-op
// for unknown scopes.
func (r *CircuitBreakerRegistry) Reset(scope string) {
	if cb, ok := r.Get(scope); ok {
		cb.Reset()
	}
}

// ClearAll drops all registered breakers.
func (r *CircuitBreakerRegistry) ClearAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}

// Scopes returns all registered scope keys.
func (r *CircuitBreakerRegistry) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	scopes := make([]string, 0, len(r.breakers))
	for scope := range r.breakers {
		scopes = append(scopes, scope)
	}
	return scopes
}

// OnOpen registers a callback fired for every breaker's transition into
// open, regardless of scope. A panicking callback does not prevent the
// others from running.
func (r *CircuitBreakerRegistry) OnOpen(fn func(scope string, openedAt time.Time)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onOpen = append(r.onOpen, fn)
}

func (r *CircuitBreakerRegistry) fireOpen(scope string, openedAt time.Time) {
	r.mu.RLock()
	callbacks := make([]func(string, time.Time), len(r.onOpen))
	copy(callbacks, r.onOpen)
	r.mu.RUnlock()

	for _, fn := range callbacks {
		safeOpenCallback(fn, scope, openedAt)
	}
}
