package fasq

import (
	"sync"
	"time"
)

// CircuitBreaker is a per-scope failure-isolation state machine. A closed
// breaker admits every request; FailureThreshold consecutive failures open
// it; after ResetTimeout the next Allow admits exactly one half-open probe,
// and SuccessThreshold recorded successes close it again. Any failure while
// half-open reopens it immediately.
type CircuitBreaker struct {
	mu     sync.Mutex
	scope  string
	config CircuitBreakerConfig

	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time

	notifyOpen    func(scope string, openedAt time.Time)
	onStateChange func(scope string, state CircuitState)
	now           func() time.Time
}

// NewCircuitBreaker creates a breaker for scope, applying defaults for zero
// config values.
func NewCircuitBreaker(scope string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &CircuitBreaker{
		scope:  scope,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Scope returns the breaker's scope key.
func (cb *CircuitBreaker) Scope() string { return cb.scope }

// State returns the current state. An open breaker past its reset timeout
// still reports open until the next Allow admits the probe.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker's counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Failures:      cb.failures,
		Successes:     cb.successes,
		LastFailureAt: cb.lastFailure,
	}
}

// OpenedAt returns when the breaker last transitioned into open.
func (cb *CircuitBreaker) OpenedAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.openedAt
}

// Allow reports whether a request may proceed. When open and the reset
// timeout has elapsed, exactly the first caller transitions the breaker to
// half-open and is admitted as the probe; while half-open, further callers
// are admitted only after at least one recorded success and only while
// successes remain below SuccessThreshold.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			cb.failures = 0
			cb.successes = 0
			return true
		}
		return false
	case StateHalfOpen:
		return cb.successes > 0 && cb.successes < cb.config.SuccessThreshold
	default:
		return false
	}
}

// RecordFailure records a failed request. A closed breaker opens on the
// FailureThreshold-th consecutive failure; a half-open breaker reopens
// immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	cb.lastFailure = cb.now()

	var opened bool
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			opened = cb.trip()
		}
	case StateOpen:
		// Already open; only lastFailure moves.
	case StateHalfOpen:
		cb.failures++
		opened = cb.trip()
	}

	scope, openedAt := cb.scope, cb.openedAt
	onOpen, notify := cb.config.OnOpen, cb.notifyOpen
	cb.mu.Unlock()

	if opened {
		if onOpen != nil {
			safeOpenCallback(onOpen, scope, openedAt)
		}
		if notify != nil {
			notify(scope, openedAt)
		}
	}
}

// RecordSuccess records a successful request. SuccessThreshold successes
// close a half-open breaker and reset its counters.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHalfOpen {
		return
	}
	cb.successes++
	if cb.successes >= cb.config.SuccessThreshold {
		cb.setState(StateClosed)
		cb.failures = 0
		cb.successes = 0
	}
}

// ShouldIgnore reports whether err matches the breaker's ignored error set
// and therefore must not be recorded as a failure.
func (cb *CircuitBreaker) ShouldIgnore(err error) bool {
	if err == nil {
		return true
	}
	for _, match := range cb.config.IgnoredErrors {
		if match(err) {
			return true
		}
	}
	return false
}

// Reset restores the breaker to closed with zeroed stats.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.lastFailure = time.Time{}
}

// ForceOpen trips the breaker regardless of its counters, for operational
// control. Open callbacks fire as for a normal transition.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	cb.lastFailure = cb.now()
	opened := cb.trip()
	scope, openedAt := cb.scope, cb.openedAt
	onOpen, notify := cb.config.OnOpen, cb.notifyOpen
	cb.mu.Unlock()

	if opened {
		if onOpen != nil {
			safeOpenCallback(onOpen, scope, openedAt)
		}
		if notify != nil {
			notify(scope, openedAt)
		}
	}
}

// trip transitions into open. Returns false when already open so callbacks
// fire exactly once per transition. Caller holds the lock.
func (cb *CircuitBreaker) trip() bool {
	if cb.state == StateOpen {
		return false
	}
	cb.setState(StateOpen)
	cb.openedAt = cb.now()
	cb.successes = 0
	return true
}

// setState updates the state and publishes it. Caller holds the lock.
func (cb *CircuitBreaker) setState(state CircuitState) {
	cb.state = state
	if cb.onStateChange != nil {
		cb.onStateChange(cb.scope, state)
	}
}

// safeOpenCallback invokes one open callback, containing panics so one
// misbehaving callback cannot block the others.
func safeOpenCallback(fn func(scope string, openedAt time.Time), scope string, openedAt time.Time) {
	defer func() { _ = recover() }()
	fn(scope, openedAt)
}
