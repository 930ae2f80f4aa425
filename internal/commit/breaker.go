package commit

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's current mode.
type BreakerState string

const (
	// BreakerClosed passes all calls through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen rejects calls until the recovery timeout elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen admits a limited batch of trial calls.
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultBreakerConfig matches the calendar system's production tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// StateObserver is notified on every breaker state transition.
type StateObserver interface {
	ObserveCircuitState(state string)
}

// CircuitBreaker guards the booking write path. It is the only owner
// of its state; callers interact through Allow, RecordSuccess, and
// RecordFailure. Safe for concurrent use.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg           BreakerConfig
	state         BreakerState
	failureCount  int
	lastFailure   time.Time
	halfOpenCalls int

	now      func() time.Time
	observer StateObserver
}

// BreakerOption configures optional breaker collaborators.
type BreakerOption func(*CircuitBreaker)

// WithBreakerClock injects a clock; tests use it to step through the
// recovery timeout without sleeping.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithStateObserver wires state-transition metrics into the breaker.
func WithStateObserver(o StateObserver) BreakerOption {
	return func(b *CircuitBreaker) { b.observer = o }
}

// NewCircuitBreaker builds a closed breaker, backfilling defaults for
// zero config fields.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	b := &CircuitBreaker{
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open breaker whose
// recovery timeout has elapsed transitions to half-open; each allowed
// half-open call consumes one trial slot.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true

	case BreakerOpen:
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transition(BreakerHalfOpen)
			b.halfOpenCalls = 1
			return true
		}
		return false

	case BreakerHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker after a successful trial call.
// Successes in the closed state carry no breaker significance.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
		b.failureCount = 0
		b.lastFailure = time.Time{}
	}
}

// RecordFailure counts a failed call. Reaching the threshold opens the
// breaker; any failure during half-open reopens it immediately.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen {
		b.transition(BreakerOpen)
	} else if b.state == BreakerClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.transition(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the accumulated failure count.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// RetryAfter estimates how long until the breaker would admit a trial
// call. Zero when calls are already admissible.
func (b *CircuitBreaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen || b.lastFailure.IsZero() {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// transition must be called with the mutex held.
func (b *CircuitBreaker) transition(next BreakerState) {
	b.state = next
	if b.observer != nil {
		b.observer.ObserveCircuitState(string(next))
	}
}
