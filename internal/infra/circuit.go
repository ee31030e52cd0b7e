// Package infra provides shared infrastructure primitives for wrapping
// unreliable external dependencies.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Circuit breaker states.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// CircuitOpenError is returned when the breaker rejects a call without
// invoking the wrapped dependency. RetryAfter hints when the next probe
// will be allowed.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry after %s", e.RetryAfter.Round(time.Second))
}

// IsCircuitOpen reports whether err is (or wraps) a CircuitOpenError.
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Name identifies this breaker in logs and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(from, to CircuitState)
}

// CircuitBreaker gates calls to an unhealthy dependency.
//
// Closed is the normal state. After FailureThreshold consecutive failures
// the breaker opens and fails fast for Cooldown. The first call after the
// cooldown transitions to half-open and acts as a probe: on success the
// breaker closes and the failure counter resets; on failure it re-opens
// with the counter pinned at the threshold. Context cancellation is never
// counted as a failure.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
	}
}

// Allow checks whether a call may proceed, transitioning open → half-open
// once the cooldown has elapsed. Returns a CircuitOpenError when the call
// must be rejected.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		remaining := cb.config.Cooldown - time.Since(cb.openedAt)
		if remaining > 0 {
			return &CircuitOpenError{RetryAfter: remaining}
		}
		cb.transitionTo(CircuitHalfOpen)
		return nil
	default:
		return nil
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
}

// RecordFailure records a failed call. Callers must not record failures
// caused by their own cancellation.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		// Failed probe: back to open, counter pinned at the threshold.
		cb.consecutiveFailures = cb.config.FailureThreshold
		cb.open()
	case CircuitOpen:
		cb.consecutiveFailures = cb.config.FailureThreshold
	}
}

// Execute runs fn under circuit protection. The classify callback decides
// whether an error counts as a failure; a nil classify counts every
// non-context error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error, classify func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Record(err, classify)
	return err
}

// Record applies the outcome of a call to the breaker's accounting.
func (cb *CircuitBreaker) Record(err error, classify func(error) bool) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// Outer cancellation says nothing about dependency health.
		return
	}
	if classify != nil && !classify(err) {
		return
	}
	cb.RecordFailure()
}

// State returns the current state of the breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current failure streak.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset forces the breaker back to closed with a clean counter.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	if cb.state != CircuitClosed {
		cb.transitionTo(CircuitClosed)
	}
}

// open must be called with the lock held.
func (cb *CircuitBreaker) open() {
	cb.openedAt = time.Now()
	cb.transitionTo(CircuitOpen)
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState
	if cb.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking under the lock.
		go cb.config.OnStateChange(oldState, newState)
	}
}
