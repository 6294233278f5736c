// Package circuitbreaker stops calling a failing dependency for a cool-down
// period and lets a few trial calls through before closing again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options tune a breaker beyond its failure threshold and cool-down.
type Options struct {
	HalfOpenMaxCalls uint32
	Logger           *logrus.Logger
	// IsFailure decides which errors count against the breaker. By default
	// cancellations by the caller do not.
	IsFailure     func(error) bool
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// CircuitBreaker guards calls to one external dependency
type CircuitBreaker struct {
	name        string
	maxFailures uint32
	timeout     time.Duration
	opts        Options

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32
}

// New creates a breaker that opens after maxFailures consecutive failures and
// tries again once timeout has elapsed.
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithOptions(name, maxFailures, timeout, Options{})
}

func NewWithOptions(name string, maxFailures uint32, timeout time.Duration, opts Options) *CircuitBreaker {
	if opts.HalfOpenMaxCalls == 0 {
		opts.HalfOpenMaxCalls = 3
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if maxFailures == 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:        name,
		maxFailures: maxFailures,
		timeout:     timeout,
		opts:        opts,
		state:       StateClosed,
	}
}

// Execute runs fn unless the breaker is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return &CircuitBreakerError{Name: cb.name, State: cb.GetState()}
	}

	err := fn(ctx)
	if err != nil && cb.opts.IsFailure(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.advanceLocked()
	switch cb.state {
	case StateClosed:
		cb.requestCount++
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.opts.HalfOpenMaxCalls {
			return false
		}
		cb.halfOpenCalls++
		cb.requestCount++
		return true
	default:
		return false
	}
}

// advanceLocked moves an open breaker to half-open once the cool-down passed.
func (cb *CircuitBreaker) advanceLocked() {
	if cb.state == StateOpen && cb.opts.Now().Sub(cb.lastFailureTime) >= cb.timeout {
		cb.setStateLocked(StateHalfOpen)
		cb.halfOpenCalls = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.opts.HalfOpenMaxCalls {
			cb.failures = 0
			cb.successCount = 0
			cb.halfOpenCalls = 0
			cb.setStateLocked(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.opts.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	entry := cb.opts.Logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"state":           to.String(),
		"failures":        cb.failures,
	})
	if to == StateOpen {
		entry.Warn("Circuit breaker opened due to failures")
	} else {
		entry.Info("Circuit breaker state changed")
	}

	if cb.opts.OnStateChange != nil {
		cb.opts.OnStateChange(cb.name, from, to)
	}
}

// GetState returns the current state, moving open to half-open if the cool-down passed
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError is returned instead of calling the dependency while open
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
