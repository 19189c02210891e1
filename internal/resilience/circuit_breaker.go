package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// StateListener is notified after every state change
type StateListener func(name string, from, to CircuitState)

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name         string
	maxFailures  int           // Consecutive failures before opening
	resetTimeout time.Duration // Time to wait before probing
	halfOpenMax  int           // Probes allowed while half-open

	mu        sync.Mutex
	state     CircuitState
	failures  int // consecutive, while closed
	probes    int // admitted while half-open
	successes int // while half-open
	openedAt  time.Time
	listener  StateListener
	now       func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
		now:          time.Now,
	}
}

// OnStateChange registers a listener for state transitions
func (cb *CircuitBreaker) OnStateChange(l StateListener) *CircuitBreaker {
	cb.mu.Lock()
	cb.listener = l
	cb.mu.Unlock()
	return cb
}

// Call executes fn with circuit breaker protection
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.RecordResult(err == nil)
	return err
}

// allowRequest checks if a request should be allowed
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.probes, cb.successes = 1, 0
		return true
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false
		}
		cb.probes++
		return true
	}
	return false
}

// RecordResult records the outcome of a request made outside Call
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case success && cb.state == StateClosed:
		cb.failures = 0
	case success && cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.transition(StateClosed)
			cb.failures, cb.probes, cb.successes = 0, 0, 0
		}
	case !success && cb.state == StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.open()
		}
	case !success && cb.state == StateHalfOpen:
		// a failed probe reopens immediately
		cb.open()
	}
}

// open must be called with mu held
func (cb *CircuitBreaker) open() {
	cb.transition(StateOpen)
	cb.openedAt = cb.now()
	cb.probes, cb.successes = 0, 0
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.listener != nil && from != to {
		cb.listener(cb.name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
