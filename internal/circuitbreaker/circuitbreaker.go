package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit rejects calls.
var ErrOpen = errors.New("circuit breaker open")

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold consecutive probe successes close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before admitting a probe.
	Timeout   time.Duration
	Component string
	// OnStateChange is called outside the lock on every transition.
	OnStateChange func(component string, from, to State)
	// IsFailure decides whether an error counts against the circuit.
	// Defaults to any error except context cancellation by the caller.
	IsFailure func(error) bool
}

// CircuitBreaker stops calling a failing dependency for a while, then lets a
// single probe through at a time until SuccessThreshold probes succeed.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	probing   bool
	cfg       Config
	now       func() time.Time
}

// New creates a new CircuitBreaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &CircuitBreaker{state: StateClosed, cfg: cfg, now: time.Now}
}

// Call runs fn when the circuit allows it and records the outcome.
// Returns ErrOpen without calling fn while open or while a probe is in flight.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
			cb.mu.Unlock()
			return false, ErrOpen
		}
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.successes = 0
		fallthrough
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return false, ErrOpen
		}
		cb.probing = true
		probe = true
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return probe, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	if probe {
		cb.probing = false
	}
	from := cb.state
	failed := err != nil && cb.cfg.IsFailure(err)
	switch {
	case failed:
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
			cb.failures = 0
		}
	case err == nil:
		cb.failures = 0
		if cb.state == StateHalfOpen {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.state = StateClosed
				cb.successes = 0
			}
		}
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Component, from, to)
	}
}

// State returns the current state (for metrics and health).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
