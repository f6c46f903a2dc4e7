// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker for upstream dials. While a
// mapping's target is down, an open breaker rejects new connections at once
// instead of letting every client wait out the connect timeout.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long the circuit stays open before a probe is let through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successful probes that close the circuit again.
	SuccessThreshold int
}

type transition struct {
	from, to State
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	probing         bool
	lastStateChange time.Time
	onStateChange   func(from, to State)
	pending         []transition
	now             func() time.Time

	// notifyMu serializes delivery of pending transitions.
	notifyMu sync.Mutex
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Call executes fn if the circuit breaker allows it and records the outcome.
// It returns ErrCircuitOpen without calling fn while the circuit is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	err := cb.beforeCall()
	cb.notify()
	if err != nil {
		return err
	}

	err = fn()

	cb.afterCall(err)
	cb.notify()
	return err
}

// notify delivers queued transitions to the callback, in the order they
// happened, outside of mu.
func (cb *CircuitBreaker) notify() {
	cb.notifyMu.Lock()
	defer cb.notifyMu.Unlock()

	cb.mu.Lock()
	pending, fn := cb.pending, cb.onStateChange
	cb.pending = nil
	cb.mu.Unlock()

	if fn == nil {
		return
	}
	for _, t := range pending {
		fn(t.from, t.to)
	}
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil

	case StateHalfOpen:
		// One probe at a time.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil

	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()

	switch newState {
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		cb.pending = append(cb.pending, transition{from: oldState, to: newState})
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes. Transitions are
// delivered in order by the Call that caused them, after the breaker's lock
// is released, so fn may call State.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() (state State, failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state, cb.failures, cb.successes
}
