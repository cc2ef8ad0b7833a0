// Package circuitbreaker keeps a misbehaving chain endpoint from being hammered
// by every lifecycle that targets it.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls fail fast
	StateHalfOpen              // a single trial call decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a breaker. Zero values take the defaults.
type Config struct {
	// FailureThreshold consecutive endpoint failures open the circuit.
	FailureThreshold int

	// SuccessThreshold consecutive successful trials close a half-open
	// circuit.
	SuccessThreshold int

	// Timeout is how long an open circuit rejects calls before it lets a
	// trial through.
	Timeout time.Duration

	// OnStateChange runs on its own goroutine after every state change.
	OnStateChange func(from, to State)

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// CircuitBreaker tracks the health of one endpoint. The open to half-open
// move is lazy: it happens on the first look at the state after Timeout.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config

	state     State
	failures  int
	successes int
	openedAt  time.Time
	lastFail  time.Time
	trial     bool // a half-open trial is in flight
}

func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{config: config.withDefaults(), state: StateClosed}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.effective()
}

// effective is the state with an elapsed open period taken into account.
// Callers hold at least the read lock.
func (cb *CircuitBreaker) effective() State {
	if cb.state == StateOpen && cb.config.Clock.Since(cb.openedAt) >= cb.config.Timeout {
		return StateHalfOpen
	}
	return cb.state
}

// settle stores the effective state. Callers hold the write lock.
func (cb *CircuitBreaker) settle() State {
	s := cb.effective()
	cb.moveTo(s)
	return s
}

// Allow reports whether a call may go to the endpoint. A half-open circuit
// admits one trial until its result is recorded.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.settle() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.trial {
			return false
		}
		cb.trial = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.settle()
	cb.trial = false
	cb.failures = 0
	cb.successes++
	if s == StateHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.successes = 0
		cb.moveTo(StateClosed)
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.settle()
	cb.trial = false
	cb.successes = 0
	cb.failures++
	cb.lastFail = cb.config.Clock.Now()

	// a failed trial reopens at once; failures while open extend the period
	if s != StateClosed || cb.failures >= cb.config.FailureThreshold {
		cb.openedAt = cb.lastFail
		cb.moveTo(StateOpen)
	}
}

// Reset closes the circuit and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trial = false
	cb.failures, cb.successes = 0, 0
	cb.moveTo(StateClosed)
}

func (cb *CircuitBreaker) moveTo(s State) {
	if cb.state == s {
		return
	}
	from := cb.state
	cb.state = s
	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, s)
	}
}

type Stats struct {
	State                State
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastFailureTime      time.Time
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:                cb.effective(),
		ConsecutiveFailures:  cb.failures,
		ConsecutiveSuccesses: cb.successes,
		LastFailureTime:      cb.lastFail,
	}
}
