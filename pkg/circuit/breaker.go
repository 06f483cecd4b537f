// Package circuit provides a circuit breaker for calls to external services.
//
// The breaker guards the registry poller, the event publishers and the
// database writers. It is never placed in front of discovery submissions.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/hylo/pkg/errors"
)

// State is the breaker position
type State int

const (
	// StateClosed lets calls through
	StateClosed State = iota
	// StateOpen fails calls fast
	StateOpen
	// StateHalfOpen lets trial calls through
	StateHalfOpen
)

// String returns the state name
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

// Config holds breaker thresholds
type Config struct {
	Name            string
	MaxFailures     int           // failures in closed state before opening
	SuccessRequired int           // half-open successes before closing
	Timeout         time.Duration // open duration before probing
	ResetTimeout    time.Duration // closed-state failure count window

	// OnStateChange is called outside the breaker lock on every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns the default thresholds
func DefaultConfig() *Config {
	return &Config{
		Name:            "default",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	config *Config
	mu     sync.Mutex

	state       State
	failures    int
	successes   int
	lastFailure time.Time
	windowStart time.Time
	rejected    int64

	now func() time.Time
}

// Stats is a point-in-time view of the breaker
type Stats struct {
	State       State
	Failures    int
	Successes   int
	Rejected    int64
	LastFailure time.Time
}

// New creates a breaker; a nil config selects DefaultConfig
func New(config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	b := &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
	b.windowStart = b.now()
	return b
}

// errOpen is returned while the breaker rejects calls
func (cb *Breaker) errOpen() error {
	return errors.New(errors.ErrorTypeInternal, "circuit_breaker", "circuit breaker is open").
		WithContext("breaker", cb.config.Name)
}

// Execute runs fn unless the breaker is open
func (cb *Breaker) Execute(_ context.Context, fn func() error) error {
	if !cb.allow() {
		return cb.errOpen()
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult is Execute for functions returning a value
func ExecuteWithResult[T any](_ context.Context, cb *Breaker, fn func() (T, error)) (T, error) {
	var zero T
	if !cb.allow() {
		return zero, cb.errOpen()
	}
	res, err := fn()
	cb.record(err)
	return res, err
}

func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	now := cb.now()
	var from, to State
	allowed := true

	switch cb.state {
	case StateClosed:
		if now.Sub(cb.windowStart) > cb.config.ResetTimeout {
			cb.failures = 0
			cb.windowStart = now
		}
	case StateOpen:
		if now.Sub(cb.lastFailure) > cb.config.Timeout {
			from, to = cb.transition(StateHalfOpen)
		} else {
			allowed = false
			cb.rejected++
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

func (cb *Breaker) record(err error) {
	cb.mu.Lock()
	var from, to State

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()
		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.config.MaxFailures {
				from, to = cb.transition(StateOpen)
			}
		case StateHalfOpen:
			from, to = cb.transition(StateOpen)
		}
	} else {
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.config.SuccessRequired {
			from, to = cb.transition(StateClosed)
			cb.failures = 0
			cb.windowStart = cb.now()
		}
	}
	cb.mu.Unlock()

	cb.notify(from, to)
}

// transition must be called with mu held; it returns equal states when
// nothing changed
func (cb *Breaker) transition(to State) (State, State) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	return from, to
}

func (cb *Breaker) notify(from, to State) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state
func (cb *Breaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns breaker counters
func (cb *Breaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:       cb.state,
		Failures:    cb.failures,
		Successes:   cb.successes,
		Rejected:    cb.rejected,
		LastFailure: cb.lastFailure,
	}
}

// Reset closes the breaker and clears its counters
func (cb *Breaker) Reset() {
	cb.mu.Lock()
	from, to := cb.transition(StateClosed)
	cb.failures = 0
	cb.windowStart = cb.now()
	cb.mu.Unlock()

	cb.notify(from, to)
}
