// Package resilience provides a circuit breaker for calls to external
// services the bridge depends on mid-call: the function service and event
// webhooks.
//
// A tripped breaker fails fast with [ErrCircuitOpen] instead of letting every
// live call wait out a timeout against a dead endpoint.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Do] when the breaker is open
// and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Name is a label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// IsFailure decides whether an error counts against the breaker. Errors
	// caused by the caller (e.g. a 4xx response) should not trip it.
	// Default: every non-nil error except context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	failures       int
	openedAt       time.Time
	probesInFlight int
	probeSuccesses int
}

// New creates a [CircuitBreaker]. Zero-value config fields are replaced with
// defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{cfg: cfg}
}

func defaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker allows it and records the outcome. It returns
// [ErrCircuitOpen] without calling fn while the breaker is open or while the
// half-open probe budget is in use.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := cb.acquire()
	if err != nil {
		return err
	}
	err = fn(ctx)
	cb.record(probe, cb.cfg.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) acquire() (probe bool, err error) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		transition = cb.setState(StateHalfOpen)
		cb.probesInFlight = 0
		cb.probeSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if cb.probesInFlight >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probesInFlight++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe, failed bool) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if probe {
		if cb.state != StateHalfOpen {
			return
		}
		cb.probesInFlight--
		if failed {
			cb.openedAt = cb.cfg.Now()
			transition = cb.setState(StateOpen)
			return
		}
		cb.probeSuccesses++
		if cb.probeSuccesses >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			transition = cb.setState(StateClosed)
		}
		return
	}

	if !failed {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.openedAt = cb.cfg.Now()
		transition = cb.setState(StateOpen)
	}
}

// setState switches state and returns the notification to run after the
// lock is released. Must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	name := cb.cfg.Name
	failures := cb.failures
	return func() {
		switch to {
		case StateOpen:
			slog.Warn("circuit breaker opened", "name", name, "from", from.String(), "consecutive_failures", failures)
		default:
			slog.Info("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		}
		if cb.cfg.OnStateChange != nil {
			cb.cfg.OnStateChange(name, from, to)
		}
	}
}

// State returns the current [State]. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cfg.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probesInFlight = 0
	cb.probeSuccesses = 0
	transition := cb.setState(StateClosed)
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}
