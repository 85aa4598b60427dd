// Package resilience provides the per-provider fault isolation primitives.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects sessions from cascading failures
// when an upstream voice provider degrades. A [BreakerSet] holds one breaker
// per provider with a defined lifecycle: created at startup, shared by every
// session using that provider, torn down at shutdown.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is in the open state, or when
// the single half-open trial permit has already been claimed by another
// caller. No provider call is attempted.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [ErrCircuitOpen] until
	// the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Exactly
	// one trial call is permitted; concurrent callers are rejected as if the
	// breaker were still open.
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
	// Name is a human-readable label used in log messages, typically the
	// provider identifier.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before permitting a
	// half-open trial call. Default: 30s.
	Cooldown time.Duration
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	openedAt        time.Time
	trialInFlight   bool
}

// Snapshot is a point-in-time copy of a breaker's observable state.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	LastFailure         time.Time
	OpenedAt            time.Time
}

// New creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		state:       StateClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// [ErrCircuitOpen] until the cooldown elapses, at which point the first
// caller claims the single half-open trial permit. Callers that get a nil
// result must follow up with exactly one of [CircuitBreaker.RecordSuccess]
// or [CircuitBreaker.RecordFailure].
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cooldown {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.trialInFlight = true
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)
		return nil

	case StateHalfOpen:
		if cb.trialInFlight {
			// Trial permit already claimed — fail fast as if still open.
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	}

	return nil
}

// RecordSuccess records a successful call. In half-open it closes the
// breaker; in any state it resets the consecutive-failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		slog.Info("circuit breaker closed after successful trial", "name", cb.name)
	}
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.trialInFlight = false
}

// RecordFailure records a failed call. In half-open the breaker re-opens and
// the cooldown restarts; in closed the consecutive-failure counter is
// incremented and the breaker opens once it reaches the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.lastFailure = now

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = now
		cb.trialInFlight = false
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.state == StateClosed && cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = now
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// Execute runs fn if the breaker allows it and records the outcome. In the
// open state it returns [ErrCircuitOpen] without calling fn.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		cb.RecordFailure()
	} else {
		cb.RecordSuccess()
	}
	return err
}

// State returns the current [State] of the breaker. If the breaker is open
// and the cooldown has elapsed, the returned state is [StateHalfOpen] (the
// actual transition happens when the next caller claims the trial permit).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Snapshot returns a point-in-time copy of the breaker's state for health
// derivation and diagnostics.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.state
	if state == StateOpen && time.Since(cb.openedAt) >= cb.cooldown {
		state = StateHalfOpen
	}
	return Snapshot{
		Name:                cb.name,
		State:               state,
		ConsecutiveFailures: cb.consecutiveFail,
		LastFailure:         cb.lastFailure,
		OpenedAt:            cb.openedAt,
	}
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.trialInFlight = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
