// Package breaker isolates calls to external services per (service, venue)
// pair so that one tenant's gateway trouble does not starve the others.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainErrors "github.com/cassiomorais/venuepay/internal/domain/errors"
)

// State is the breaker state. Values match the circuit_breaker_state gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Settings configures a breaker.
type Settings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// MaxHalfOpenAttempts is the number of failed probes that re-opens the circuit.
	MaxHalfOpenAttempts int
	// IsSuccessful classifies a call result. Defaults to err == nil.
	IsSuccessful func(err error) bool
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:    5,
		ResetTimeout:        30 * time.Second,
		MaxHalfOpenAttempts: 3,
	}
}

func (s Settings) normalized() Settings {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 1
	}
	if s.MaxHalfOpenAttempts < 1 {
		s.MaxHalfOpenAttempts = 1
	}
	if s.ResetTimeout < 0 {
		s.ResetTimeout = 0
	}
	if s.IsSuccessful == nil {
		s.IsSuccessful = func(err error) bool { return err == nil }
	}
	return s
}

// Transition describes one state change.
type Transition struct {
	Service             string
	Venue               string
	From                State
	To                  State
	At                  time.Time
	ConsecutiveFailures int
	HalfOpenAttempts    int
	Load                Load
}

// Snapshot is a point-in-time copy of a breaker.
type Snapshot struct {
	Service             string
	Venue               string
	State               State
	ConsecutiveFailures int
	HalfOpenAttempts    int
	LastTransition      time.Time
	Settings            Settings
}

// Breaker is the circuit for a single (service, venue) pair.
type Breaker struct {
	service  string
	venue    string
	settings Settings
	now      func() time.Time
	notify   func(ctx context.Context, transitions []Transition)

	mu               sync.Mutex
	state            State
	failures         int
	halfOpenAttempts int
	lastTransition   time.Time
	generation       uint64
}

func newBreaker(service, venue string, settings Settings, now func() time.Time, notify func(context.Context, []Transition)) *Breaker {
	return &Breaker{
		service:        service,
		venue:          venue,
		settings:       settings.normalized(),
		now:            now,
		notify:         notify,
		state:          StateClosed,
		lastTransition: now(),
	}
}

// Execute runs fn if the current state admits it and records the outcome.
// A rejected call returns an error wrapping ErrCircuitOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	generation, transitions, err := b.admit()
	b.emit(ctx, transitions)
	if err != nil {
		return err
	}

	callErr := fn(ctx)

	b.emit(ctx, b.record(generation, b.settings.IsSuccessful(callErr)))
	return callErr
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:             b.service,
		Venue:               b.venue,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		HalfOpenAttempts:    b.halfOpenAttempts,
		LastTransition:      b.lastTransition,
		Settings:            b.settings,
	}
}

func (b *Breaker) admit() (uint64, []Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var transitions []Transition
	if b.state == StateOpen {
		now := b.now()
		if now.Sub(b.lastTransition) <= b.settings.ResetTimeout {
			return 0, nil, fmt.Errorf("%w: service=%s venue=%s", domainErrors.ErrCircuitOpen, b.service, b.venue)
		}
		b.halfOpenAttempts = 0
		transitions = append(transitions, b.transitionLocked(StateHalfOpen, now))
	}
	return b.generation, transitions, nil
}

func (b *Breaker) record(generation uint64, success bool) []Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	// The call was admitted under a state that no longer exists.
	if generation != b.generation {
		return nil
	}

	now := b.now()
	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return nil
		}
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			return []Transition{b.transitionLocked(StateOpen, now)}
		}
	case StateHalfOpen:
		if success {
			b.failures = 0
			b.halfOpenAttempts = 0
			return []Transition{b.transitionLocked(StateClosed, now)}
		}
		b.halfOpenAttempts++
		if b.halfOpenAttempts >= b.settings.MaxHalfOpenAttempts {
			return []Transition{b.transitionLocked(StateOpen, now)}
		}
	}
	return nil
}

func (b *Breaker) transitionLocked(to State, now time.Time) Transition {
	t := Transition{
		Service:             b.service,
		Venue:               b.venue,
		From:                b.state,
		To:                  to,
		At:                  now,
		ConsecutiveFailures: b.failures,
		HalfOpenAttempts:    b.halfOpenAttempts,
	}
	b.state = to
	b.lastTransition = now
	b.generation++
	return t
}

func (b *Breaker) emit(ctx context.Context, transitions []Transition) {
	if len(transitions) == 0 || b.notify == nil {
		return
	}
	b.notify(ctx, transitions)
}
