// Package circuitbreaker guards a failing dependency: after enough
// consecutive failures calls are rejected outright for a cooldown period,
// then a single trial call decides whether to close again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped function.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes a breaker. Zero values get defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker. Default: 5.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close again. Default: 2.
	SuccessThreshold int
	// Cooldown is how long the breaker stays open before permitting a
	// trial call. Default: 1m.
	Cooldown time.Duration
}

// Snapshot is a point-in-time view for health reporting.
type Snapshot struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"failureCount"`
	Successes   int       `json:"successCount"`
	NextAttempt time.Time `json:"nextAttempt,omitempty"`
}

// Breaker guards one dependency. State is process-local and resets on
// restart.
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config
	clock  func() time.Time

	state       State
	failures    int
	successes   int
	nextAttempt time.Time
}

// New creates a breaker named after the dependency it guards.
func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Cooldown <= 0 {
		config.Cooldown = time.Minute
	}
	return &Breaker{
		name:   name,
		config: config,
		clock:  time.Now,
		state:  StateClosed,
	}
}

// WithClock overrides the time source for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Execute invokes fn under the breaker's policy. When open and within the
// cooldown it fails fast with ErrCircuitOpen, never invoking fn. When the
// cooldown has elapsed a single trial call is let through half-open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// State returns the current state, applying the open→half-open transition
// if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.clock().Before(b.nextAttempt) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the breaker's current counters for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		NextAttempt: b.nextAttempt,
	}
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.clock().Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: permit exactly one trial call. The success
		// streak carries across trials until a failure resets it.
		b.state = StateHalfOpen
		return nil
	case StateHalfOpen:
		// A trial is already in flight.
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		} else {
			// Not yet convinced: allow the next trial immediately.
			b.state = StateOpen
			b.nextAttempt = b.clock()
		}
	case StateClosed:
		b.failures = 0
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Trial failed: reopen for a full cooldown.
		b.state = StateOpen
		b.failures++
		b.successes = 0
		b.nextAttempt = b.clock().Add(b.config.Cooldown)
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = StateOpen
			b.nextAttempt = b.clock().Add(b.config.Cooldown)
		}
	}
}
