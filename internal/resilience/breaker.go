// Package resilience provides the circuit breaker and provider failover used
// around the LLM, STT, and TTS backends. A breaker trips after consecutive
// failures and rejects calls until a reset window elapses; a failover group
// composes several providers of the same kind, each behind its own breaker,
// so a failing primary is bypassed in favour of a healthy fallback.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the breaker is open and the reset window
// has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is a breaker's operating mode.
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects all calls until the reset window elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether to close again.
	StateHalfOpen
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

// BreakerConfig tunes a [CircuitBreaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// TripAfter is how many consecutive failures open the breaker. Default 5.
	TripAfter int

	// ResetAfter is how long the breaker stays open before probing. Default 30s.
	ResetAfter time.Duration

	// ProbeBudget is how many half-open probes may run before the breaker
	// decides. Default 3.
	ProbeBudget int
}

// CircuitBreaker is a three-state breaker. Safe for concurrent use.
type CircuitBreaker struct {
	name        string
	tripAfter   int
	resetAfter  time.Duration
	probeBudget int

	mu         sync.Mutex
	state      State
	failures   int
	openedAt   time.Time
	probes     int
	probeFails int
}

// NewBreaker builds a breaker from cfg, filling defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 5
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &CircuitBreaker{
		name:        cfg.Name,
		tripAfter:   cfg.TripAfter,
		resetAfter:  cfg.ResetAfter,
		probeBudget: cfg.ProbeBudget,
	}
}

// State reports the current state, accounting for an elapsed reset window.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.resetAfter {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn when the breaker allows it. Open breakers reject immediately
// with [ErrCircuitOpen]; half-open breakers admit up to ProbeBudget probes.
func (b *CircuitBreaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.resetAfter {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit half-open", "breaker", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeBudget {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	probing := b.state == StateHalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *CircuitBreaker) onFailure(probing bool) {
	b.openedAt = time.Now()
	if probing {
		// One failed probe re-opens immediately.
		b.probeFails++
		b.state = StateOpen
		b.failures = b.tripAfter
		slog.Warn("circuit re-opened", "breaker", b.name)
		return
	}
	b.failures++
	if b.failures >= b.tripAfter {
		b.state = StateOpen
		slog.Warn("circuit opened", "breaker", b.name, "failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *CircuitBreaker) onSuccess(probing bool) {
	if !probing {
		b.failures = 0
		return
	}
	if b.probes-b.probeFails >= b.probeBudget {
		b.state = StateClosed
		b.failures = 0
		b.probes = 0
		b.probeFails = 0
		slog.Info("circuit closed", "breaker", b.name)
	}
}
