package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every provider in a group fails or sits
// behind an open breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FailoverConfig configures the per-provider breaker of a [Group].
type FailoverConfig struct {
	Breaker BreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Group wraps a primary and zero or more fallbacks of the same provider
// type. Calls go to the first member whose breaker admits them; a failing
// member's call falls through to the next. Membership is fixed once calls
// start; Add is not safe concurrently with Call.
type Group[T any] struct {
	members []member[T]
	cfg     FailoverConfig
}

// NewGroup builds a group with primary as the first member.
func NewGroup[T any](primary T, name string, cfg FailoverConfig) *Group[T] {
	g := &Group[T]{cfg: cfg}
	g.add(name, primary)
	return g
}

// Add appends a fallback, tried after all earlier members.
func (g *Group[T]) Add(name string, fallback T) {
	g.add(name, fallback)
}

func (g *Group[T]) add(name string, value T) {
	bc := g.cfg.Breaker
	bc.Name = name
	g.members = append(g.members, member[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(bc),
	})
}

// Call tries fn against each member in order until one succeeds. Returns
// [ErrAllFailed] wrapping the last error when none does. This is a
// package-level function because methods cannot add type parameters.
func Call[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range g.members {
		m := &g.members[i]
		var res R
		err := m.breaker.Do(func() error {
			var callErr error
			res, callErr = fn(m.value)
			return callErr
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", m.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", m.name, "err", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
