// Package transition implements the goal transition engine: after each turn
// it walks the current goal's branching rules in descending priority order
// and decides whether the session stays in its goal or advances.
//
// Deterministic and compound conditions evaluate purely in-process against
// the session's memory tree, so most turns never touch the LLM; semantic
// conditions are delegated to the evaluator and gated on a confidence
// threshold. A semantic failure counts as false, never as an error.
package transition

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/semantic"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// Evaluator is the semantic-condition collaborator. Satisfied by
// [semantic.Evaluator].
type Evaluator interface {
	Evaluate(ctx context.Context, sid, predicate, memoryProjection string, exchanges []session.HistoryEntry) semantic.Result
}

// Decision is the engine's verdict for one turn.
type Decision struct {
	// Advance is true when a rule fired.
	Advance bool

	// NextGoal is the target goal id when Advance is true.
	NextGoal string

	// Reason explains the decision for events and logs.
	Reason string
}

// Stay constructs a non-advancing decision.
func Stay(reason string) Decision {
	return Decision{Reason: reason}
}

// Engine evaluates branching rules. Immutable after construction; safe for
// concurrent use across sessions.
type Engine struct {
	cfg        *config.Config
	eval       Evaluator
	sink       events.Sink
	confidence float64
}

// NewEngine constructs an Engine. eval may be nil when no goal uses semantic
// conditions; a semantic rule evaluated without an evaluator is false.
func NewEngine(cfg *config.Config, eval Evaluator, sink events.Sink) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Engine{
		cfg:        cfg,
		eval:       eval,
		sink:       sink,
		confidence: cfg.Defaults.SemanticConfidence,
	}
}

// Decide walks the goal's rules in descending priority order and returns the
// outcome of the first rule whose condition holds. When no rule fires the
// session stays.
//
// A rule that names an undefined goal should be impossible after config
// validation; if one is seen anyway (config drift), it is skipped and
// recorded, never advanced into.
func (e *Engine) Decide(ctx context.Context, goal *config.GoalConfig, sess *session.Session) Decision {
	if goal == nil || len(goal.Branching) == 0 {
		return Stay("no branching rules")
	}

	rules := make([]config.BranchRule, len(goal.Branching))
	copy(rules, goal.Branching)
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	for _, rule := range rules {
		if !e.holds(ctx, rule.Condition, sess) {
			continue
		}
		if e.cfg.Goal(rule.NextGoal) == nil {
			e.sink.Emit(ctx, events.New(events.TypeGoalTransitioned, sess.ID, map[string]any{
				"drift":     true,
				"from":      goal.ID,
				"next_goal": rule.NextGoal,
				"priority":  rule.Priority,
			}))
			continue
		}
		return Decision{
			Advance:  true,
			NextGoal: rule.NextGoal,
			Reason:   fmt.Sprintf("rule priority %d matched", rule.Priority),
		}
	}

	if goal.MaxTurns > 0 && sess.Counters.TurnsInGoal >= goal.MaxTurns {
		// Stalled: the goal's turn budget is spent but no rule fires. The
		// session stays (there is no defined escape target), but operators
		// get a record.
		e.sink.Emit(ctx, events.New(events.TypeGoalTransitioned, sess.ID, map[string]any{
			"stalled":       true,
			"from":          goal.ID,
			"turns_in_goal": sess.Counters.TurnsInGoal,
			"max_turns":     goal.MaxTurns,
		}))
		return Stay("goal turn budget exhausted, no rule fired")
	}

	return Stay("no rule fired")
}

// holds evaluates one condition against the session.
func (e *Engine) holds(ctx context.Context, c config.Condition, sess *session.Session) bool {
	switch {
	case c.Deterministic != nil:
		return holdsDeterministic(c.Deterministic, sess.Memory)

	case c.Compound != nil:
		return e.holdsCompound(ctx, c.Compound, sess)

	case c.Semantic != nil:
		if e.eval == nil {
			return false
		}
		res := e.eval.Evaluate(ctx, sess.ID, c.Semantic.Text, sess.MemoryProjection(), sess.RecentHistory(6))
		return res.Value && res.Confidence >= e.confidence

	default:
		return false
	}
}

// holdsCompound applies all_of/any_of with short-circuiting.
func (e *Engine) holdsCompound(ctx context.Context, c *config.CompoundCondition, sess *session.Session) bool {
	for _, child := range c.Conditions {
		got := e.holds(ctx, child, sess)
		if c.Mode == config.AllOf && !got {
			return false
		}
		if c.Mode == config.AnyOf && got {
			return true
		}
	}
	return c.Mode == config.AllOf
}

// holdsDeterministic evaluates a path/op/value condition against the memory
// tree. Purely in-process.
func holdsDeterministic(c *config.DeterministicCondition, memory memtree.Value) bool {
	v, ok := memtree.GetPath(memory, c.Path)

	switch c.Op {
	case config.OpIsSet:
		return ok && v.IsSet()
	case config.OpIsEmpty:
		return !ok || !v.IsSet()
	}

	if !ok {
		// Comparisons against an absent leaf are false; != is true since
		// nothing does not equal something.
		return c.Op == config.OpNe
	}

	cmp, comparable := compare(v.LeafString(), c.Value)
	if !comparable {
		return false
	}
	switch c.Op {
	case config.OpEq:
		return cmp == 0
	case config.OpNe:
		return cmp != 0
	case config.OpGt:
		return cmp > 0
	case config.OpLt:
		return cmp < 0
	case config.OpGe:
		return cmp >= 0
	case config.OpLe:
		return cmp <= 0
	default:
		return false
	}
}

// compare orders two textual values: numerically when both parse as numbers,
// lexicographically otherwise.
func compare(a, b string) (int, bool) {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	switch {
	case a < b:
		return -1, true
	case a > b:
		return 1, true
	default:
		return 0, true
	}
}
