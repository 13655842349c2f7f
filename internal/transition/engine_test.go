package transition_test

import (
	"context"
	"strings"
	"testing"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/semantic"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/transition"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// loadConfig builds a config from YAML, failing the test on error.
func loadConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

const baseConfig = `
version: "1"
initial_goal: greet
profiles:
  rep:
    identity: "You are a service representative."
tactics: {}
goals:
  - id: greet
    description: Greet the customer.
    profile: rep
    branching:
      - priority: 10
        condition: {path: service.primary_request, op: is_set}
        next_goal: elicit
  - id: elicit
    description: Gather contact details.
    profile: rep
    max_turns: 3
    branching:
      - priority: 20
        condition:
          all_of:
            - {path: customer.phone, op: is_set}
            - {path: customer.name, op: is_set}
        next_goal: plan
      - priority: 10
        condition: {path: state_flags.escalate, op: "==", value: "true"}
        next_goal: plan
  - id: plan
    description: Agree on a plan.
    profile: rep
    branching:
      - priority: 20
        condition: {semantic: "customer explicitly confirmed the plan"}
        next_goal: execute
      - priority: 10
        condition: {path: operations.task_id, op: is_set}
        next_goal: execute
  - id: execute
    description: Execute the plan.
    profile: rep
`

// sessionWith builds a session snapshot with the given memory leaves.
func sessionWith(t *testing.T, leaves map[string]string) *session.Session {
	t.Helper()
	sess := session.NewSession("s-1")
	for path, value := range leaves {
		p, err := memtree.ParsePath(path)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", path, err)
		}
		next, err := memtree.Set(sess.Memory, p, memtree.String(value))
		if err != nil {
			t.Fatalf("Set(%q): %v", path, err)
		}
		sess.Memory = next
	}
	return sess
}

// stubEval returns a fixed semantic result and records calls.
type stubEval struct {
	result semantic.Result
	calls  int
}

func (s *stubEval) Evaluate(context.Context, string, string, string, []session.HistoryEntry) semantic.Result {
	s.calls++
	return s.result
}

func TestDecide_DeterministicAdvance(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	engine := transition.NewEngine(cfg, nil, nil)

	sess := sessionWith(t, map[string]string{"service.primary_request": "roof hole repair"})
	got := engine.Decide(context.Background(), cfg.Goal("greet"), sess)
	if !got.Advance || got.NextGoal != "elicit" {
		t.Errorf("Decide = %+v, want Advance to elicit", got)
	}
}

func TestDecide_NoRuleFiresStays(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	engine := transition.NewEngine(cfg, nil, nil)

	got := engine.Decide(context.Background(), cfg.Goal("greet"), session.NewSession("s-1"))
	if got.Advance {
		t.Errorf("Decide = %+v, want Stay", got)
	}
}

func TestDecide_EmptyLeafDoesNotFire(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	engine := transition.NewEngine(cfg, nil, nil)

	// An empty string leaf is unset under the memory model.
	sess := sessionWith(t, map[string]string{"service.primary_request": ""})
	got := engine.Decide(context.Background(), cfg.Goal("greet"), sess)
	if got.Advance {
		t.Errorf("empty leaf treated as set: %+v", got)
	}
}

func TestDecide_CompoundAllOf(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	engine := transition.NewEngine(cfg, nil, nil)

	// Only one of the two all_of legs is satisfied.
	sess := sessionWith(t, map[string]string{"customer.phone": "555-0100"})
	got := engine.Decide(context.Background(), cfg.Goal("elicit"), sess)
	if got.Advance {
		t.Errorf("all_of with one leg unsatisfied fired: %+v", got)
	}

	sess = sessionWith(t, map[string]string{
		"customer.phone": "555-0100",
		"customer.name":  "Ada",
	})
	got = engine.Decide(context.Background(), cfg.Goal("elicit"), sess)
	if !got.Advance || got.NextGoal != "plan" {
		t.Errorf("Decide = %+v, want Advance to plan", got)
	}
}

func TestDecide_HigherPrioritySemanticWins(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	eval := &stubEval{result: semantic.Result{Value: true, Confidence: 0.85}}
	engine := transition.NewEngine(cfg, eval, nil)

	// The lower-priority deterministic rule would also match; the semantic
	// rule has higher priority and must win.
	sess := sessionWith(t, map[string]string{"operations.task_id": "T-77"})
	got := engine.Decide(context.Background(), cfg.Goal("plan"), sess)
	if !got.Advance || got.NextGoal != "execute" {
		t.Errorf("Decide = %+v, want Advance to execute", got)
	}
	if eval.calls != 1 {
		t.Errorf("evaluator calls = %d, want 1", eval.calls)
	}
}

func TestDecide_SemanticBelowConfidenceFallsThrough(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	eval := &stubEval{result: semantic.Result{Value: true, Confidence: 0.5}}
	engine := transition.NewEngine(cfg, eval, nil)

	// Semantic is true but under the 0.7 gate; the deterministic rule
	// still matches.
	sess := sessionWith(t, map[string]string{"operations.task_id": "T-77"})
	got := engine.Decide(context.Background(), cfg.Goal("plan"), sess)
	if !got.Advance || got.NextGoal != "execute" {
		t.Errorf("Decide = %+v, want deterministic rule to advance", got)
	}
}

func TestDecide_SemanticFailureIsFalse(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	eval := &stubEval{result: semantic.Result{Reason: "parse_failed"}}
	engine := transition.NewEngine(cfg, eval, nil)

	got := engine.Decide(context.Background(), cfg.Goal("plan"), session.NewSession("s-1"))
	if got.Advance {
		t.Errorf("failed semantic evaluation advanced: %+v", got)
	}
}

func TestDecide_NumericComparison(t *testing.T) {
	t.Parallel()

	doc := `
version: "1"
initial_goal: a
profiles:
  rep: {identity: "rep"}
goals:
  - id: a
    description: a
    profile: rep
    branching:
      - priority: 10
        condition: {path: operations.attempts, op: ">", value: "2"}
        next_goal: b
  - id: b
    description: b
    profile: rep
`
	cfg := loadConfig(t, doc)
	engine := transition.NewEngine(cfg, nil, nil)

	// "10" > "2" numerically, though not lexicographically.
	sess := sessionWith(t, map[string]string{"operations.attempts": "10"})
	got := engine.Decide(context.Background(), cfg.Goal("a"), sess)
	if !got.Advance {
		t.Errorf("numeric comparison 10 > 2 did not fire: %+v", got)
	}
}

func TestDecide_DeterministicIsRepeatable(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	engine := transition.NewEngine(cfg, nil, nil)
	sess := sessionWith(t, map[string]string{"service.primary_request": "repair"})

	first := engine.Decide(context.Background(), cfg.Goal("greet"), sess)
	for i := 0; i < 10; i++ {
		got := engine.Decide(context.Background(), cfg.Goal("greet"), sess)
		if got != first {
			t.Fatalf("run %d: Decide = %+v, want %+v", i, got, first)
		}
	}
}

func TestDecide_MaxTurnsStallEmitsEvent(t *testing.T) {
	t.Parallel()

	cfg := loadConfig(t, baseConfig)
	sink := &events.CollectSink{}
	engine := transition.NewEngine(cfg, nil, sink)

	sess := session.NewSession("s-1")
	sess.Counters.TurnsInGoal = 3
	got := engine.Decide(context.Background(), cfg.Goal("elicit"), sess)
	if got.Advance {
		t.Errorf("stalled goal advanced: %+v", got)
	}
	evs := sink.OfType(events.TypeGoalTransitioned)
	if len(evs) != 1 || evs[0].Fields["stalled"] != true {
		t.Errorf("expected one stalled event, got %+v", evs)
	}
}
