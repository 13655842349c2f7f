package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/maitred-ai/maitre/internal/config"
)

// validYAML is a minimal but complete goal graph shared by happy-path tests.
const validYAML = `
version: "1"
initial_goal: Greet
profiles:
  service_rep:
    identity: "You are a friendly service representative."
    temperature: 0.4
    max_tokens: 512
tactics:
  be_brief: "Keep answers under two sentences."
goals:
  - id: Greet
    description: "Welcome the customer and learn why they called."
    profile: service_rep
    tactics: [be_brief]
    tools: [memory_update_extraction_fields]
    branching:
      - priority: 10
        next_goal: Elicit
        condition:
          path: service.primary_request
          op: is_set
  - id: Elicit
    description: "Collect contact details."
    profile: service_rep
    mandatory_paths: [customer.phone]
    branching:
      - priority: 20
        next_goal: Wrap
        condition:
          semantic: "customer asked to end the call"
      - priority: 10
        next_goal: Wrap
        condition:
          all_of:
            - path: customer.phone
              op: is_set
            - path: service.primary_request
              op: is_set
  - id: Wrap
    description: "Say goodbye."
    profile: service_rep
    terminal: true
    termination_steps:
      - say: "Thanks for calling!"
      - tool: call_hangup
tool_mappings:
  - tool: customer_lookup
    paths:
      customer.id: customer.id
      customer.name: customer.name
`

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.InitialGoal != "Greet" {
		t.Errorf("initial goal = %q, want Greet", cfg.InitialGoal)
	}
	if g := cfg.Goal("Elicit"); g == nil || len(g.Branching) != 2 {
		t.Fatalf("goal Elicit = %+v, want 2 branching rules", g)
	}

	// Defaults are applied.
	d := cfg.Defaults
	if d.MaxToolCalls != 5 {
		t.Errorf("defaults.max_tool_calls = %d, want 5", d.MaxToolCalls)
	}
	if d.TurnTimeout.Std() != 30*time.Second {
		t.Errorf("defaults.turn_timeout = %v, want 30s", d.TurnTimeout.Std())
	}
	if d.SemanticConfidence != 0.7 {
		t.Errorf("defaults.semantic_confidence = %v, want 0.7", d.SemanticConfidence)
	}
	if d.SentenceMax != 100 {
		t.Errorf("defaults.sentence_max = %d, want 100", d.SentenceMax)
	}
}

func TestLoadFromReader_NormalizesConditions(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	greet := cfg.Goal("Greet").Branching[0].Condition
	if greet.Deterministic == nil {
		t.Fatal("Greet rule condition not normalized to deterministic")
	}
	if greet.Deterministic.Path != "service.primary_request" || greet.Deterministic.Op != config.OpIsSet {
		t.Errorf("deterministic condition = %+v", greet.Deterministic)
	}

	elicit := cfg.Goal("Elicit").Branching
	if elicit[0].Condition.Semantic == nil {
		t.Error("semantic condition not normalized")
	}
	compound := elicit[1].Condition.Compound
	if compound == nil || compound.Mode != config.AllOf || len(compound.Conditions) != 2 {
		t.Errorf("compound condition = %+v", compound)
	}
}

func TestLoadFromReader_BareStringIsSemantic(t *testing.T) {
	t.Parallel()

	yaml := strings.Replace(validYAML,
		"condition:\n          semantic: \"customer asked to end the call\"",
		"condition: \"customer asked to end the call\"", 1)

	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cond := cfg.Goal("Elicit").Branching[0].Condition
	if cond.Semantic == nil || cond.Semantic.Text != "customer asked to end the call" {
		t.Errorf("condition = %+v, want semantic", cond)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(string) string
		mention string
	}{
		{
			name:    "duplicate priorities",
			mutate:  func(y string) string { return strings.Replace(y, "priority: 20", "priority: 10", 1) },
			mention: "duplicates",
		},
		{
			name:    "unknown next goal",
			mutate:  func(y string) string { return strings.Replace(y, "next_goal: Elicit", "next_goal: Nowhere", 1) },
			mention: "next_goal",
		},
		{
			name:    "missing initial goal",
			mutate:  func(y string) string { return strings.Replace(y, "initial_goal: Greet", "initial_goal: \"\"", 1) },
			mention: "initial_goal",
		},
		{
			name: "unknown profile",
			mutate: func(y string) string {
				return strings.Replace(y, "profile: service_rep\n    tactics:", "profile: ghost\n    tactics:", 1)
			},
			mention: "profile",
		},
		{
			name:    "unknown tactic",
			mutate:  func(y string) string { return strings.Replace(y, "[be_brief]", "[be_rude]", 1) },
			mention: "tactic",
		},
		{
			name:    "duplicate goal id",
			mutate:  func(y string) string { return strings.Replace(y, "id: Elicit", "id: Greet", 1) },
			mention: "duplicate",
		},
		{
			name: "op requires value",
			mutate: func(y string) string {
				return strings.Replace(y, "op: is_set", "op: \">\"", 1)
			},
			mention: "value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadFromReader(strings.NewReader(tt.mutate(validYAML)))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.mention) {
				t.Errorf("error should mention %q, got: %v", tt.mention, err)
			}
		})
	}
}

func TestValidate_ErrorsWrapSentinel(t *testing.T) {
	t.Parallel()

	yaml := strings.Replace(validYAML, "initial_goal: Greet", "initial_goal: Missing", 1)
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if !errors.Is(err, config.ErrConfigInvalid) {
		t.Errorf("error does not wrap ErrConfigInvalid: %v", err)
	}
}

func TestLoadFromReader_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	yaml := validYAML + "\nmystery_section:\n  key: value\n"
	if _, err := config.LoadFromReader(strings.NewReader(yaml)); err == nil {
		t.Fatal("expected error for unknown top-level field, got nil")
	}
}

func TestDescribe_RoundTrip(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	doc, err := cfg.Describe()
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	reloaded, err := config.LoadFromReader(strings.NewReader(string(doc)))
	if err != nil {
		t.Fatalf("reload described config: %v", err)
	}

	if reloaded.InitialGoal != cfg.InitialGoal {
		t.Errorf("initial goal changed across round trip: %q vs %q", reloaded.InitialGoal, cfg.InitialGoal)
	}
	if len(reloaded.Goals) != len(cfg.Goals) {
		t.Fatalf("goal count changed across round trip: %d vs %d", len(reloaded.Goals), len(cfg.Goals))
	}
	for i := range cfg.Goals {
		want, got := cfg.Goals[i], reloaded.Goals[i]
		if got.ID != want.ID || got.Terminal != want.Terminal || len(got.Branching) != len(want.Branching) {
			t.Errorf("goal %q changed across round trip", want.ID)
		}
	}
	sem := reloaded.Goal("Elicit").Branching[0].Condition.Semantic
	if sem == nil || sem.Text != "customer asked to end the call" {
		t.Errorf("semantic condition lost in round trip: %+v", sem)
	}
}

func TestDeferredTools(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	registered := map[string]bool{"memory_update_extraction_fields": true}
	missing := cfg.DeferredTools(func(name string) bool { return registered[name] })
	if len(missing) != 1 || missing[0] != "call_hangup" {
		t.Errorf("deferred tools = %v, want [call_hangup]", missing)
	}
}

func TestValidate_AppendPathsMustBeMapped(t *testing.T) {
	t.Parallel()

	yaml := validYAML + "\n"
	yaml = strings.Replace(yaml,
		"      customer.name: customer.name\n",
		"      customer.name: customer.name\n    append_paths: [operations.notes]\n", 1)

	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unmapped append path, got nil")
	}
	if !strings.Contains(err.Error(), "append_paths") {
		t.Errorf("error should mention append_paths, got: %v", err)
	}
}
