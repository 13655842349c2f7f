package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maitred-ai/maitre/pkg/memtree"
)

// ErrConfigInvalid is the sentinel wrapped by every validation failure, so
// callers can test with errors.Is regardless of which rule was violated.
var ErrConfigInvalid = errors.New("config invalid")

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "anyllm"},
	"stt": {"openai"},
	"tts": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued runtime knobs with their documented
// defaults.
func applyDefaults(cfg *Config) {
	d := &cfg.Defaults
	if d.MaxToolCalls == 0 {
		d.MaxToolCalls = 5
	}
	if d.TurnTimeout == 0 {
		d.TurnTimeout = Duration(30 * time.Second)
	}
	if d.ToolHardTimeout == 0 {
		d.ToolHardTimeout = Duration(15 * time.Second)
	}
	if d.SentenceMax == 0 {
		d.SentenceMax = 100
	}
	if d.HistoryWindow == 0 {
		d.HistoryWindow = 10
	}
	if d.SemanticConfidence == 0 {
		d.SemanticConfidence = 0.7
	}
	if d.Voice.SampleRate == 0 {
		d.Voice.SampleRate = 16000
	}
	if d.Voice.Channels == 0 {
		d.Voice.Channels = 1
	}
	if cfg.Events.QueueSize == 0 {
		cfg.Events.QueueSize = 1024
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = Duration(10 * time.Second)
	}
}

// Validate checks that cfg contains a coherent goal graph. It returns all
// violations joined into a single error wrapping [ErrConfigInvalid].
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn only; third-party names are allowed.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)

	// Goal index and duplicate detection.
	goalIndex := make(map[string]int, len(cfg.Goals))
	for i, g := range cfg.Goals {
		prefix := fmt.Sprintf("goals[%d]", i)
		if g.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := goalIndex[g.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of goals[%d]", prefix, g.ID, prev))
			continue
		}
		goalIndex[g.ID] = i
	}

	// Exactly one initial goal, and it must resolve.
	if cfg.InitialGoal == "" {
		errs = append(errs, fmt.Errorf("initial_goal is required"))
	} else if _, ok := goalIndex[cfg.InitialGoal]; !ok {
		errs = append(errs, fmt.Errorf("initial_goal %q does not name a defined goal", cfg.InitialGoal))
	}

	// Goals
	for i, g := range cfg.Goals {
		prefix := fmt.Sprintf("goals[%d]", i)
		if g.ID != "" {
			prefix = fmt.Sprintf("goals[%s]", g.ID)
		}

		if g.Profile == "" {
			errs = append(errs, fmt.Errorf("%s.profile is required", prefix))
		} else if _, ok := cfg.Profiles[g.Profile]; !ok {
			errs = append(errs, fmt.Errorf("%s.profile %q does not name a defined profile", prefix, g.Profile))
		}
		for _, tactic := range g.Tactics {
			if _, ok := cfg.Tactics[tactic]; !ok {
				errs = append(errs, fmt.Errorf("%s.tactics: %q does not name a defined tactic", prefix, tactic))
			}
		}
		for _, p := range g.MandatoryPaths {
			if _, err := memtree.ParsePath(p); err != nil {
				errs = append(errs, fmt.Errorf("%s.mandatory_paths: %w", prefix, err))
			}
		}
		if g.MaxTurns < 0 {
			errs = append(errs, fmt.Errorf("%s.max_turns must not be negative", prefix))
		}
		if len(g.TerminationSteps) > 0 && !g.Terminal {
			slog.Warn("goal has termination_steps but is not terminal; steps will never run", "goal", g.ID)
		}
		for j, step := range g.TerminationSteps {
			if step.Say == "" && step.Tool == "" {
				errs = append(errs, fmt.Errorf("%s.termination_steps[%d]: one of say, tool is required", prefix, j))
			}
		}

		// Branching rules: distinct priorities, resolvable targets, valid
		// conditions. A terminal goal must not branch back into itself.
		prioritySeen := make(map[int]int, len(g.Branching))
		for j, rule := range g.Branching {
			rulePrefix := fmt.Sprintf("%s.branching[%d]", prefix, j)
			if prev, ok := prioritySeen[rule.Priority]; ok {
				errs = append(errs, fmt.Errorf("%s.priority %d duplicates branching[%d]", rulePrefix, rule.Priority, prev))
			}
			prioritySeen[rule.Priority] = j

			if rule.NextGoal == "" {
				errs = append(errs, fmt.Errorf("%s.next_goal is required", rulePrefix))
			} else if _, ok := goalIndex[rule.NextGoal]; !ok {
				errs = append(errs, fmt.Errorf("%s.next_goal %q does not name a defined goal", rulePrefix, rule.NextGoal))
			}
			if g.Terminal && rule.NextGoal == g.ID {
				errs = append(errs, fmt.Errorf("%s: terminal goal %q must not branch to itself", rulePrefix, g.ID))
			}
			errs = append(errs, rule.Condition.validate(rulePrefix+".condition")...)
		}
	}

	// Tool mappings
	mappingSeen := make(map[string]int, len(cfg.ToolMappings))
	for i, m := range cfg.ToolMappings {
		prefix := fmt.Sprintf("tool_mappings[%d]", i)
		if m.Tool == "" {
			errs = append(errs, fmt.Errorf("%s.tool is required", prefix))
		} else {
			if prev, ok := mappingSeen[m.Tool]; ok {
				errs = append(errs, fmt.Errorf("%s.tool %q is a duplicate of tool_mappings[%d]", prefix, m.Tool, prev))
			}
			mappingSeen[m.Tool] = i
		}
		memoryPaths := make(map[string]bool, len(m.Paths))
		for resultPath, memoryPath := range m.Paths {
			if _, err := memtree.ParsePath(resultPath); err != nil {
				errs = append(errs, fmt.Errorf("%s.paths: result path: %w", prefix, err))
			}
			if _, err := memtree.ParsePath(memoryPath); err != nil {
				errs = append(errs, fmt.Errorf("%s.paths: memory path: %w", prefix, err))
			}
			memoryPaths[memoryPath] = true
		}
		for _, p := range m.AppendPaths {
			if !memoryPaths[p] {
				errs = append(errs, fmt.Errorf("%s.append_paths: %q is not a mapped memory path", prefix, p))
			}
		}
	}

	// Defaults
	d := cfg.Defaults
	if d.MaxToolCalls < 1 {
		errs = append(errs, fmt.Errorf("defaults.max_tool_calls must be at least 1"))
	}
	if d.SemanticConfidence < 0 || d.SemanticConfidence > 1 {
		errs = append(errs, fmt.Errorf("defaults.semantic_confidence %.2f is out of range [0, 1]", d.SemanticConfidence))
	}
	if d.SentenceMax < 1 {
		errs = append(errs, fmt.Errorf("defaults.sentence_max must be at least 1"))
	}
	if d.HistoryWindow < 1 {
		errs = append(errs, fmt.Errorf("defaults.history_window must be at least 1"))
	}

	// MCP servers
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	if joined := errors.Join(errs...); joined != nil {
		return fmt.Errorf("%w:\n%w", ErrConfigInvalid, joined)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
