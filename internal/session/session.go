// Package session implements the per-session state store: conversation
// memory with deep-merge updates, conversation history, the goal pointer,
// and crash-safe persistence.
//
// Each session is owned by exactly one lock. The orchestrator takes that
// lock for the whole duration of a turn via [Store.WithLock]; operations on
// distinct sessions never serialize against each other. A session persists
// as one self-describing YAML document, written atomically (temp file +
// rename) after each committed mutation, and is reconstructed from that
// document after a process restart.
package session

import (
	"sort"
	"strings"
	"time"

	"github.com/maitred-ai/maitre/pkg/memtree"
)

// Memory top-level sections. The memory tree always carries this fixed
// shape; updates outside these sections are still merged but prompts and
// projections only walk the known sections.
const (
	SectionCustomer         = "customer"
	SectionService          = "service"
	SectionOperations       = "operations"
	SectionConversationMeta = "conversation_meta"
	SectionStateFlags       = "state_flags"
)

// HistoryEntry is one message of the conversation history.
type HistoryEntry struct {
	// Role is "user" or "assistant".
	Role string

	// Text is the message content.
	Text string

	// TS is when the entry was appended.
	TS time.Time
}

// Counters accumulates per-session accounting.
type Counters struct {
	// Turns is the number of completed turns.
	Turns int

	// TokensIn is the total prompt tokens consumed.
	TokensIn int

	// TokensOut is the total completion tokens generated.
	TokensOut int

	// CostUnits is the provider-reported cost in abstract units.
	CostUnits float64

	// TurnsInGoal counts completed turns since the current goal was entered.
	TurnsInGoal int
}

// Session is the full state of one conversation. Mutated only through the
// store under the session's lock; callers outside a [Store.WithLock] block
// only ever see defensive copies.
type Session struct {
	// ID is the stable session identifier.
	ID string

	// CurrentGoal is the id of the goal the session is currently in.
	// Empty until the orchestrator sets the initial goal on the first turn.
	CurrentGoal string

	// EnteredGoals is the ordered list of goal ids the session has entered.
	EnteredGoals []string

	// Memory is the nested session memory tree.
	Memory memtree.Value

	// History is the ordered conversation history.
	History []HistoryEntry

	// Counters holds token and turn accounting.
	Counters Counters

	// Terminal is set once a terminal goal's termination sequence has
	// completed; further turns are rejected.
	Terminal bool

	// extra preserves unknown top-level keys of the persisted document so
	// documents written by newer versions survive a read/modify/write.
	extra map[string]any
}

// NewSession returns an empty session with an initialised memory tree.
func NewSession(id string) *Session {
	return &Session{
		ID:     id,
		Memory: emptyMemory(),
	}
}

func emptyMemory() memtree.Value {
	return memtree.Map(map[string]memtree.Value{
		SectionCustomer:         memtree.Map(nil),
		SectionService:          memtree.Map(nil),
		SectionOperations:       memtree.Map(nil),
		SectionConversationMeta: memtree.Map(nil),
		SectionStateFlags:       memtree.Map(nil),
	})
}

// Clone returns a deep copy sharing no mutable state with s.
func (s *Session) Clone() *Session {
	cp := &Session{
		ID:          s.ID,
		CurrentGoal: s.CurrentGoal,
		Memory:      s.Memory.Clone(),
		Counters:    s.Counters,
		Terminal:    s.Terminal,
	}
	cp.EnteredGoals = append([]string(nil), s.EnteredGoals...)
	cp.History = append([]HistoryEntry(nil), s.History...)
	if s.extra != nil {
		cp.extra = make(map[string]any, len(s.extra))
		for k, v := range s.extra {
			cp.extra[k] = v
		}
	}
	return cp
}

// MemoryProjection renders the memory tree as sorted "path: value" lines,
// one leaf per line. Used to show the model (goal agent and semantic
// evaluator) what is currently known without dumping raw documents into the
// prompt.
func (s *Session) MemoryProjection() string {
	leaves := s.Memory.Flatten("")
	paths := make([]string, 0, len(leaves))
	for p, v := range leaves {
		if v.IsSet() {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	var sb strings.Builder
	for _, p := range paths {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(p)
		sb.WriteString(": ")
		sb.WriteString(leaves[p].LeafString())
	}
	return sb.String()
}

// RecentHistory returns the last n history entries.
func (s *Session) RecentHistory(n int) []HistoryEntry {
	if n <= 0 || len(s.History) <= n {
		return append([]HistoryEntry(nil), s.History...)
	}
	return append([]HistoryEntry(nil), s.History[len(s.History)-n:]...)
}

// toDoc converts s into the self-describing document shape. Unknown
// top-level keys captured at load time are carried through.
func (s *Session) toDoc() map[string]any {
	history := make([]map[string]any, 0, len(s.History))
	for _, h := range s.History {
		history = append(history, map[string]any{
			"role": h.Role,
			"text": h.Text,
			"ts":   h.TS.UTC().Format(time.RFC3339Nano),
		})
	}
	doc := map[string]any{
		"session_id":    s.ID,
		"current_goal":  s.CurrentGoal,
		"entered_goals": append([]string(nil), s.EnteredGoals...),
		"memory":        s.Memory.ToAny(),
		"history":       history,
		"counters": map[string]any{
			"turns":         s.Counters.Turns,
			"tokens_in":     s.Counters.TokensIn,
			"tokens_out":    s.Counters.TokensOut,
			"cost_units":    s.Counters.CostUnits,
			"turns_in_goal": s.Counters.TurnsInGoal,
		},
		"terminal": s.Terminal,
	}
	for k, v := range s.extra {
		if _, known := doc[k]; !known {
			doc[k] = v
		}
	}
	return doc
}

// fromDoc reconstructs a session from a decoded document.
func fromDoc(doc map[string]any) *Session {
	s := &Session{extra: map[string]any{}}
	for k, v := range doc {
		switch k {
		case "session_id":
			s.ID, _ = v.(string)
		case "current_goal":
			s.CurrentGoal, _ = v.(string)
		case "entered_goals":
			if list, ok := v.([]any); ok {
				for _, e := range list {
					if g, ok := e.(string); ok {
						s.EnteredGoals = append(s.EnteredGoals, g)
					}
				}
			}
		case "memory":
			s.Memory = memtree.FromAny(v)
		case "history":
			if list, ok := v.([]any); ok {
				for _, e := range list {
					entry, ok := e.(map[string]any)
					if !ok {
						continue
					}
					h := HistoryEntry{}
					h.Role, _ = entry["role"].(string)
					h.Text, _ = entry["text"].(string)
					if raw, ok := entry["ts"].(string); ok {
						h.TS, _ = time.Parse(time.RFC3339Nano, raw)
					}
					s.History = append(s.History, h)
				}
			}
		case "counters":
			if c, ok := v.(map[string]any); ok {
				s.Counters.Turns = asInt(c["turns"])
				s.Counters.TokensIn = asInt(c["tokens_in"])
				s.Counters.TokensOut = asInt(c["tokens_out"])
				s.Counters.CostUnits = asFloat(c["cost_units"])
				s.Counters.TurnsInGoal = asInt(c["turns_in_goal"])
			}
		case "terminal":
			s.Terminal, _ = v.(bool)
		default:
			s.extra[k] = v
		}
	}
	if s.Memory.Kind() != memtree.KindMap {
		s.Memory = emptyMemory()
	}
	return s
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return 0
	}
}
