// Package events defines the structured event stream emitted by the
// orchestrator and its collaborators: turn reports, tool invocations, goal
// transitions, semantic evaluations, and aborts.
//
// Delivery is asynchronous and best-effort. The orchestrator must never
// block on event delivery, so the production wiring routes everything
// through an [AsyncSink] with a bounded queue: on overflow the oldest
// non-critical event is dropped and a counter records the loss.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Type enumerates the recognised event types. The strings are stable and
// appear verbatim in logs and audit records.
type Type string

const (
	TypeConfigLoaded      Type = "config_loaded"
	TypeTurnReport        Type = "turn_report"
	TypeTurnAborted       Type = "turn_aborted"
	TypeToolInvoked       Type = "tool_invoked"
	TypeGoalTransitioned  Type = "goal_transitioned"
	TypeSemanticEvaluated Type = "semantic_evaluated"
)

// Event is one structured record. Every event carries the type, a timestamp,
// and the session it belongs to (empty for process-level events such as
// config_loaded); everything else lives in Fields.
type Event struct {
	// ID uniquely identifies the event in durable sinks.
	ID string

	// Type is the event type.
	Type Type

	// TS is when the event was created.
	TS time.Time

	// SID is the session the event belongs to, when any.
	SID string

	// Fields holds the event-specific payload. Values must be plain Go
	// types (string, numbers, bool, maps, slices) so every sink can encode
	// them.
	Fields map[string]any
}

// New constructs an event with a fresh id and the current time.
func New(t Type, sid string, fields map[string]any) Event {
	if fields == nil {
		fields = map[string]any{}
	}
	return Event{
		ID:     uuid.NewString(),
		Type:   t,
		TS:     time.Now().UTC(),
		SID:    sid,
		Fields: fields,
	}
}

// Critical reports whether the event must survive queue overflow. Turn
// reports and aborts are the audit trail of the system; everything else may
// be dropped under pressure.
func (e Event) Critical() bool {
	switch e.Type {
	case TypeTurnReport, TypeTurnAborted, TypeConfigLoaded:
		return true
	}
	return false
}
