package events

import (
	"context"
	"log/slog"
	"sync"
)

// Sink receives events. Implementations must be safe for concurrent use and
// should return quickly; anything slow belongs behind an [AsyncSink].
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// NopSink discards all events. Useful default for tests.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}

// MultiSink fans events out to several sinks in order. Nil sinks are
// filtered at construction.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a sink dispatching to all non-nil sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches e to every sink.
func (m *MultiSink) Emit(ctx context.Context, e Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as a Sink for inline handling in tests.
type CallbackSink struct {
	fn func(ctx context.Context, e Event)
}

// NewCallbackSink creates a sink calling fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e Event)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e Event) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// SlogSink logs every event through the given structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink logging to logger; nil selects slog.Default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Emit logs e at info level with the event fields flattened into attrs.
func (s *SlogSink) Emit(ctx context.Context, e Event) {
	logger := s.logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 2*len(e.Fields)+4)
	attrs = append(attrs, "sid", e.SID, "event_id", e.ID)
	for k, v := range e.Fields {
		attrs = append(attrs, k, v)
	}
	logger.InfoContext(ctx, string(e.Type), attrs...)
}

// CollectSink accumulates events in memory for test inspection.
type CollectSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit records e.
func (s *CollectSink) Emit(_ context.Context, e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of everything recorded so far.
func (s *CollectSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// OfType returns recorded events of the given type, in order.
func (s *CollectSink) OfType(t Type) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
