// Package observe provides the operator surface for Maitre: OpenTelemetry
// metrics with a Prometheus exporter bridge, plus HTTP middleware that
// records request latency.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Maitre metrics.
const meterName = "github.com/maitred-ai/maitre"

// Metrics holds all OpenTelemetry metric instruments for the orchestrator.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TurnDuration tracks full-turn wall-clock latency.
	TurnDuration metric.Float64Histogram

	// ToolDuration tracks tool handler latency.
	ToolDuration metric.Float64Histogram

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// TurnsStarted counts turns entered.
	TurnsStarted metric.Int64Counter

	// TurnsCompleted counts turns that ran to Done.
	TurnsCompleted metric.Int64Counter

	// TurnsAborted counts aborted turns. Use with attribute:
	//   attribute.String("reason", ...)
	TurnsAborted metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("outcome", ...)
	ToolCalls metric.Int64Counter

	// LLMStreamErrors counts provider stream failures mid-turn.
	LLMStreamErrors metric.Int64Counter

	// SemanticEvals counts semantic condition evaluations. Use with
	// attribute: attribute.String("result", "true"|"false"|"failed")
	SemanticEvals metric.Int64Counter

	// GoalTransitions counts goal advances. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	GoalTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of resident sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// conversational latencies: tool calls land in the low buckets, full turns
// with several LLM rounds in the high ones.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnDuration, err = m.Float64Histogram("maitre.turn.duration",
		metric.WithDescription("Wall-clock latency of a full conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("maitre.tool.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("maitre.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("maitre.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsStarted, err = m.Int64Counter("maitre.turns.started",
		metric.WithDescription("Total turns entered."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("maitre.turns.completed",
		metric.WithDescription("Total turns that ran to completion."),
	); err != nil {
		return nil, err
	}
	if met.TurnsAborted, err = m.Int64Counter("maitre.turns.aborted",
		metric.WithDescription("Total aborted turns by reason."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("maitre.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.LLMStreamErrors, err = m.Int64Counter("maitre.llm.stream_errors",
		metric.WithDescription("Total LLM stream failures mid-turn."),
	); err != nil {
		return nil, err
	}
	if met.SemanticEvals, err = m.Int64Counter("maitre.semantic.evals",
		metric.WithDescription("Total semantic condition evaluations by result."),
	); err != nil {
		return nil, err
	}
	if met.GoalTransitions, err = m.Int64Counter("maitre.goal.transitions",
		metric.WithDescription("Total goal advances by source and target goal."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("maitre.active_sessions",
		metric.WithDescription("Number of resident sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("maitre.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one tool invocation with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, latency time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, latency.Seconds(), attrs)
}

// RecordTurnAborted records one aborted turn with its reason.
func (m *Metrics) RecordTurnAborted(ctx context.Context, reason string) {
	m.TurnsAborted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSemanticEval records one semantic evaluation outcome:
// "true", "false", or "failed".
func (m *Metrics) RecordSemanticEval(ctx context.Context, result string) {
	m.SemanticEvals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordGoalTransition records one goal advance.
func (m *Metrics) RecordGoalTransition(ctx context.Context, from, to string) {
	m.GoalTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
