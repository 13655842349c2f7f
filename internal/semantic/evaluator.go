// Package semantic implements the yes/no evaluator for natural-language
// branching conditions. It is a thin, tightly-capped LLM wrapper: the prompt
// fits in a few hundred tokens, the output is a single structured line, and
// temperature is pinned to zero so identical inputs evaluate identically
// across turns.
package semantic

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
)

const (
	// maxExchanges caps how many recent history entries enter the prompt.
	maxExchanges = 3

	// maxOutputTokens caps the evaluator's reply length.
	maxOutputTokens = 150
)

const systemPrompt = `You evaluate whether a statement about a customer-service conversation is true.
Reply with exactly one line in this format and nothing else:
ANSWER: yes|no CONFIDENCE: <number between 0 and 1> REASON: <short reason>`

// Result is one evaluation outcome.
type Result struct {
	// Value is the verdict. False both for a confident "no" and for any
	// evaluation failure.
	Value bool

	// Confidence is the model's self-reported confidence in [0, 1]. Zero on
	// failure.
	Confidence float64

	// Reason is the model's short justification, or a failure marker such as
	// "parse_failed".
	Reason string
}

// Evaluator asks the LLM yes/no questions about the conversation. Failures
// are never errors: a provider fault or unparseable reply evaluates to a
// zero-confidence false, recorded as an event.
type Evaluator struct {
	provider llm.Provider
	sink     events.Sink
	model    modelKnobs
}

type modelKnobs struct {
	maxTokens int
}

// NewEvaluator constructs an Evaluator. A nil sink disables event emission.
func NewEvaluator(provider llm.Provider, sink events.Sink) *Evaluator {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Evaluator{
		provider: provider,
		sink:     sink,
		model:    modelKnobs{maxTokens: maxOutputTokens},
	}
}

// Evaluate decides whether predicate holds given a compact memory projection
// and the most recent conversation exchanges. Only the last three exchanges
// are included regardless of how many are passed.
func (e *Evaluator) Evaluate(ctx context.Context, sid, predicate string, memoryProjection string, exchanges []session.HistoryEntry) Result {
	if len(exchanges) > maxExchanges {
		exchanges = exchanges[len(exchanges)-maxExchanges:]
	}

	var sb strings.Builder
	sb.WriteString("Statement to evaluate: ")
	sb.WriteString(predicate)
	if memoryProjection != "" {
		sb.WriteString("\n\nKnown facts:\n")
		sb.WriteString(memoryProjection)
	}
	if len(exchanges) > 0 {
		sb.WriteString("\n\nRecent conversation:")
		for _, x := range exchanges {
			fmt.Fprintf(&sb, "\n%s: %s", x.Role, x.Text)
		}
	}

	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature:  0,
		MaxTokens:    e.model.maxTokens,
	})
	if err != nil {
		return e.failed(ctx, sid, predicate, "provider_failed: "+err.Error())
	}
	if resp == nil {
		return e.failed(ctx, sid, predicate, "provider_failed: empty response")
	}

	res, ok := parseVerdict(resp.Content)
	if !ok {
		return e.failed(ctx, sid, predicate, "parse_failed")
	}

	e.sink.Emit(ctx, events.New(events.TypeSemanticEvaluated, sid, map[string]any{
		"predicate":  predicate,
		"value":      res.Value,
		"confidence": res.Confidence,
		"reason":     res.Reason,
	}))
	return res
}

// failed records an unsuccessful evaluation and returns the conservative
// verdict.
func (e *Evaluator) failed(ctx context.Context, sid, predicate, reason string) Result {
	e.sink.Emit(ctx, events.New(events.TypeSemanticEvaluated, sid, map[string]any{
		"predicate": predicate,
		"value":     false,
		"failed":    true,
		"reason":    reason,
	}))
	return Result{Reason: reason}
}

// parseVerdict extracts the structured verdict from the model's reply.
// Parsing is strict about the markers but tolerant of surrounding
// whitespace and casing.
func parseVerdict(content string) (Result, bool) {
	line := strings.TrimSpace(content)
	// Some models wrap the line in markdown fences or add a trailing period.
	line = strings.Trim(line, "`")
	upper := strings.ToUpper(line)

	ansIdx := strings.Index(upper, "ANSWER:")
	confIdx := strings.Index(upper, "CONFIDENCE:")
	reasonIdx := strings.Index(upper, "REASON:")
	if ansIdx < 0 || confIdx < 0 || confIdx < ansIdx {
		return Result{}, false
	}

	answer := strings.TrimSpace(line[ansIdx+len("ANSWER:") : confIdx])
	var confRaw, reason string
	if reasonIdx > confIdx {
		confRaw = strings.TrimSpace(line[confIdx+len("CONFIDENCE:") : reasonIdx])
		reason = strings.TrimSpace(line[reasonIdx+len("REASON:"):])
	} else {
		confRaw = strings.TrimSpace(line[confIdx+len("CONFIDENCE:"):])
	}

	var value bool
	switch strings.ToLower(strings.TrimRight(answer, ".")) {
	case "yes":
		value = true
	case "no":
		value = false
	default:
		return Result{}, false
	}

	conf, err := strconv.ParseFloat(strings.TrimRight(confRaw, "."), 64)
	if err != nil || conf < 0 || conf > 1 {
		return Result{}, false
	}

	return Result{Value: value, Confidence: conf, Reason: reason}, true
}
