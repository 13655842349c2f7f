// Package goalagent implements the unified goal agent: one streaming
// tool-calling completion loop that produces the assistant's reply for a
// turn while staying inside the active goal's prompt frame.
//
// The agent is stateless between turns. Everything it needs arrives in the
// [Request]: the goal's prompt material, a session snapshot for history and
// memory projection, and a lock-held memory accessor for tool side effects.
// Tool failures are fed back to the model as data; only stream failures and
// cancellation abort the turn.
package goalagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
)

// FallbackText is streamed in place of further tool calls once the per-turn
// tool budget is spent, so the customer gets a graceful pause instead of a
// stalled line.
const FallbackText = "Sorry — let me pause there."

// Request carries everything one agent run needs.
type Request struct {
	// SID is the session id, passed through to tools and events.
	SID string

	// Goal is the active goal.
	Goal *config.GoalConfig

	// Profile is the resolved agent profile for the goal.
	Profile config.ProfileConfig

	// Tactics is the resolved tactic texts, in goal order.
	Tactics []string

	// Session is a snapshot used for prompt material (history window,
	// memory projection). Never mutated by the agent.
	Session *session.Session

	// UserText is the customer's message driving this turn.
	UserText string

	// Memory is the accessor tools use for enrichment reads and mapping
	// writes. During an orchestrated turn this is transaction-bound.
	Memory tool.Memory
}

// Result is the outcome of one agent run.
type Result struct {
	// Text is the full assistant reply, concatenated across rounds.
	Text string

	// Invocations records the tool calls executed, in order.
	Invocations []tool.Invocation

	// Usage sums token accounting across all completion rounds.
	Usage llm.Usage

	// ToolBudgetHit reports that the model wanted more tool calls than the
	// per-turn budget allows and the turn was closed with [FallbackText].
	ToolBudgetHit bool
}

// Agent runs the completion loop. Immutable after construction; safe for
// concurrent use across sessions.
type Agent struct {
	provider      llm.Provider
	registry      *tool.Registry
	sink          events.Sink
	maxToolCalls  int
	historyWindow int
}

// New constructs an Agent with the runtime defaults from cfg.
func New(provider llm.Provider, registry *tool.Registry, sink events.Sink, defaults config.Defaults) *Agent {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Agent{
		provider:      provider,
		registry:      registry,
		sink:          sink,
		maxToolCalls:  defaults.MaxToolCalls,
		historyWindow: defaults.HistoryWindow,
	}
}

// Run executes the streaming completion loop for one turn, calling emit for
// each downstream chunk as it is produced. The loop issues one completion
// per tool round: when the model finishes with tool calls, the calls are
// executed, their results appended to the conversation, and the model is
// asked again; a finish without tool calls ends the turn.
//
// The returned Result is valid even on error: it carries whatever text and
// invocations were produced before the failure, so the orchestrator can
// persist the partial turn.
func (a *Agent) Run(ctx context.Context, req Request, emit func(Chunk)) (*Result, error) {
	if emit == nil {
		emit = func(Chunk) {}
	}
	res := &Result{}

	tools := make([]llm.ToolDefinition, 0, len(req.Goal.Tools))
	for _, s := range a.registry.Describe(req.Goal.Tools) {
		tools = append(tools, s.Definition())
	}

	msgs := historyMessages(req.Session, a.historyWindow)
	msgs = append(msgs, llm.Message{Role: "user", Content: req.UserText})
	system := systemPrompt(req)

	for {
		stream, err := a.provider.StreamCompletion(ctx, llm.CompletionRequest{
			Messages:     msgs,
			Tools:        tools,
			Temperature:  req.Profile.Temperature,
			MaxTokens:    req.Profile.MaxTokens,
			SystemPrompt: system,
		})
		if err != nil {
			return res, fmt.Errorf("goalagent: start stream: %w", err)
		}

		var roundText strings.Builder
		var calls []llm.ToolCall
		finish, failure := "", ""
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				finish, failure = chunk.FinishReason, chunk.Text
				continue
			}
			if chunk.Text != "" {
				roundText.WriteString(chunk.Text)
				emit(Chunk{Kind: ChunkToken, Text: chunk.Text})
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.Usage != nil {
				res.Usage.Add(*chunk.Usage)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
		res.Text += roundText.String()

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if finish == "error" {
			return res, fmt.Errorf("goalagent: stream failed: %s", failure)
		}
		if finish != "tool_calls" || len(calls) == 0 {
			return res, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      "assistant",
			Content:   roundText.String(),
			ToolCalls: calls,
		})
		for _, call := range calls {
			if len(res.Invocations) >= a.maxToolCalls {
				res.ToolBudgetHit = true
				res.Text += FallbackText
				emit(Chunk{Kind: ChunkToken, Text: FallbackText})
				a.sink.Emit(ctx, events.New(events.TypeToolInvoked, req.SID, map[string]any{
					"tool":    call.Name,
					"skipped": true,
					"reason":  "too_many_tools",
					"budget":  a.maxToolCalls,
				}))
				return res, nil
			}

			emit(Chunk{Kind: ChunkToolCallBegin, Tool: call.Name})
			inv := a.registry.InvokeWith(ctx, call.Name, call.Arguments, req.SID, req.Memory)
			res.Invocations = append(res.Invocations, inv)
			emit(Chunk{Kind: ChunkToolCallEnd, Tool: call.Name, Summary: inv.Result.Summary()})
			a.sink.Emit(ctx, events.New(events.TypeToolInvoked, req.SID, map[string]any{
				"tool":       call.Name,
				"ok":         inv.Result.OK,
				"error_kind": string(inv.Result.Kind),
				"latency_ms": inv.Latency.Milliseconds(),
				"enriched":   inv.Enriched,
			}))
			msgs = append(msgs, llm.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    toolMessage(inv.Result),
			})
		}
	}
}

// historyMessages maps the session's recent history window into LLM
// messages.
func historyMessages(sess *session.Session, window int) []llm.Message {
	recent := sess.RecentHistory(window)
	msgs := make([]llm.Message, 0, len(recent)+4)
	for _, h := range recent {
		msgs = append(msgs, llm.Message{Role: h.Role, Content: h.Text})
	}
	return msgs
}

// toolMessage renders a tool result as the JSON content of a tool-role
// message. Failures become structured data the model can react to.
func toolMessage(res tool.Result) string {
	var body any
	if res.OK {
		body = res.Payload.ToAny()
	} else {
		body = map[string]any{
			"error":   string(res.Kind),
			"message": res.Message,
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Sprintf(`{"error":"unknown","message":%q}`, err.Error())
	}
	return string(raw)
}
