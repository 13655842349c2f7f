// Package orchestrator ties the pipeline together: it owns the turn
// lifecycle from inbound user text to the downstream chunk stream, holding
// the session's lock for the whole turn so memory reads, tool side effects,
// history appends, and the goal transition commit atomically.
//
// A turn either completes (Done chunk, turn_report event) or aborts (Aborted
// chunk, turn_aborted event). Aborts still persist whatever partial
// assistant text was streamed before the failure, so the conversation
// history matches what the customer heard.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/observe"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/internal/transition"
	"github.com/maitred-ai/maitre/pkg/memtree"
)

// ErrToolUnavailable is returned when the active goal offers a tool that is
// not registered. Goals may reference tools that arrive later (from an MCP
// server); a turn is rejected only when the goal is actually entered with
// the tool still missing.
var ErrToolUnavailable = errors.New("orchestrator: goal offers unregistered tool")

// chunkBuffer bounds the downstream channel. A slow consumer stalls the
// turn rather than growing memory; a gone consumer (cancelled ctx) drops.
const chunkBuffer = 64

// Params collects the orchestrator's collaborators.
type Params struct {
	Config   *config.Config
	Store    *session.Store
	Agent    *goalagent.Agent
	Registry *tool.Registry
	Engine   *transition.Engine

	// Sink receives events; nil means no events.
	Sink events.Sink

	// Metrics is the instrument set; nil disables metric recording.
	Metrics *observe.Metrics

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Summarizer, when non-nil and summarisation is enabled in the config
	// defaults, periodically condenses conversation history into
	// conversation_meta.summary.
	Summarizer Summarizer
}

// Orchestrator runs turns. Safe for concurrent use; turns on distinct
// sessions run in parallel, turns on the same session serialize on the
// session's lock.
type Orchestrator struct {
	cfg        *config.Config
	store      *session.Store
	agent      *goalagent.Agent
	registry   *tool.Registry
	engine     *transition.Engine
	sink       events.Sink
	metrics    *observe.Metrics
	logger     *slog.Logger
	summarizer Summarizer
}

// New constructs an Orchestrator from p.
func New(p Params) *Orchestrator {
	if p.Sink == nil {
		p.Sink = events.NopSink{}
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:        p.Config,
		store:      p.Store,
		agent:      p.Agent,
		registry:   p.Registry,
		engine:     p.Engine,
		sink:       p.Sink,
		metrics:    p.Metrics,
		logger:     p.Logger,
		summarizer: p.Summarizer,
	}
}

// txnMemory adapts the turn's transaction to [tool.Memory] so tool side
// effects land inside the already-held session lock.
type txnMemory struct {
	tx *session.Txn
}

func (m txnMemory) ReadPaths(_ string, paths []string) (map[string]memtree.Value, error) {
	return m.tx.ReadPaths(paths), nil
}

func (m txnMemory) MergeMemory(_ string, update memtree.Value) error {
	m.tx.Update(update)
	return nil
}

// Turn runs one conversational turn for sid driven by userText. It returns
// a channel of downstream chunks; the channel is closed after the Done
// chunk (plus any trailing termination-sequence chunks) or the Aborted
// chunk. A terminal session is rejected synchronously,
// before any work happens. Empty user text still runs a full turn: the
// model sees the empty message and the transition engine still decides.
func (o *Orchestrator) Turn(ctx context.Context, sid, userText string) (<-chan goalagent.Chunk, error) {
	snap, err := o.store.Get(sid)
	if err != nil {
		return nil, err
	}
	if snap.Terminal {
		return nil, session.ErrSessionTerminal
	}

	ch := make(chan goalagent.Chunk, chunkBuffer)
	go o.runTurn(ctx, sid, userText, ch)
	return ch, nil
}

// turnOutcome carries the turn's result out of the locked section.
type turnOutcome struct {
	goal        string
	result      *goalagent.Result
	abortReason string
	transition  *transition.Decision
	terminated  bool

	// farewells holds the termination sequence's chunks, replayed downstream
	// after the Done chunk so the turn closes before the goodbye.
	farewells []goalagent.Chunk
}

// runTurn executes the whole turn and closes ch when done.
func (o *Orchestrator) runTurn(parent context.Context, sid, userText string, ch chan<- goalagent.Chunk) {
	defer close(ch)

	ctx, cancel := context.WithTimeout(parent, o.cfg.Defaults.TurnTimeout.Std())
	defer cancel()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.TurnsStarted.Add(ctx, 1)
	}

	out := turnOutcome{result: &goalagent.Result{}}
	err := o.store.WithLock(sid, func(tx *session.Txn) error {
		return o.lockedTurn(ctx, tx, sid, userText, ch, &out)
	})

	elapsed := time.Since(start)
	switch {
	case err != nil:
		// The locked section failed before producing anything durable; the
		// session was reverted.
		o.finishAborted(parent, sid, abortReason(err), err.Error(), elapsed, ch)
	case out.abortReason != "":
		o.finishAborted(parent, sid, out.abortReason, out.abortReason, elapsed, ch)
	default:
		o.finishCompleted(parent, sid, &out, elapsed, ch)
	}
}

// lockedTurn is the body of the turn, run under the session's lock. It
// returns an error only for failures that should revert the session
// entirely; agent failures persist their partial output and are reported
// through out.abortReason instead.
func (o *Orchestrator) lockedTurn(ctx context.Context, tx *session.Txn, sid, userText string, ch chan<- goalagent.Chunk, out *turnOutcome) error {
	sess := tx.Session()
	if sess.Terminal {
		return session.ErrSessionTerminal
	}
	if sess.CurrentGoal == "" {
		tx.SetGoal(o.cfg.InitialGoal)
	}
	goal := o.cfg.Goal(tx.Session().CurrentGoal)
	if goal == nil {
		// The config changed under a persisted session and its goal is
		// gone. Restart the graph rather than stranding the session.
		o.logger.Warn("session goal no longer defined, resetting to initial",
			"session", sid, "goal", tx.Session().CurrentGoal)
		tx.SetGoal(o.cfg.InitialGoal)
		goal = o.cfg.Goal(o.cfg.InitialGoal)
		if goal == nil {
			return fmt.Errorf("orchestrator: initial goal %q undefined", o.cfg.InitialGoal)
		}
	}
	out.goal = goal.ID
	for _, name := range goal.Tools {
		if !o.registry.Has(name) {
			return fmt.Errorf("%w: %q needs %q", ErrToolUnavailable, goal.ID, name)
		}
	}

	// Snapshot before recording the user entry: the agent appends the user
	// message itself, so the snapshot's history must end one turn earlier or
	// the model would see the message twice.
	snap := tx.Snapshot()
	tx.AppendHistory("user", userText)

	mem := txnMemory{tx: tx}
	res, runErr := o.agent.Run(ctx, goalagent.Request{
		SID:      sid,
		Goal:     goal,
		Profile:  o.cfg.Profiles[goal.Profile],
		Tactics:  o.resolveTactics(goal),
		Session:  snap,
		UserText: userText,
		Memory:   mem,
	}, func(c goalagent.Chunk) { send(ctx, ch, c) })
	out.result = res

	if res.Text != "" {
		tx.AppendHistory("assistant", res.Text)
	}
	tx.AddUsage(res.Usage.PromptTokens, res.Usage.CompletionTokens, 0)
	tx.CompleteTurn()
	o.recordInvocations(ctx, res.Invocations)

	if runErr != nil {
		// Persist the partial turn; the abort is reported downstream but
		// the customer-visible text stays in history.
		out.abortReason = abortReason(runErr)
		if out.abortReason == "llm_stream_failed" && o.metrics != nil {
			o.metrics.LLMStreamErrors.Add(ctx, 1)
		}
		o.logger.Warn("turn aborted", "session", sid, "goal", goal.ID,
			"reason", out.abortReason, "error", runErr)
		return nil
	}

	decision := o.engine.Decide(ctx, goal, tx.Session())
	if decision.Advance {
		out.transition = &decision
		tx.SetGoal(decision.NextGoal)
		o.sink.Emit(ctx, events.New(events.TypeGoalTransitioned, sid, map[string]any{
			"from":   goal.ID,
			"to":     decision.NextGoal,
			"reason": decision.Reason,
		}))
		if o.metrics != nil {
			o.metrics.RecordGoalTransition(ctx, goal.ID, decision.NextGoal)
		}
		if next := o.cfg.Goal(decision.NextGoal); next != nil && next.Terminal {
			o.terminate(ctx, tx, sid, next, out)
			out.terminated = true
		}
	}

	o.maybeSummarize(ctx, tx, sid)
	return nil
}

// terminate runs a terminal goal's termination steps in order, then marks
// the session closed. Farewell texts are appended to history so the record
// matches what was said, and collected into out for replay after the Done
// chunk; the hangup tool runs synchronously so the line is not cut before
// the goodbye is delivered.
func (o *Orchestrator) terminate(ctx context.Context, tx *session.Txn, sid string, goal *config.GoalConfig, out *turnOutcome) {
	for _, step := range goal.TerminationSteps {
		if step.Say != "" {
			out.farewells = append(out.farewells, goalagent.Chunk{Kind: goalagent.ChunkFarewell, Text: step.Say})
			tx.AppendHistory("assistant", step.Say)
		}
		if step.Tool == "" {
			continue
		}
		args := "{}"
		if len(step.Args) > 0 {
			if raw, err := json.Marshal(step.Args); err == nil {
				args = string(raw)
			}
		}
		inv := o.registry.InvokeWith(ctx, step.Tool, args, sid, txnMemory{tx: tx})
		o.recordInvocations(ctx, []tool.Invocation{inv})
		o.sink.Emit(ctx, events.New(events.TypeToolInvoked, sid, map[string]any{
			"tool":        step.Tool,
			"ok":          inv.Result.OK,
			"error_kind":  string(inv.Result.Kind),
			"termination": true,
		}))
		if !inv.Result.OK {
			o.logger.Warn("termination tool failed", "session", sid,
				"tool", step.Tool, "result", inv.Result.Summary())
		}
	}
	tx.SetTerminal()
}

// maybeSummarize condenses history into conversation_meta.summary when the
// configured cadence is due. Failures are logged and skipped; summaries are
// an optimisation, never a turn blocker.
func (o *Orchestrator) maybeSummarize(ctx context.Context, tx *session.Txn, sid string) {
	every := o.cfg.Defaults.SummaryAfterTurns
	if every <= 0 || o.summarizer == nil {
		return
	}
	sess := tx.Session()
	if sess.Counters.Turns == 0 || sess.Counters.Turns%every != 0 {
		return
	}
	summary, err := o.summarizer.Summarize(ctx, sess.History)
	if err != nil || summary == "" {
		o.logger.Warn("summarisation failed", "session", sid, "error", err)
		return
	}
	tx.Update(memtree.Map(map[string]memtree.Value{
		session.SectionConversationMeta: memtree.Map(map[string]memtree.Value{
			"summary": memtree.String(summary),
		}),
	}))
}

// finishCompleted closes a successful turn: Done chunk, then any termination
// sequence chunks, then the turn_report event and completion metrics.
func (o *Orchestrator) finishCompleted(ctx context.Context, sid string, out *turnOutcome, elapsed time.Duration, ch chan<- goalagent.Chunk) {
	send(ctx, ch, goalagent.Chunk{Kind: goalagent.ChunkDone, Text: out.result.Text})
	for _, c := range out.farewells {
		send(ctx, ch, c)
	}

	fields := map[string]any{
		"goal":            out.goal,
		"text_len":        len(out.result.Text),
		"tool_calls":      len(out.result.Invocations),
		"tool_budget_hit": out.result.ToolBudgetHit,
		"tokens_in":       out.result.Usage.PromptTokens,
		"tokens_out":      out.result.Usage.CompletionTokens,
		"duration_ms":     elapsed.Milliseconds(),
		"terminated":      out.terminated,
	}
	if out.transition != nil {
		fields["transitioned_to"] = out.transition.NextGoal
	}
	o.sink.Emit(ctx, events.New(events.TypeTurnReport, sid, fields))

	if o.metrics != nil {
		o.metrics.TurnsCompleted.Add(ctx, 1)
		o.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}
}

// finishAborted closes a failed turn: Aborted chunk, turn_aborted event,
// abort metrics.
func (o *Orchestrator) finishAborted(ctx context.Context, sid, reason, detail string, elapsed time.Duration, ch chan<- goalagent.Chunk) {
	send(ctx, ch, goalagent.Chunk{Kind: goalagent.ChunkAborted, Text: reason})

	o.sink.Emit(ctx, events.New(events.TypeTurnAborted, sid, map[string]any{
		"reason":      reason,
		"detail":      detail,
		"duration_ms": elapsed.Milliseconds(),
	}))
	if o.metrics != nil {
		o.metrics.RecordTurnAborted(ctx, reason)
		o.metrics.TurnDuration.Record(ctx, elapsed.Seconds())
	}
}

// recordInvocations feeds tool invocation metrics.
func (o *Orchestrator) recordInvocations(ctx context.Context, invs []tool.Invocation) {
	if o.metrics == nil {
		return
	}
	for _, inv := range invs {
		outcome := "ok"
		if !inv.Result.OK {
			outcome = string(inv.Result.Kind)
		}
		o.metrics.RecordToolCall(ctx, inv.Name, outcome, inv.Latency)
	}
}

// resolveTactics maps the goal's tactic names to their texts. Unknown names
// are rejected at config load; a miss here means config drift and is
// skipped.
func (o *Orchestrator) resolveTactics(goal *config.GoalConfig) []string {
	if len(goal.Tactics) == 0 {
		return nil
	}
	texts := make([]string, 0, len(goal.Tactics))
	for _, name := range goal.Tactics {
		if text, ok := o.cfg.Tactics[name]; ok {
			texts = append(texts, text)
		}
	}
	return texts
}

// abortReason classifies a turn failure into a stable reason string.
func abortReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "turn_timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, session.ErrSessionTerminal):
		return "session_terminal"
	case errors.Is(err, session.ErrSessionIO):
		return "session_io"
	case errors.Is(err, ErrToolUnavailable):
		return "tool_unavailable"
	default:
		return "llm_stream_failed"
	}
}

// send delivers a chunk unless the consumer is gone.
func send(ctx context.Context, ch chan<- goalagent.Chunk, c goalagent.Chunk) {
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}
