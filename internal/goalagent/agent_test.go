package goalagent_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/pkg/memtree"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
	llmmock "github.com/maitred-ai/maitre/pkg/provider/llm/mock"
)

var testDefaults = config.Defaults{MaxToolCalls: 5, HistoryWindow: 10}

// lookupSchema is a minimal tool used across the tests.
var lookupSchema = tool.Schema{
	Name:        "customer_lookup",
	Description: "Look up a customer record.",
	Fields: []tool.Field{
		{Name: "name", Type: tool.TypeString, Required: true},
	},
}

func newRegistry(t *testing.T, handler tool.Handler) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry(nil)
	if err := r.Register(lookupSchema, handler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func okHandler(context.Context, memtree.Value, string) tool.Result {
	return tool.Ok(memtree.Map(map[string]memtree.Value{
		"id": memtree.String("C-42"),
	}))
}

func baseRequest() goalagent.Request {
	return goalagent.Request{
		SID: "s-1",
		Goal: &config.GoalConfig{
			ID:          "elicit",
			Description: "Gather the customer's contact details.",
			Tools:       []string{"customer_lookup"},
		},
		Profile:  config.ProfileConfig{Identity: "You are a service representative."},
		Session:  session.NewSession("s-1"),
		UserText: "Hi, my roof is leaking.",
	}
}

func collect(chunks *[]goalagent.Chunk) func(goalagent.Chunk) {
	return func(c goalagent.Chunk) { *chunks = append(*chunks, c) }
}

func TestRun_PlainTextTurn(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Sorry to hear "},
		{Text: "about the roof.", FinishReason: "stop", Usage: &llm.Usage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28}},
	}}
	agent := goalagent.New(provider, newRegistry(t, okHandler), nil, testDefaults)

	var chunks []goalagent.Chunk
	res, err := agent.Run(context.Background(), baseRequest(), collect(&chunks))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Sorry to hear about the roof." {
		t.Errorf("Text = %q", res.Text)
	}
	if len(chunks) != 2 || chunks[0].Kind != goalagent.ChunkToken {
		t.Errorf("chunks = %+v, want two tokens", chunks)
	}
	if res.Usage.TotalTokens != 28 {
		t.Errorf("Usage = %+v", res.Usage)
	}
	if len(res.Invocations) != 0 {
		t.Errorf("unexpected invocations: %+v", res.Invocations)
	}
}

func TestRun_ToolRoundFeedsResultBack(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "customer_lookup", Arguments: `{"name":"Ada"}`},
		}}},
		{{Text: "Found you, Ada.", FinishReason: "stop"}},
	}}
	agent := goalagent.New(provider, newRegistry(t, okHandler), nil, testDefaults)

	var chunks []goalagent.Chunk
	res, err := agent.Run(context.Background(), baseRequest(), collect(&chunks))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "Found you, Ada." {
		t.Errorf("Text = %q", res.Text)
	}
	if len(res.Invocations) != 1 || !res.Invocations[0].Result.OK {
		t.Fatalf("Invocations = %+v", res.Invocations)
	}

	kinds := make([]goalagent.ChunkKind, 0, len(chunks))
	for _, c := range chunks {
		kinds = append(kinds, c.Kind)
	}
	want := []goalagent.ChunkKind{
		goalagent.ChunkToolCallBegin,
		goalagent.ChunkToolCallEnd,
		goalagent.ChunkToken,
	}
	if len(kinds) != len(want) {
		t.Fatalf("chunk kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("chunk kinds = %v, want %v", kinds, want)
		}
	}

	// The second round's conversation must carry the assistant's tool call
	// and the tool result message.
	if len(provider.StreamCalls) != 2 {
		t.Fatalf("StreamCalls = %d, want 2", len(provider.StreamCalls))
	}
	msgs := provider.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if last.Role != "tool" || last.ToolCallID != "call-1" {
		t.Errorf("last message = %+v, want tool result for call-1", last)
	}
	if !strings.Contains(last.Content, "C-42") {
		t.Errorf("tool message %q does not carry the payload", last.Content)
	}
}

func TestRun_ToolFailureIsDataNotError(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, memtree.Value, string) tool.Result {
		return tool.Errf(tool.ErrNotFound, "no customer named Ada")
	}
	provider := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "customer_lookup", Arguments: `{"name":"Ada"}`},
		}}},
		{{Text: "I could not find your record.", FinishReason: "stop"}},
	}}
	agent := goalagent.New(provider, newRegistry(t, failing), nil, testDefaults)

	res, err := agent.Run(context.Background(), baseRequest(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Invocations[0].Result.Kind != tool.ErrNotFound {
		t.Errorf("Kind = %v", res.Invocations[0].Result.Kind)
	}
	msgs := provider.StreamCalls[1].Req.Messages
	last := msgs[len(msgs)-1]
	if !strings.Contains(last.Content, "not_found") {
		t.Errorf("tool message %q does not carry the error kind", last.Content)
	}
}

func TestRun_ToolBudgetClosesTurnWithFallback(t *testing.T) {
	t.Parallel()

	// The single script entry replays forever, so the model keeps asking
	// for tools until the budget stops it.
	provider := &llmmock.Provider{StreamScript: [][]llm.Chunk{
		{{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: "customer_lookup", Arguments: `{"name":"Ada"}`},
		}}},
	}}
	sink := &events.CollectSink{}
	defaults := testDefaults
	defaults.MaxToolCalls = 2
	agent := goalagent.New(provider, newRegistry(t, okHandler), sink, defaults)

	var chunks []goalagent.Chunk
	res, err := agent.Run(context.Background(), baseRequest(), collect(&chunks))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.ToolBudgetHit {
		t.Error("ToolBudgetHit not set")
	}
	if len(res.Invocations) != 2 {
		t.Errorf("Invocations = %d, want 2", len(res.Invocations))
	}
	if !strings.HasSuffix(res.Text, goalagent.FallbackText) {
		t.Errorf("Text = %q, want fallback suffix", res.Text)
	}
	last := chunks[len(chunks)-1]
	if last.Kind != goalagent.ChunkToken || last.Text != goalagent.FallbackText {
		t.Errorf("last chunk = %+v, want fallback token", last)
	}

	skipped := 0
	for _, ev := range sink.OfType(events.TypeToolInvoked) {
		if ev.Fields["skipped"] == true {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("skipped events = %d, want 1", skipped)
	}
}

func TestRun_StreamErrorAbortsWithPartialText(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Let me check"},
		{Text: "rate limited", FinishReason: "error"},
	}}
	agent := goalagent.New(provider, newRegistry(t, okHandler), nil, testDefaults)

	res, err := agent.Run(context.Background(), baseRequest(), nil)
	if err == nil {
		t.Fatal("Run succeeded, want stream error")
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v", err)
	}
	if res.Text != "Let me check" {
		t.Errorf("partial Text = %q", res.Text)
	}
}

func TestRun_StartFailure(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamErr: errors.New("bad credentials")}
	agent := goalagent.New(provider, newRegistry(t, okHandler), nil, testDefaults)

	if _, err := agent.Run(context.Background(), baseRequest(), nil); err == nil {
		t.Fatal("Run succeeded, want start failure")
	}
}

func TestRun_SystemPromptCarriesMissingPathsAndMemory(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello!", FinishReason: "stop"},
	}}
	agent := goalagent.New(provider, newRegistry(t, okHandler), nil, testDefaults)

	req := baseRequest()
	req.Goal.MandatoryPaths = []string{"customer.name", "customer.phone"}
	req.Tactics = []string{"Ask one question at a time."}
	p, err := memtree.ParsePath("customer.name")
	if err != nil {
		t.Fatalf("ParsePath: %v", err)
	}
	req.Session.Memory, err = memtree.Set(req.Session.Memory, p, memtree.String("Ada"))
	if err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := agent.Run(context.Background(), req, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	system := provider.StreamCalls[0].Req.SystemPrompt
	if !strings.Contains(system, "customer.phone") {
		t.Errorf("system prompt missing unmet path:\n%s", system)
	}
	if strings.Contains(system, "- customer.name\n") {
		t.Errorf("system prompt lists already-known path as missing:\n%s", system)
	}
	if !strings.Contains(system, "customer.name: Ada") {
		t.Errorf("system prompt missing memory projection:\n%s", system)
	}
	if !strings.Contains(system, "Ask one question at a time.") {
		t.Errorf("system prompt missing tactic:\n%s", system)
	}
}
