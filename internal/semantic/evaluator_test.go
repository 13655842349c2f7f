package semantic_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/semantic"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
	llmmock "github.com/maitred-ai/maitre/pkg/provider/llm/mock"
)

func TestEvaluate_ParsesVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		content        string
		wantValue      bool
		wantConfidence float64
	}{
		{"plain yes", "ANSWER: yes CONFIDENCE: 0.85 REASON: customer said 'book it'", true, 0.85},
		{"plain no", "ANSWER: no CONFIDENCE: 0.9 REASON: no confirmation given", false, 0.9},
		{"lowercase markers", "answer: yes confidence: 0.72 reason: agreed", true, 0.72},
		{"no reason", "ANSWER: no CONFIDENCE: 1", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &llmmock.Provider{
				CompleteResponse: &llm.CompletionResponse{Content: tt.content},
			}
			e := semantic.NewEvaluator(p, nil)
			got := e.Evaluate(context.Background(), "s-1", "customer confirmed the plan", "", nil)
			if got.Value != tt.wantValue || got.Confidence != tt.wantConfidence {
				t.Errorf("Evaluate = %+v, want value=%v confidence=%v", got, tt.wantValue, tt.wantConfidence)
			}
		})
	}
}

func TestEvaluate_ParseFailureIsFalse(t *testing.T) {
	t.Parallel()

	sink := &events.CollectSink{}
	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "I think the customer probably agreed."},
	}
	e := semantic.NewEvaluator(p, sink)
	got := e.Evaluate(context.Background(), "s-1", "customer confirmed", "", nil)

	if got.Value || got.Confidence != 0 {
		t.Errorf("parse failure should yield {false, 0}, got %+v", got)
	}
	if got.Reason != "parse_failed" {
		t.Errorf("Reason = %q, want parse_failed", got.Reason)
	}
	evs := sink.OfType(events.TypeSemanticEvaluated)
	if len(evs) != 1 || evs[0].Fields["failed"] != true {
		t.Errorf("expected one failed semantic_evaluated event, got %+v", evs)
	}
}

func TestEvaluate_ProviderErrorIsFalse(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{CompleteErr: errors.New("boom")}
	e := semantic.NewEvaluator(p, nil)
	got := e.Evaluate(context.Background(), "s-1", "customer confirmed", "", nil)
	if got.Value || got.Confidence != 0 {
		t.Errorf("provider error should yield {false, 0}, got %+v", got)
	}
}

func TestEvaluate_TruncatesToLastThreeExchanges(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ANSWER: yes CONFIDENCE: 0.8 REASON: ok"},
	}
	e := semantic.NewEvaluator(p, nil)

	history := []session.HistoryEntry{
		{Role: "user", Text: "oldest"},
		{Role: "assistant", Text: "older"},
		{Role: "user", Text: "recent-1"},
		{Role: "assistant", Text: "recent-2"},
		{Role: "user", Text: "recent-3"},
	}
	e.Evaluate(context.Background(), "s-1", "p", "customer.phone: 555-0100", history)

	if len(p.CompleteCalls) != 1 {
		t.Fatalf("Complete called %d times, want 1", len(p.CompleteCalls))
	}
	prompt := p.CompleteCalls[0].Req.Messages[0].Content
	if strings.Contains(prompt, "oldest") || strings.Contains(prompt, "older") {
		t.Errorf("prompt includes exchanges beyond the last three:\n%s", prompt)
	}
	for _, want := range []string{"recent-1", "recent-2", "recent-3", "customer.phone"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if p.CompleteCalls[0].Req.Temperature != 0 {
		t.Errorf("Temperature = %v, want 0", p.CompleteCalls[0].Req.Temperature)
	}
}
