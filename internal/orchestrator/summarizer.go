package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
)

// Summarizer condenses conversation history into a short running summary
// stored under conversation_meta.summary.
type Summarizer interface {
	Summarize(ctx context.Context, history []session.HistoryEntry) (string, error)
}

// summaryWindow caps how much history is fed to the summariser; older turns
// are already reflected in the previous summary.
const summaryWindow = 20

// LLMSummarizer implements [Summarizer] with a non-streaming completion.
type LLMSummarizer struct {
	provider llm.Provider
}

// NewLLMSummarizer constructs an LLMSummarizer on provider.
func NewLLMSummarizer(provider llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: provider}
}

// Summarize renders the recent history as a transcript and asks the model
// for a compact summary.
func (s *LLMSummarizer) Summarize(ctx context.Context, history []session.HistoryEntry) (string, error) {
	if len(history) > summaryWindow {
		history = history[len(history)-summaryWindow:]
	}
	var sb strings.Builder
	for _, h := range history {
		sb.WriteString(h.Role)
		sb.WriteString(": ")
		sb.WriteString(h.Text)
		sb.WriteByte('\n')
	}

	resp, err := s.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Summarise the service conversation below in at most three sentences. " +
			"Keep concrete facts: names, contact details, the request, agreed next steps.",
		Messages:    []llm.Message{{Role: "user", Content: sb.String()}},
		Temperature: 0,
		MaxTokens:   200,
	})
	if err != nil {
		return "", fmt.Errorf("orchestrator: summarize: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("orchestrator: summarize: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}
