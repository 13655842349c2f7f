package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maitred-ai/maitre/pkg/provider/llm"
	llmmock "github.com/maitred-ai/maitre/pkg/provider/llm/mock"
)

func TestCall_PrimaryFirst(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "a", FailoverConfig{})
	g.Add("b", "fallback")

	got, err := Call(g, func(s string) (string, error) { return s, nil })
	if err != nil || got != "primary" {
		t.Errorf("Call = %q, %v", got, err)
	}
}

func TestCall_FallsThroughOnFailure(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "a", FailoverConfig{})
	g.Add("b", "fallback")

	got, err := Call(g, func(s string) (string, error) {
		if s == "primary" {
			return "", errBoom
		}
		return s, nil
	})
	if err != nil || got != "fallback" {
		t.Errorf("Call = %q, %v", got, err)
	}
}

func TestCall_AllFailed(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "a", FailoverConfig{})
	_, err := Call(g, func(string) (string, error) { return "", errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestCall_OpenBreakerSkipsMember(t *testing.T) {
	t.Parallel()

	g := NewGroup("primary", "a", FailoverConfig{
		Breaker: BreakerConfig{TripAfter: 1, ResetAfter: time.Hour},
	})
	g.Add("b", "fallback")

	var primaryCalls int
	run := func() (string, error) {
		return Call(g, func(s string) (string, error) {
			if s == "primary" {
				primaryCalls++
				return "", errBoom
			}
			return s, nil
		})
	}

	if got, err := run(); err != nil || got != "fallback" {
		t.Fatalf("first call = %q, %v", got, err)
	}
	// The primary's breaker tripped; it must not be called again.
	if got, err := run(); err != nil || got != "fallback" {
		t.Fatalf("second call = %q, %v", got, err)
	}
	if primaryCalls != 1 {
		t.Errorf("primary called %d times, want 1", primaryCalls)
	}
}

func TestLLMFailover_CompleteFailsOver(t *testing.T) {
	t.Parallel()

	primary := &llmmock.Provider{CompleteErr: errBoom}
	backup := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "from backup"},
	}
	f := NewLLMFailover(primary, "primary", FailoverConfig{})
	f.Add("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(backup.CompleteCalls) != 1 {
		t.Errorf("calls = %d/%d, want 1/1", len(primary.CompleteCalls), len(backup.CompleteCalls))
	}
}
