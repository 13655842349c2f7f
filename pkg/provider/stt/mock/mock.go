// Package mock provides a test double for the stt.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/maitred-ai/maitre/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is the utterance passed to Transcribe.
	Audio stt.Audio
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty transcript and nil error.
type Provider struct {
	mu sync.Mutex

	// Transcripts, when non-empty, is returned one entry per successive
	// Transcribe call; calls beyond the slice replay the last entry.
	Transcripts []stt.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// Calls records every invocation of Transcribe in order.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next configured transcript.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	call := len(p.Calls)
	p.Calls = append(p.Calls, TranscribeCall{Ctx: ctx, Audio: audio})
	if p.Err != nil {
		return stt.Transcript{}, p.Err
	}
	if len(p.Transcripts) == 0 {
		return stt.Transcript{}, nil
	}
	if call >= len(p.Transcripts) {
		call = len(p.Transcripts) - 1
	}
	return p.Transcripts[call], nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
