// Package mock provides a test double for the tts.Provider interface.
//
// Provider echoes every text fragment it receives back as a pseudo-audio
// byte slice, so tests can assert on exactly which sentences reached
// synthesis and in what order.
package mock

import (
	"context"
	"sync"

	"github.com/maitred-ai/maitre/pkg/provider/tts"
)

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Err, if non-nil, is returned as the error from SynthesizeStream.
	Err error

	// Synthesized records every text fragment received across all streams,
	// in arrival order.
	Synthesized []string

	// Voices is returned by ListVoices. Defaults to a single "test" voice
	// when empty.
	Voices []tts.VoiceProfile
}

// SynthesizeStream returns a channel that emits each received fragment as a
// byte slice of its text, recording the fragment.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, _ tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	err := p.Err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	audio := make(chan []byte, 8)
	go func() {
		defer close(audio)
		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-text:
				if !ok {
					return
				}
				p.mu.Lock()
				p.Synthesized = append(p.Synthesized, fragment)
				p.mu.Unlock()
				select {
				case audio <- []byte(fragment):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return audio, nil
}

// ListVoices returns the configured voice list.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Voices) == 0 {
		return []tts.VoiceProfile{{ID: "test", Name: "test", Language: "en"}}, nil
	}
	voices := make([]tts.VoiceProfile, len(p.Voices))
	copy(voices, p.Voices)
	return voices, nil
}

// Fragments returns a copy of all recorded fragments. Thread-safe.
func (p *Provider) Fragments() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Synthesized))
	copy(out, p.Synthesized)
	return out
}

// Reset clears all recorded fragments. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Synthesized = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
