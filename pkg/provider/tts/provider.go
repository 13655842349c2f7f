// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., OpenAI TTS, Google
// Cloud TTS, or a local Piper instance) and presents a uniform streaming
// interface. The primary entry point is SynthesizeStream, which accepts a
// channel of text fragments and returns a channel of raw PCM audio bytes as
// they become available — enabling low-latency pipelining between sentence
// buffering and audio playback.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// VoiceProfile identifies a synthesis voice offered by a provider.
type VoiceProfile struct {
	// ID is the provider-assigned voice identifier (e.g., "nova").
	ID string

	// Name is a human-readable label for operator UIs.
	Name string

	// Language is the BCP-47 tag of the voice's primary language, when the
	// provider reports one.
	Language string
}

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Multiple synthesis
// requests may run in parallel (one per active session).
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits raw PCM audio byte slices as they are
	// synthesised. Each received fragment is synthesised as one request, so
	// callers should send complete sentences rather than individual tokens.
	//
	// The returned audio channel is closed by the implementation when the
	// text channel is closed and all pending synthesis has completed, or when
	// ctx is cancelled. The caller must drain the audio channel to avoid
	// blocking the provider's internal goroutines.
	//
	// voice specifies the voice profile to use. Providers should return an
	// error if the requested voice is not available.
	//
	// Returns a non-nil error only if the stream cannot be started. Errors
	// encountered during synthesis are signalled by closing the audio channel
	// early; callers should check ctx.Err() to distinguish cancellation from
	// provider errors.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider.
	//
	// Returns an error if the provider cannot be reached or if ctx is
	// cancelled before the list is retrieved.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
