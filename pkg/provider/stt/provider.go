// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., OpenAI Whisper, Google
// Speech-to-Text, or a local Whisper server) and exposes a uniform
// utterance-level interface: the voice pipeline buffers caller audio until an
// utterance boundary is detected, then submits the whole utterance for
// transcription. Utterance-level recognition trades a little latency for a
// much simpler commit model — a transcript either becomes a turn or it does
// not, with no partial-result reconciliation.
//
// Implementations must be safe for concurrent use; multiple sessions may
// transcribe simultaneously.
package stt

import "context"

// Audio describes a buffered utterance of raw PCM audio.
type Audio struct {
	// PCM is the raw little-endian 16-bit PCM sample data.
	PCM []byte

	// SampleRate is the sample rate in Hz, e.g. 16000.
	SampleRate int

	// Channels is the channel count. 1 = mono (preferred for recognition).
	Channels int
}

// Transcript is the recognised text for one utterance.
type Transcript struct {
	// Text is the transcribed utterance. Empty when the provider heard no
	// speech in the audio.
	Text string

	// Language is the BCP-47 tag of the recognised language, when the
	// provider reports one.
	Language string
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe submits one complete utterance and returns its transcript.
	// Returns an error if the provider cannot be reached, rejects the audio
	// format, or ctx is cancelled before the result arrives.
	Transcribe(ctx context.Context, audio Audio) (Transcript, error)
}
