// Package voice implements the audio front of the pipeline: utterance
// buffering with explicit commit, speech-to-text, the text turn, and
// sentence-chunked text-to-speech.
//
// Audio flows in as raw PCM frames that accumulate in a per-session
// utterance buffer until the transport signals a commit (end of utterance).
// The committed audio is transcribed and driven through a regular text turn;
// the streamed reply is re-chunked into sentences, each synthesised as one
// TTS request so every audio chunk leaves with the exact transcript it was
// synthesised from. New audio arriving while a reply is still being spoken
// cancels the speaking turn (barge-in).
package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/observe"
	"github.com/maitred-ai/maitre/pkg/provider/stt"
	"github.com/maitred-ai/maitre/pkg/provider/tts"
)

// ErrNoAudio is returned by Commit when the utterance buffer is empty.
var ErrNoAudio = errors.New("voice: no buffered audio to commit")

// OutputKind discriminates the outputs of a committed utterance.
type OutputKind string

const (
	// OutputTranscript carries the recognised user utterance.
	OutputTranscript OutputKind = "transcript"

	// OutputSpeech carries one synthesised sentence: Audio is the PCM,
	// Text the exact sentence it was synthesised from.
	OutputSpeech OutputKind = "speech"

	// OutputDone closes a completed exchange.
	OutputDone OutputKind = "done"

	// OutputAborted closes a failed or interrupted exchange; Text carries
	// the reason.
	OutputAborted OutputKind = "aborted"
)

// Output is one downstream item of a committed utterance.
type Output struct {
	Kind  OutputKind
	Text  string
	Audio []byte
}

// Turner runs one text turn. Implemented by the orchestrator.
type Turner interface {
	Turn(ctx context.Context, sid, text string) (<-chan goalagent.Chunk, error)
}

// Config holds the pipeline's audio knobs.
type Config struct {
	// SentenceMax is the sentence buffer's flush threshold in characters.
	SentenceMax int

	// Voice is the TTS voice profile.
	Voice tts.VoiceProfile

	// SampleRate and Channels describe the inbound PCM format.
	SampleRate int
	Channels   int
}

// Pipeline wires the providers to the orchestrator. Immutable after
// construction; per-session state lives in [Session].
type Pipeline struct {
	stt     stt.Provider
	tts     tts.Provider
	turner  Turner
	cfg     Config
	metrics *observe.Metrics
	logger  *slog.Logger
}

// NewPipeline constructs a Pipeline. metrics may be nil.
func NewPipeline(sttProvider stt.Provider, ttsProvider tts.Provider, turner Turner, cfg Config, metrics *observe.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		stt:     sttProvider,
		tts:     ttsProvider,
		turner:  turner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// NewSession creates the per-connection voice state for sid.
func (p *Pipeline) NewSession(sid string) *Session {
	return &Session{p: p, sid: sid}
}

// Session is one connection's utterance buffer plus the cancel handle of
// the turn currently being spoken, if any.
type Session struct {
	p   *Pipeline
	sid string

	mu     sync.Mutex
	buf    []byte
	cancel context.CancelFunc
	gen    int
}

// PushAudio appends a PCM frame to the utterance buffer. If a reply is
// still being spoken, the caller has started talking over it: the speaking
// turn is cancelled (barge-in) so the line frees up for the new utterance.
func (s *Session) PushAudio(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.buf = append(s.buf, pcm...)
}

// Commit closes the current utterance and runs the exchange: transcription,
// the text turn, and per-sentence synthesis. The returned channel is closed
// after the terminal Done or Aborted output.
func (s *Session) Commit(ctx context.Context) (<-chan Output, error) {
	s.mu.Lock()
	pcm := s.buf
	s.buf = nil
	if len(pcm) == 0 {
		s.mu.Unlock()
		return nil, ErrNoAudio
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	out := make(chan Output, 16)
	go func() {
		defer close(out)
		defer s.clearCancel(cancel, gen)
		s.exchange(ctx, pcm, out)
	}()
	return out, nil
}

// clearCancel releases this exchange's context and drops the session's
// cancel handle, unless a newer exchange has already replaced it.
func (s *Session) clearCancel(cancel context.CancelFunc, gen int) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cancel = nil
	}
}

// exchange runs one committed utterance end to end.
func (s *Session) exchange(ctx context.Context, pcm []byte, out chan<- Output) {
	p := s.p

	sttStart := time.Now()
	transcript, err := p.stt.Transcribe(ctx, stt.Audio{
		PCM:        pcm,
		SampleRate: p.cfg.SampleRate,
		Channels:   p.cfg.Channels,
	})
	if p.metrics != nil {
		p.metrics.STTDuration.Record(ctx, time.Since(sttStart).Seconds())
	}
	if err != nil {
		p.logger.Warn("transcription failed", "session", s.sid, "error", err)
		emit(ctx, out, Output{Kind: OutputAborted, Text: "stt_failed"})
		return
	}
	if transcript.Text == "" {
		// Silence or noise; nothing to say, nothing to answer.
		emit(ctx, out, Output{Kind: OutputDone})
		return
	}
	emit(ctx, out, Output{Kind: OutputTranscript, Text: transcript.Text})

	chunks, err := p.turner.Turn(ctx, s.sid, transcript.Text)
	if err != nil {
		p.logger.Warn("voice turn rejected", "session", s.sid, "error", err)
		emit(ctx, out, Output{Kind: OutputAborted, Text: "turn_rejected"})
		return
	}

	buf := sentenceBuffer{max: p.cfg.SentenceMax}
	done, aborted := false, false
	for chunk := range chunks {
		switch chunk.Kind {
		case goalagent.ChunkToken:
			if sentence := buf.push(chunk.Text); strings.TrimSpace(sentence) != "" {
				s.speak(ctx, sentence, out)
			}
		case goalagent.ChunkFarewell:
			if rest := buf.flush(); strings.TrimSpace(rest) != "" {
				s.speak(ctx, rest, out)
			}
			s.speak(ctx, chunk.Text, out)
		case goalagent.ChunkDone:
			// Farewell chunks may still follow; the done output waits for
			// the stream to close so it stays last.
			if rest := buf.flush(); strings.TrimSpace(rest) != "" {
				s.speak(ctx, rest, out)
			}
			done = true
		case goalagent.ChunkAborted:
			// Speak what was already committed to history, then report.
			if rest := buf.flush(); strings.TrimSpace(rest) != "" {
				s.speak(ctx, rest, out)
			}
			emit(ctx, out, Output{Kind: OutputAborted, Text: chunk.Text})
			aborted = true
		}
	}
	switch {
	case done:
		emit(ctx, out, Output{Kind: OutputDone})
	case !aborted:
		// The turn's stream ended without a terminal chunk: the exchange
		// was cancelled under us, almost always by barge-in.
		reason := "cancelled"
		if ctx.Err() == context.Canceled {
			reason = "barge_in"
		}
		emit(ctx, out, Output{Kind: OutputAborted, Text: reason})
	}
}

// speak synthesises one sentence as a single TTS request and emits the
// paired audio/transcript output. Synthesis failures degrade to a
// text-only output rather than killing the exchange.
func (s *Session) speak(ctx context.Context, sentence string, out chan<- Output) {
	p := s.p

	text := make(chan string, 1)
	text <- sentence
	close(text)

	start := time.Now()
	audioCh, err := p.tts.SynthesizeStream(ctx, text, p.cfg.Voice)
	if err != nil {
		p.logger.Warn("synthesis failed", "session", s.sid, "error", err)
		emit(ctx, out, Output{Kind: OutputSpeech, Text: sentence})
		return
	}
	var audio []byte
	for b := range audioCh {
		audio = append(audio, b...)
	}
	if p.metrics != nil {
		p.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	emit(ctx, out, Output{Kind: OutputSpeech, Text: sentence, Audio: audio})
}

// emit delivers an output. After cancellation the consumer may have stopped
// draining, so delivery falls back to a non-blocking attempt; with the
// buffered channel this still lands terminal outputs in practice.
func emit(ctx context.Context, out chan<- Output, o Output) {
	select {
	case out <- o:
	case <-ctx.Done():
		select {
		case out <- o:
		default:
		}
	}
}
