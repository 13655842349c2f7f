package resilience

import (
	"context"

	"github.com/maitred-ai/maitre/pkg/provider/llm"
	"github.com/maitred-ai/maitre/pkg/provider/stt"
	"github.com/maitred-ai/maitre/pkg/provider/tts"
)

// LLMFailover implements [llm.Provider] over a failover group. For streams,
// only opening the stream participates in failover; mid-stream errors reach
// the caller as usual.
type LLMFailover struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLMFailover)(nil)

// NewLLMFailover builds a failover provider with primary preferred.
func NewLLMFailover(primary llm.Provider, name string, cfg FailoverConfig) *LLMFailover {
	return &LLMFailover{group: NewGroup(primary, name, cfg)}
}

// Add registers an additional fallback provider.
func (f *LLMFailover) Add(name string, provider llm.Provider) {
	f.group.Add(name, provider)
}

func (f *LLMFailover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

func (f *LLMFailover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// STTFailover implements [stt.Provider] over a failover group.
type STTFailover struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*STTFailover)(nil)

// NewSTTFailover builds a failover provider with primary preferred.
func NewSTTFailover(primary stt.Provider, name string, cfg FailoverConfig) *STTFailover {
	return &STTFailover{group: NewGroup(primary, name, cfg)}
}

// Add registers an additional fallback provider.
func (f *STTFailover) Add(name string, provider stt.Provider) {
	f.group.Add(name, provider)
}

func (f *STTFailover) Transcribe(ctx context.Context, audio stt.Audio) (stt.Transcript, error) {
	return Call(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, audio)
	})
}

// TTSFailover implements [tts.Provider] over a failover group. Like streams,
// only starting synthesis fails over.
type TTSFailover struct {
	group *Group[tts.Provider]
}

var _ tts.Provider = (*TTSFailover)(nil)

// NewTTSFailover builds a failover provider with primary preferred.
func NewTTSFailover(primary tts.Provider, name string, cfg FailoverConfig) *TTSFailover {
	return &TTSFailover{group: NewGroup(primary, name, cfg)}
}

// Add registers an additional fallback provider.
func (f *TTSFailover) Add(name string, provider tts.Provider) {
	f.group.Add(name, provider)
}

func (f *TTSFailover) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return Call(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.SynthesizeStream(ctx, text, voice)
	})
}

func (f *TTSFailover) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return Call(f.group, func(p tts.Provider) ([]tts.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}
