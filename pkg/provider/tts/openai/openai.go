// Package openai provides a TTS provider backed by the OpenAI speech API.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/maitred-ai/maitre/pkg/provider/tts"
)

// Provider implements tts.Provider using the OpenAI speech API. Synthesis
// output is raw 24kHz mono 16-bit PCM.
type Provider struct {
	client oai.Client
	model  string
}

var _ tts.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a new OpenAI TTS Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai tts: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai tts: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// SynthesizeStream implements tts.Provider. Each text fragment received is
// synthesised as a single request; callers should send complete sentences.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, fmt.Errorf("openai tts: voice must not be empty")
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
				if fragment == "" {
					continue
				}
				pcm, err := p.synthesize(ctx, fragment, voice.ID)
				if err != nil {
					// Abort the stream; the caller observes an early close
					// and checks ctx.Err().
					return
				}
				select {
				case audio <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return audio, nil
}

// synthesize performs one speech request and returns the raw PCM payload.
func (p *Provider) synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		Input:          text,
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai tts: read audio: %w", err)
	}
	return pcm, nil
}

// ListVoices implements tts.Provider. The OpenAI voice catalogue is fixed, so
// this returns a static list.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	ids := []string{"alloy", "ash", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer"}
	voices := make([]tts.VoiceProfile, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, tts.VoiceProfile{ID: id, Name: id, Language: "en"})
	}
	return voices, nil
}
