// Command maitre is the conversational customer-service server: a goal-driven
// agent loop over websocket text and voice sessions.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"go.opentelemetry.io/otel"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/events"
	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/health"
	"github.com/maitred-ai/maitre/internal/observe"
	"github.com/maitred-ai/maitre/internal/orchestrator"
	"github.com/maitred-ai/maitre/internal/resilience"
	"github.com/maitred-ai/maitre/internal/semantic"
	"github.com/maitred-ai/maitre/internal/server"
	"github.com/maitred-ai/maitre/internal/session"
	"github.com/maitred-ai/maitre/internal/tool"
	"github.com/maitred-ai/maitre/internal/tool/builtin"
	"github.com/maitred-ai/maitre/internal/tool/mcpbridge"
	"github.com/maitred-ai/maitre/internal/transition"
	"github.com/maitred-ai/maitre/internal/voice"
	"github.com/maitred-ai/maitre/pkg/provider/llm"
	"github.com/maitred-ai/maitre/pkg/provider/llm/anyllm"
	oaillm "github.com/maitred-ai/maitre/pkg/provider/llm/openai"
	"github.com/maitred-ai/maitre/pkg/provider/stt"
	oaistt "github.com/maitred-ai/maitre/pkg/provider/stt/openai"
	"github.com/maitred-ai/maitre/pkg/provider/tts"
	oaitts "github.com/maitred-ai/maitre/pkg/provider/tts/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "maitre: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "maitre: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("maitre starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "maitre"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	if len(cfg.Providers.LLMFallbacks) > 0 {
		failover := resilience.NewLLMFailover(llmProvider, cfg.Providers.LLM.Name, resilience.FailoverConfig{})
		for _, entry := range cfg.Providers.LLMFallbacks {
			fb, err := reg.CreateLLM(entry)
			if err != nil {
				slog.Error("failed to build fallback llm provider", "name", entry.Name, "err", err)
				return 1
			}
			failover.Add(entry.Name, fb)
		}
		llmProvider = failover
	}

	var (
		sttProvider stt.Provider
		ttsProvider tts.Provider
	)
	if cfg.Providers.STT.Name != "" && cfg.Providers.TTS.Name != "" {
		if sttProvider, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
			slog.Error("failed to build stt provider", "err", err)
			return 1
		}
		if ttsProvider, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
			slog.Error("failed to build tts provider", "err", err)
			return 1
		}
	}

	// ── Session store ─────────────────────────────────────────────────────────
	store, err := session.New(cfg.Sessions.Dir)
	if err != nil {
		slog.Error("failed to open session store", "err", err)
		return 1
	}

	// ── Event sinks ───────────────────────────────────────────────────────────
	var (
		downstream events.Sink = events.NewSlogSink(logger)
		pgSink     *events.PostgresSink
	)
	if cfg.Events.PostgresDSN != "" {
		pgSink, err = events.NewPostgresSink(ctx, cfg.Events.PostgresDSN)
		if err != nil {
			slog.Error("failed to open audit sink", "err", err)
			return 1
		}
		defer pgSink.Close()
		downstream = events.NewMultiSink(downstream, pgSink)
	}
	sink := events.NewAsyncSink(downstream, cfg.Events.QueueSize)
	defer sink.Close()

	// ── Tools ─────────────────────────────────────────────────────────────────
	table := server.NewConnTable()

	registry := tool.NewRegistry(store,
		tool.WithMappings(cfg.ToolMappings),
		tool.WithHardTimeout(cfg.Defaults.ToolHardTimeout.Std()),
	)
	var backend builtin.Backend = builtin.NewInMemoryBackend()
	if cfg.Backend.BaseURL != "" {
		backend = builtin.NewHTTPBackend(cfg.Backend)
	}
	if err := builtin.RegisterAll(registry, backend, table.Hangup); err != nil {
		slog.Error("failed to register built-in tools", "err", err)
		return 1
	}

	bridge := mcpbridge.New(logger)
	if err := bridge.Import(ctx, registry, cfg.MCP.Servers); err != nil {
		slog.Error("failed to import mcp tools", "err", err)
		return 1
	}
	defer func() {
		if err := bridge.Close(); err != nil {
			slog.Warn("mcp close error", "err", err)
		}
	}()

	// ── Conversation engine ───────────────────────────────────────────────────
	evaluator := semantic.NewEvaluator(llmProvider, sink)
	engine := transition.NewEngine(cfg, evaluator, sink)
	agent := goalagent.New(llmProvider, registry, sink, cfg.Defaults)
	orch := orchestrator.New(orchestrator.Params{
		Config:     cfg,
		Store:      store,
		Agent:      agent,
		Registry:   registry,
		Engine:     engine,
		Sink:       sink,
		Metrics:    metrics,
		Logger:     logger,
		Summarizer: orchestrator.NewLLMSummarizer(llmProvider),
	})

	var pipeline *voice.Pipeline
	if sttProvider != nil && ttsProvider != nil {
		pipeline = voice.NewPipeline(sttProvider, ttsProvider, orch, voice.Config{
			SentenceMax: cfg.Defaults.SentenceMax,
			Voice:       tts.VoiceProfile{ID: cfg.Defaults.Voice.VoiceID},
			SampleRate:  cfg.Defaults.Voice.SampleRate,
			Channels:    cfg.Defaults.Voice.Channels,
		}, metrics, logger)
	}

	// ── Readiness checks ──────────────────────────────────────────────────────
	var checkers []health.Checker
	if pgSink != nil {
		checkers = append(checkers, health.Named("events", pgSink.Ping))
	}
	if len(cfg.MCP.Servers) > 0 {
		checkers = append(checkers, health.Named("mcp", bridge.Ping))
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	printStartupSummary(cfg)
	sink.Emit(ctx, events.New(events.TypeConfigLoaded, "", map[string]any{
		"goals":       len(cfg.Goals),
		"profiles":    len(cfg.Profiles),
		"mappings":    len(cfg.ToolMappings),
		"mcp_servers": len(cfg.MCP.Servers),
		"voice":       pipeline != nil,
	}))

	srv := server.New(server.Params{
		Config:  cfg,
		Turner:  orch,
		Voice:   pipeline,
		Table:   table,
		Health:  health.New(checkers...),
		Metrics: metrics,
		Logger:  logger,
	})

	slog.Info("server ready — press Ctrl+C to shut down")
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the provider
// from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// The hosted providers share the same pattern: optional APIKey +
	// optional BaseURL, routed through any-llm-go.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	// openai-native talks to the OpenAI API through its own SDK instead of
	// the any-llm-go shim; it supports organization-scoped keys.
	reg.RegisterLLM("openai-native", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		return oaillm.New(openaiKey(entry), entry.Model, opts...)
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, oaistt.WithLanguage(lang))
		}
		return oaistt.New(openaiKey(entry), entry.Model, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		return oaitts.New(openaiKey(entry), entry.Model, opts...)
	})
}

// openaiKey resolves the API key for the native OpenAI providers, falling
// back to the conventional environment variable like any-llm-go does.
func openaiKey(entry config.ProviderEntry) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Maitre — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model)
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	fmt.Printf("║  Goals           : %-19d ║\n", len(cfg.Goals))
	fmt.Printf("║  Tool mappings   : %-19d ║\n", len(cfg.ToolMappings))
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	if cfg.Backend.BaseURL != "" {
		fmt.Printf("║  Backend         : %-19s ║\n", "http")
	} else {
		fmt.Printf("║  Backend         : %-19s ║\n", "in-memory")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(label, name, model string) {
	if name == "" {
		fmt.Printf("║  %-15s : %-19s ║\n", label, "(disabled)")
		return
	}
	display := name
	if model != "" {
		display = name + "/" + model
	}
	if len(display) > 19 {
		display = display[:19]
	}
	fmt.Printf("║  %-15s : %-19s ║\n", label, display)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
