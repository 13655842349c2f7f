// Package server exposes the conversation engine over HTTP: websocket
// endpoints for text and voice sessions, plus health and metrics routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/maitred-ai/maitre/internal/config"
	"github.com/maitred-ai/maitre/internal/goalagent"
	"github.com/maitred-ai/maitre/internal/health"
	"github.com/maitred-ai/maitre/internal/observe"
	"github.com/maitred-ai/maitre/internal/voice"
)

// shutdownTimeout bounds the drain of in-flight requests on stop.
const shutdownTimeout = 10 * time.Second

// Turner runs one text turn. Implemented by the orchestrator.
type Turner interface {
	Turn(ctx context.Context, sid, text string) (<-chan goalagent.Chunk, error)
}

// Params collects the server's dependencies.
type Params struct {
	Config  *config.Config
	Turner  Turner
	Voice   *voice.Pipeline
	Table   *ConnTable
	Health  *health.Handler
	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Server serves the websocket session endpoints and operational routes.
type Server struct {
	cfg     *config.Config
	turner  Turner
	voice   *voice.Pipeline
	table   *ConnTable
	health  *health.Handler
	metrics *observe.Metrics
	logger  *slog.Logger
}

// New constructs a Server. Logger defaults to slog.Default, the connection
// table and health handler to empty ones, metrics to the no-op defaults.
func New(p Params) *Server {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Table == nil {
		p.Table = NewConnTable()
	}
	if p.Health == nil {
		p.Health = health.New()
	}
	if p.Metrics == nil {
		p.Metrics = observe.DefaultMetrics()
	}
	return &Server{
		cfg:     p.Config,
		turner:  p.Turner,
		voice:   p.Voice,
		table:   p.Table,
		health:  p.Health,
		metrics: p.Metrics,
		logger:  p.Logger,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /v1/sessions/{sid}/chat", s.handleChat)
	if s.voice != nil {
		mux.HandleFunc("GET /v1/sessions/{sid}/voice", s.handleVoice)
	}
	return observe.Middleware(s.metrics)(mux)
}

// Run serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
