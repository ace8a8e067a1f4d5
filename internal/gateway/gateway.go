// ABOUTME: Gateway orchestrator that wires storage, analysis, and HTTP serving
// ABOUTME: Manages component lifecycle from startup through graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/2389/interview-gateway/internal/aggregate"
	"github.com/2389/interview-gateway/internal/analysis"
	"github.com/2389/interview-gateway/internal/auth"
	"github.com/2389/interview-gateway/internal/config"
	"github.com/2389/interview-gateway/internal/media"
	"github.com/2389/interview-gateway/internal/prompts"
	"github.com/2389/interview-gateway/internal/session"
	"github.com/2389/interview-gateway/internal/store"
	"github.com/2389/interview-gateway/internal/stream"
)

// Gateway orchestrates the interview-gateway server components: the
// SQLite store, the analysis gateway, the session manager, the WebSocket
// stream gateway, and the HTTP API.
type Gateway struct {
	config     *config.Config
	store      store.Store
	analysis   *analysis.Gateway
	aggregator *aggregate.Aggregator
	sessions   *session.Manager
	stream     *stream.Gateway
	verifier   auth.TokenVerifier
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Gateway from configuration, wiring every component.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry, err := prompts.Load(cfg.Prompts.Path)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}

	llm := analysis.NewLLMClient(analysis.LLMConfig{
		BaseURL:     cfg.Services.LLM.BaseURL,
		APIKey:      cfg.Services.LLM.APIKey,
		Model:       cfg.Services.LLM.Model,
		Temperature: cfg.Services.LLM.Temperature,
		MaxTokens:   cfg.Services.LLM.MaxTokens,
	}, nil)

	services := map[analysis.Kind]analysis.Service{
		analysis.KindTranscription: analysis.NewTranscriptionClient(cfg.Services.TranscriptionURL, nil),
		analysis.KindFollowUp:      llm,
		analysis.KindEvaluation:    llm,
		analysis.KindReport:        llm,
	}
	videoEnabled := cfg.Services.VideoAnalysisURL != ""
	if videoEnabled {
		services[analysis.KindVideoSignal] = analysis.NewVideoSignalClient(cfg.Services.VideoAnalysisURL, nil)
	}

	analysisGW := analysis.NewGateway(analysis.Config{
		Services:    services,
		Policies:    policiesFromConfig(cfg.Analysis),
		MaxInFlight: int64(cfg.Analysis.MaxInFlight),
		Logger:      logger,
	})

	aggregator := aggregate.New(cfg.Analysis.JoinTimeout, logger)

	sessions := session.NewManager(session.Config{
		Store:      st,
		Gateway:    analysisGW,
		Aggregator: aggregator,
		Prompts:    registry,
		LLM:        llm,
		Media: media.Config{
			MaxBytes:    cfg.Media.MaxUtteranceBytes,
			MaxDuration: cfg.Media.MaxUtteranceDuration,
			QueueDepth:  cfg.Media.QueueDepth,
		},
		VideoEnabled: videoEnabled,
		Logger:       logger,
	})

	g := &Gateway{
		config:     cfg,
		store:      st,
		analysis:   analysisGW,
		aggregator: aggregator,
		sessions:   sessions,
		stream:     stream.NewGateway(sessions, logger),
		logger:     logger.With("component", "gateway"),
	}
	if cfg.Auth.JWTSecret != "" {
		g.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// policiesFromConfig maps the config's per-kind overrides onto gateway
// policies. Zero values fall back to the built-in defaults.
func policiesFromConfig(cfg config.AnalysisConfig) map[analysis.Kind]analysis.Policy {
	return map[analysis.Kind]analysis.Policy{
		analysis.KindTranscription: {Deadline: cfg.Transcription.Deadline, MaxAttempts: cfg.Transcription.MaxAttempts},
		analysis.KindVideoSignal:   {Deadline: cfg.VideoSignal.Deadline, MaxAttempts: cfg.VideoSignal.MaxAttempts},
		analysis.KindFollowUp:      {Deadline: cfg.FollowUp.Deadline, MaxAttempts: cfg.FollowUp.MaxAttempts},
		analysis.KindEvaluation:    {Deadline: cfg.Evaluation.Deadline, MaxAttempts: cfg.Evaluation.MaxAttempts},
		analysis.KindReport:        {Deadline: cfg.Report.Deadline, MaxAttempts: cfg.Report.MaxAttempts},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}

	g.logger.Info("interview gateway listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return g.Shutdown()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// Shutdown stops serving and tears down components in dependency order:
// no new requests, then live sessions, then analysis, then storage.
func (g *Gateway) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		firstErr = fmt.Errorf("http shutdown: %w", err)
	}

	g.sessions.Close()
	g.analysis.Close()

	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	g.logger.Info("shutdown complete")
	return firstErr
}

// handleHealth reports process liveness.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReady reports readiness: the store must answer.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := g.store.ListSessions(r.Context(), 1); err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ready"}`))
}
