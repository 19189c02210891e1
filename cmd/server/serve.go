package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lexiqai/claims-voice/internal/audio"
	"github.com/lexiqai/claims-voice/internal/call"
	"github.com/lexiqai/claims-voice/internal/config"
	"github.com/lexiqai/claims-voice/internal/eventbus"
	"github.com/lexiqai/claims-voice/internal/llm"
	"github.com/lexiqai/claims-voice/internal/observability"
	"github.com/lexiqai/claims-voice/internal/orchestrator"
	"github.com/lexiqai/claims-voice/internal/retrieval"
	"github.com/lexiqai/claims-voice/internal/stt"
	"github.com/lexiqai/claims-voice/internal/telephony"
	"github.com/lexiqai/claims-voice/internal/tts"
)

const streamPath = "/streams/telephony"

var shutdownTimeout time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server taking calls",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for live calls on shutdown")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("retrieval_backend", cfg.RetrievalBackend).
		Str("event_bus_backend", cfg.EventBusBackend).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway Service starting")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retriever, err := retrieval.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening claims retrieval: %w", err)
	}
	defer retriever.Close()

	events, err := eventbus.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("opening event bus: %w", err)
	}

	speaker := tts.NewAdapter(
		tts.NewElevenLabs(tts.ElevenLabsConfigFrom(cfg), logger),
		audio.TelephonyFormat,
		config.Millis(cfg.FrameDurationMs),
		config.Millis(cfg.SynthesisFirstResponseMs),
		logger,
	)
	bridge, err := orchestrator.NewBridge(
		llm.NewOpenAI(llm.OpenAIConfigFrom(cfg), logger),
		retriever,
		speaker,
		orchestrator.ConfigFrom(cfg),
		logger,
	)
	if err != nil {
		return err
	}

	calls, hangup := context.WithCancel(context.Background())
	defer hangup()
	handler := telephony.NewHandler(calls,
		call.NewRegistry(cfg.MaxConcurrentCalls),
		bridge,
		stt.NewDeepgramFactory(cfg, logger),
		events,
		telephony.OptionsFrom(cfg),
		logger,
	)

	mux := http.NewServeMux()
	mux.Handle(streamPath, handler)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"retrieval": retriever.HealthCheck,
		"event_bus": events.HealthCheck,
	}))
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s%s", cfg.Port, streamPath)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + streamPath
		}
		logger.Info().Str("port", cfg.Port).Str("endpoint", endpoint).Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown incomplete")
	}
	// hijacked media streams are not tracked by the server
	hangup()
	if err := handler.Drain(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Calls still running at shutdown")
	}
	if err := events.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Event bus did not drain")
	}

	logger.Info().Msg("Server exited gracefully")
	return nil
}
