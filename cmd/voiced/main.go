package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/core/llm/ollama"
	"github.com/openclaw/voicepipe/pkg/core/speaker"
	"github.com/openclaw/voicepipe/pkg/core/voice/stt"
	"github.com/openclaw/voicepipe/pkg/core/voice/tts"
	"github.com/openclaw/voicepipe/pkg/gateway/config"
	"github.com/openclaw/voicepipe/pkg/gateway/live/sessions"
	"github.com/openclaw/voicepipe/pkg/gateway/server"
	"github.com/openclaw/voicepipe/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger()
	slog.SetDefault(logger)

	provider, err := ollama.New(ollama.Config{
		Host:        cfg.OllamaHost,
		Model:       cfg.OllamaModel,
		Temperature: cfg.OllamaTemp,
		NumPredict:  cfg.OllamaNumPredict,
	})
	if err != nil {
		logger.Error("failed to create ollama provider", "error", err)
		os.Exit(1)
	}
	healthCtx, cancelHealth := context.WithTimeout(context.Background(), 5*time.Second)
	if err := provider.HealthCheck(healthCtx); err != nil {
		logger.Warn("ollama is not reachable yet", "host", cfg.OllamaHost, "error", err)
	}
	cancelHealth()

	var engines []tts.Engine
	if cfg.CartesiaAPIKey != "" {
		engines = append(engines, tts.WithVoice(
			tts.NewCartesiaWithClient(cfg.CartesiaAPIKey, cfg.CartesiaBaseURL, nil), cfg.CartesiaVoice))
	}
	if cfg.ElevenLabsAPIKey != "" {
		engines = append(engines, tts.WithVoice(
			tts.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, cfg.ElevenLabsBaseURL, nil), cfg.ElevenLabsVoice))
	}
	if len(engines) == 0 {
		logger.Warn("no synthesis engines configured, replies will be text-only")
	}
	chain := tts.NewChain(logger, cfg.SynthTimeout, engines...)

	orch := convo.NewOrchestrator(provider, chain, logger, convo.OrchestratorConfig{
		Model:        cfg.OllamaModel,
		SystemPrompt: cfg.SystemPrompt,
		TTSOptions: tts.Options{
			Speed:      cfg.TTSSpeed,
			Format:     "pcm",
			SampleRate: cfg.TTSSampleRate,
		},
		TurnTimeout: cfg.TurnTimeout,
	})

	transcriber := stt.NewClient(cfg.WhisperBaseURL, nil)
	if cfg.WhisperLanguage != "" {
		transcriber = transcriber.WithLanguage(cfg.WhisperLanguage)
	}

	var speakers speaker.Identifier
	if cfg.SpeakerBaseURL != "" {
		speakers = speaker.NewClient(cfg.SpeakerBaseURL, nil, logger)
	}

	snaps, err := newSnapshotStore(cfg)
	if err != nil {
		logger.Error("failed to create snapshot store", "driver", string(cfg.StoreDriver), "error", err)
		os.Exit(1)
	}
	defer snaps.Close()

	registry := sessions.NewRegistry(snaps, logger, cfg.SessionIdleTTL, nil)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go registry.Run(rootCtx)

	srv := server.New(cfg, logger, server.Dependencies{
		Orchestrator: orch,
		Transcriber:  transcriber,
		Speakers:     speakers,
		Registry:     registry,
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("voicepipe gateway listening", "addr", cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("shutting down")
	srv.BeginDrain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if !srv.Drain(shutdownCtx) {
		logger.Warn("live sessions did not drain before the grace period")
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func newSnapshotStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return store.New(store.DriverRedis,
			store.WithRedisClient(client),
			store.WithRedisTTL(cfg.RedisTTL))
	default:
		return store.New(store.DriverMemory)
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("VOICEPIPE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if os.Getenv("VOICEPIPE_LOG_FORMAT") == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
