// The ambient bot listens to the room through the local microphone, keeps a
// rolling transcript, and speaks up when addressed by name or when the
// cooldown allows a proactive reply. It reuses the gateway's conversation
// pipeline end to end; only the transport differs (sound card instead of a
// websocket).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openclaw/voicepipe/pkg/core/ambient"
	"github.com/openclaw/voicepipe/pkg/core/convo"
	"github.com/openclaw/voicepipe/pkg/core/llm/ollama"
	"github.com/openclaw/voicepipe/pkg/core/speaker"
	"github.com/openclaw/voicepipe/pkg/core/voice/stt"
	"github.com/openclaw/voicepipe/pkg/core/voice/tts"
)

func main() {
	_ = godotenv.Load()

	var (
		ollamaHost   = flag.String("ollama-host", "http://127.0.0.1:11434", "ollama server URL")
		ollamaModel  = flag.String("ollama-model", "llama3.1", "ollama model name")
		systemPrompt = flag.String("system-prompt", "", "system prompt override")
		whisperURL   = flag.String("whisper-url", "http://127.0.0.1:8178", "whisper transcription service URL")
		speakerURL   = flag.String("speaker-url", "", "speaker identification service URL (empty = disabled)")
		language     = flag.String("language", "", "pin transcription language (empty = auto)")
		botName      = flag.String("bot-name", "voicepipe", "name that always triggers a reply")
		cooldown     = flag.Duration("cooldown", ambient.DefaultCooldown, "minimum gap between proactive replies")
		captureRate  = flag.Int("capture-rate", 16000, "microphone sample rate in Hz")
		playbackRate = flag.Int("playback-rate", 24000, "speaker sample rate in Hz")
		vadThreshold = flag.Float64("vad-threshold", 0.015, "RMS energy gate for speech detection")
		synthTimeout = flag.Duration("synth-timeout", 8*time.Second, "per-engine synthesis budget")
		logLevel     = flag.String("log-level", "info", "debug|info|warn|error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := ollama.New(ollama.Config{Host: *ollamaHost, Model: *ollamaModel})
	if err != nil {
		logger.Error("failed to create ollama provider", "error", err)
		os.Exit(1)
	}
	healthCtx, cancelHealth := context.WithTimeout(ctx, 5*time.Second)
	err = provider.HealthCheck(healthCtx)
	cancelHealth()
	if err != nil {
		logger.Error("ollama is not reachable", "host", *ollamaHost, "error", err)
		os.Exit(1)
	}

	var engines []tts.Engine
	if key := os.Getenv("CARTESIA_API_KEY"); key != "" {
		engines = append(engines, tts.WithVoice(
			tts.NewCartesia(key), os.Getenv("VOICEPIPE_CARTESIA_VOICE")))
	}
	if key := os.Getenv("ELEVENLABS_API_KEY"); key != "" {
		engines = append(engines, tts.WithVoice(
			tts.NewElevenLabs(key), os.Getenv("VOICEPIPE_ELEVENLABS_VOICE")))
	}
	if len(engines) == 0 {
		logger.Error("no synthesis engines configured; set CARTESIA_API_KEY or ELEVENLABS_API_KEY")
		os.Exit(1)
	}
	chain := tts.NewChain(logger, *synthTimeout, engines...)

	orch := convo.NewOrchestrator(provider, chain, logger, convo.OrchestratorConfig{
		Model:        *ollamaModel,
		SystemPrompt: *systemPrompt,
		TTSOptions:   tts.Options{Format: "pcm", SampleRate: *playbackRate},
	})

	transcriber := stt.NewClient(*whisperURL, nil)
	if *language != "" {
		transcriber = transcriber.WithLanguage(*language)
	}

	var speakers *speaker.Client
	profiles := speaker.NewProfileCache()
	if *speakerURL != "" {
		speakers = speaker.NewClient(*speakerURL, nil, logger)
		refreshCtx, cancelRefresh := context.WithTimeout(ctx, 5*time.Second)
		if names, err := speakers.Profiles(refreshCtx); err != nil {
			logger.Warn("could not list enrolled speakers", "error", err)
		} else {
			profiles.Replace(names)
			logger.Info("enrolled speakers loaded", "count", len(names))
		}
		cancelRefresh()
	}

	listener := ambient.NewListener(ambient.ListenerConfig{
		BotName:  *botName,
		Cooldown: *cooldown,
	}, nil)
	queue := ambient.NewPlaybackQueue()
	memory := convo.NewMemory(0)

	play, err := newPlayer(*playbackRate)
	if err != nil {
		logger.Error("failed to open playback device", "error", err)
		os.Exit(1)
	}
	defer play.close()

	mic, err := newCapturer(*captureRate)
	if err != nil {
		logger.Error("failed to open capture device", "error", err)
		os.Exit(1)
	}
	defer mic.close()
	if err := mic.start(); err != nil {
		logger.Error("failed to start capture", "error", err)
		os.Exit(1)
	}

	logger.Info("ambient bot listening",
		"bot_name", *botName,
		"cooldown", *cooldown,
		"capture_rate", *captureRate)

	splitter := newUtteranceSplitter(*captureRate, *vadThreshold, 0, 0)
	bot := &ambientBot{
		logger:      logger,
		orch:        orch,
		transcriber: transcriber,
		speakers:    speakers,
		profiles:    profiles,
		listener:    listener,
		queue:       queue,
		memory:      memory,
		mic:         mic,
		player:      play,
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			// Words in flight when the signal lands still get heard.
			if utt := splitter.flush(); utt != nil {
				flushCtx, cancelFlush := context.WithTimeout(context.Background(), 10*time.Second)
				bot.handleUtterance(flushCtx, utt)
				cancelFlush()
			}
			return
		case chunk := <-mic.chunks:
			for _, utt := range splitter.feed(chunk) {
				bot.handleUtterance(ctx, utt)
			}
		}
	}
}

type ambientBot struct {
	logger      *slog.Logger
	orch        *convo.Orchestrator
	transcriber stt.Transcriber
	speakers    *speaker.Client
	profiles    *speaker.ProfileCache
	listener    *ambient.Listener
	queue       *ambient.PlaybackQueue
	memory      *convo.Memory
	mic         *capturer
	player      *player
}

func (b *ambientBot) handleUtterance(ctx context.Context, utt []byte) {
	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	transcript, err := b.transcriber.Transcribe(tctx, utt, "pcm")
	if err != nil {
		b.logger.Warn("transcription failed", "error", err)
		return
	}
	text := strings.TrimSpace(transcript.Text)
	if text == "" {
		return
	}

	var speakerName string
	if b.speakers != nil {
		if id := b.speakers.IdentifyQuiet(tctx, utt); id.Known {
			speakerName = id.Speaker
			if b.noteSpeaker(speakerName) {
				b.logger.Info("new speaker in conversation", "speaker", speakerName)
			}
		}
	}
	b.logger.Info("heard", "speaker", speakerName, "text", text)

	if !b.listener.Observe(ambient.Line{Speaker: speakerName, Text: text}) {
		return
	}
	b.respond(ctx, text, speakerName)
}

// noteSpeaker records a speaker in the shared profile cache, reporting
// whether this is the first time the process has heard them.
func (b *ambientBot) noteSpeaker(name string) bool {
	if name == "" || b.profiles == nil || b.profiles.Known(name) {
		return false
	}
	b.profiles.Put(name)
	return true
}

// respond runs one generation and plays its sentences, half-duplex: the mic
// is muted while the bot speaks so it does not transcribe itself.
func (b *ambientBot) respond(ctx context.Context, text, speakerName string) {
	gen := convo.NewGeneration(ctx, text)
	defer gen.Release()

	out := make(chan convo.Output, 16)
	b.orch.Start(gen, b.orch.BuildMessages(b.memory.Window(), text, speakerName), out)

	turn, release := b.queue.Enqueue()
	defer release()

	b.mic.pause()
	defer b.mic.resume()

	var full string
	failed := false
	for res := range out {
		if res.Done {
			full = res.FullText
			if res.Err != nil {
				b.logger.Error("ambient turn failed", "error", res.Err)
				failed = true
			}
			continue
		}
		if res.Sentence == nil || len(res.Sentence.Audio) == 0 {
			continue
		}
		select {
		case <-turn:
		case <-ctx.Done():
			return
		}
		b.player.play(res.Sentence.Audio)
	}

	if failed || full == "" {
		return
	}
	b.memory.Append(convo.Exchange{Input: text, Output: full, Speaker: speakerName})
	b.logger.Info("replied", "text", full)
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
