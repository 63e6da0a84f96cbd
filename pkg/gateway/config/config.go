package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreDriver string

const (
	StoreDriverMemory StoreDriver = "memory"
	StoreDriverRedis  StoreDriver = "redis"
)

type Config struct {
	Addr string

	// AuthToken is the shared secret every live connection must present.
	AuthToken string

	// Model backend.
	OllamaHost       string
	OllamaModel      string
	OllamaTemp       float64
	OllamaNumPredict int
	SystemPrompt     string

	// Speech services.
	WhisperBaseURL  string
	WhisperLanguage string
	SpeakerBaseURL  string // empty => speaker identification disabled

	// Synthesis engines, tried in order; engines without a key are skipped.
	CartesiaAPIKey    string
	CartesiaBaseURL   string
	CartesiaVoice     string
	ElevenLabsAPIKey  string
	ElevenLabsBaseURL string
	ElevenLabsVoice   string
	SynthTimeout      time.Duration
	TTSSampleRate     int
	TTSSpeed          float64

	TurnTimeout time.Duration

	// Live WebSocket limits.
	LiveMaxMessageBytes   int64
	LiveMaxAudioBytes     int
	LiveHandshakeTimeout  time.Duration
	LiveReadTimeout       time.Duration
	LiveWriteTimeout      time.Duration
	LivePingInterval      time.Duration
	LiveOutboundQueueSize int

	// Session state retention.
	SessionIdleTTL time.Duration

	// Snapshot store.
	StoreDriver   StoreDriver
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                  envOr("VOICEPIPE_ADDR", ":8080"),
		AuthToken:             strings.TrimSpace(os.Getenv("VOICEPIPE_AUTH_TOKEN")),
		OllamaHost:            envOr("VOICEPIPE_OLLAMA_HOST", "http://127.0.0.1:11434"),
		OllamaModel:           envOr("VOICEPIPE_OLLAMA_MODEL", "llama3.1"),
		OllamaTemp:            envFloat64Or("VOICEPIPE_OLLAMA_TEMPERATURE", 0.7),
		OllamaNumPredict:      envIntOr("VOICEPIPE_OLLAMA_NUM_PREDICT", 512),
		SystemPrompt:          os.Getenv("VOICEPIPE_SYSTEM_PROMPT"),
		WhisperBaseURL:        envOr("VOICEPIPE_WHISPER_BASE_URL", "http://127.0.0.1:8178"),
		WhisperLanguage:       strings.TrimSpace(os.Getenv("VOICEPIPE_WHISPER_LANGUAGE")),
		SpeakerBaseURL:        strings.TrimSpace(os.Getenv("VOICEPIPE_SPEAKER_BASE_URL")),
		CartesiaAPIKey:        strings.TrimSpace(os.Getenv("CARTESIA_API_KEY")),
		CartesiaBaseURL:       envOr("VOICEPIPE_CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaVoice:         strings.TrimSpace(os.Getenv("VOICEPIPE_CARTESIA_VOICE")),
		ElevenLabsAPIKey:      strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		ElevenLabsBaseURL:     envOr("VOICEPIPE_ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ElevenLabsVoice:       strings.TrimSpace(os.Getenv("VOICEPIPE_ELEVENLABS_VOICE")),
		SynthTimeout:          envDurationOr("VOICEPIPE_SYNTH_TIMEOUT", 8*time.Second),
		TTSSampleRate:         envIntOr("VOICEPIPE_TTS_SAMPLE_RATE", 24000),
		TTSSpeed:              envFloat64Or("VOICEPIPE_TTS_SPEED", 1.0),
		TurnTimeout:           envDurationOr("VOICEPIPE_TURN_TIMEOUT", 45*time.Second),
		LiveMaxMessageBytes:   envInt64Or("VOICEPIPE_LIVE_MAX_MESSAGE_BYTES", 12<<20),
		LiveMaxAudioBytes:     envIntOr("VOICEPIPE_LIVE_MAX_AUDIO_BYTES", 8<<20),
		LiveHandshakeTimeout:  envDurationOr("VOICEPIPE_LIVE_HANDSHAKE_TIMEOUT", 10*time.Second),
		LiveReadTimeout:       envDurationOr("VOICEPIPE_LIVE_READ_TIMEOUT", 2*time.Minute),
		LiveWriteTimeout:      envDurationOr("VOICEPIPE_LIVE_WRITE_TIMEOUT", 5*time.Second),
		LivePingInterval:      envDurationOr("VOICEPIPE_LIVE_PING_INTERVAL", 20*time.Second),
		LiveOutboundQueueSize: envIntOr("VOICEPIPE_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		SessionIdleTTL:        envDurationOr("VOICEPIPE_SESSION_IDLE_TTL", 30*time.Minute),
		StoreDriver:           StoreDriver(envOr("VOICEPIPE_STORE_DRIVER", string(StoreDriverMemory))),
		RedisAddr:             strings.TrimSpace(os.Getenv("VOICEPIPE_REDIS_ADDR")),
		RedisPassword:         os.Getenv("VOICEPIPE_REDIS_PASSWORD"),
		RedisDB:               envIntOr("VOICEPIPE_REDIS_DB", 0),
		RedisTTL:              envDurationOr("VOICEPIPE_REDIS_TTL", 24*time.Hour),
		ReadHeaderTimeout:     envDurationOr("VOICEPIPE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:   envDurationOr("VOICEPIPE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if cfg.AuthToken == "" {
		return Config{}, fmt.Errorf("VOICEPIPE_AUTH_TOKEN must be set")
	}
	if strings.TrimSpace(cfg.OllamaModel) == "" {
		return Config{}, fmt.Errorf("VOICEPIPE_OLLAMA_MODEL must not be empty")
	}
	if cfg.SynthTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_SYNTH_TIMEOUT must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_TURN_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_MAX_AUDIO_BYTES must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveReadTimeout < 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LivePingInterval <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_PING_INTERVAL must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.SessionIdleTTL <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_SESSION_IDLE_TTL must be > 0")
	}
	switch cfg.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverRedis:
		if cfg.RedisAddr == "" {
			return Config{}, fmt.Errorf("VOICEPIPE_REDIS_ADDR must be set when VOICEPIPE_STORE_DRIVER=redis")
		}
	default:
		return Config{}, fmt.Errorf("VOICEPIPE_STORE_DRIVER must be one of memory|redis")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VOICEPIPE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
