package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice gateway process.
// Optional integrations stay empty when unset; Build picks the in-process
// implementation for each absent capability.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	SessionSweepInterval     time.Duration
	SessionRetention         time.Duration
	FirstAudioSLO            time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogPretty                bool

	AllowAnyOrigin bool

	// ProfileDir holds the tenant YAML files.
	ProfileDir string

	// ProviderMode selects the STT/TTS/generation backends: auto picks
	// openai when a key is present and mock otherwise.
	ProviderMode string

	OpenAIAPIKey        string
	OpenAIBaseURL       string
	OpenAIChatModel     string
	OpenAIDegradedModel string
	OpenAIEmbedModel    string
	OpenAISTTModel      string
	OpenAITTSModel      string

	ElevenLabsAPIKey       string
	ElevenLabsWSBaseURL    string
	ElevenLabsSTTModel     string
	ElevenLabsTTSModel     string
	ElevenLabsVoiceID      string
	ElevenLabsOutputFormat string

	// RedisURL enables the shared budget ledger. Empty keeps counters in
	// process memory.
	RedisURL string
	// DatabaseURL enables the durable metering store.
	DatabaseURL string
	// QdrantURL enables vector-backed tenant knowledge; profile-inline
	// documents are used otherwise.
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string

	// ToolWebhookURL is the default automation webhook; tenant profiles
	// may override it per tenant.
	ToolWebhookURL     string
	ToolWebhookTimeout time.Duration

	ResponseCacheTTL  time.Duration
	ResponseCacheSize int

	// AdmissionPerMinute is the default per-tenant session admission rate
	// for profiles that do not set their own.
	AdmissionPerMinute float64
	AdmissionBurst     int

	WorkerID       string
	WorkerCapacity int
}

// Load reads environment variables, applies defaults, and validates.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "santral"),
		LogLevel:               envOrDefault("APP_LOG_LEVEL", "info"),
		ProfileDir:             envOrDefault("TENANT_PROFILE_DIR", "profiles"),
		ProviderMode:           envOrDefault("PROVIDER_MODE", "auto"),
		OpenAIAPIKey:           trimmedEnv("OPENAI_API_KEY"),
		OpenAIBaseURL:          trimmedEnv("OPENAI_BASE_URL"),
		OpenAIChatModel:        trimmedEnv("OPENAI_CHAT_MODEL"),
		OpenAIDegradedModel:    trimmedEnv("OPENAI_DEGRADED_MODEL"),
		OpenAIEmbedModel:       trimmedEnv("OPENAI_EMBED_MODEL"),
		OpenAISTTModel:         trimmedEnv("OPENAI_STT_MODEL"),
		OpenAITTSModel:         trimmedEnv("OPENAI_TTS_MODEL"),
		ElevenLabsAPIKey:       trimmedEnv("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:    envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsSTTModel:     envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsTTSModel:     envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_multilingual_v2"),
		ElevenLabsVoiceID:      trimmedEnv("ELEVENLABS_TTS_VOICE_ID"),
		ElevenLabsOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "mp3_44100_128"),
		RedisURL:               trimmedEnv("REDIS_URL"),
		DatabaseURL:            trimmedEnv("DATABASE_URL"),
		QdrantURL:              trimmedEnv("QDRANT_URL"),
		QdrantAPIKey:           trimmedEnv("QDRANT_API_KEY"),
		QdrantCollection:       envOrDefault("QDRANT_COLLECTION", "tenant_docs"),
		ToolWebhookURL:         trimmedEnv("TOOL_WEBHOOK_URL"),
		WorkerID:               envOrDefault("WORKER_ID", "worker-1"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		SessionSweepInterval:     30 * time.Second,
		SessionRetention:         time.Hour,
		FirstAudioSLO:            700 * time.Millisecond,
		ToolWebhookTimeout:       10 * time.Second,
		ResponseCacheTTL:         10 * time.Minute,
		ResponseCacheSize:        512,
		AdmissionPerMinute:       60,
		AdmissionBurst:           10,
		WorkerCapacity:           64,
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionRetention, err = durationFromEnv("APP_SESSION_RETENTION", cfg.SessionRetention); err != nil {
		return Config{}, err
	}
	if cfg.SessionSweepInterval, err = durationFromEnv("APP_SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.FirstAudioSLO, err = durationFromEnv("APP_FIRST_AUDIO_SLO", cfg.FirstAudioSLO); err != nil {
		return Config{}, err
	}
	if cfg.ToolWebhookTimeout, err = durationFromEnv("TOOL_WEBHOOK_TIMEOUT", cfg.ToolWebhookTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ResponseCacheTTL, err = durationFromEnv("RESPONSE_CACHE_TTL", cfg.ResponseCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.ResponseCacheSize, err = intFromEnv("RESPONSE_CACHE_SIZE", cfg.ResponseCacheSize); err != nil {
		return Config{}, err
	}
	if cfg.AdmissionPerMinute, err = floatFromEnv("ADMISSION_SESSIONS_PER_MINUTE", cfg.AdmissionPerMinute); err != nil {
		return Config{}, err
	}
	if cfg.AdmissionBurst, err = intFromEnv("ADMISSION_BURST", cfg.AdmissionBurst); err != nil {
		return Config{}, err
	}
	if cfg.WorkerCapacity, err = intFromEnv("WORKER_CAPACITY", cfg.WorkerCapacity); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = boolFromEnv("APP_LOG_PRETTY", cfg.LogPretty); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.ProviderMode)) {
	case "auto", "openai", "mock":
	default:
		return fmt.Errorf("PROVIDER_MODE must be auto, openai or mock, got %q", c.ProviderMode)
	}
	if strings.TrimSpace(c.ProfileDir) == "" {
		return fmt.Errorf("TENANT_PROFILE_DIR is required")
	}
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.SessionSweepInterval <= 0 {
		return fmt.Errorf("APP_SESSION_SWEEP_INTERVAL must be positive")
	}
	if c.SessionRetention <= 0 {
		return fmt.Errorf("APP_SESSION_RETENTION must be positive")
	}
	if c.ResponseCacheSize <= 0 {
		return fmt.Errorf("RESPONSE_CACHE_SIZE must be positive")
	}
	if c.AdmissionPerMinute <= 0 {
		return fmt.Errorf("ADMISSION_SESSIONS_PER_MINUTE must be positive")
	}
	if c.AdmissionBurst <= 0 {
		return fmt.Errorf("ADMISSION_BURST must be positive")
	}
	if c.WorkerCapacity <= 0 {
		return fmt.Errorf("WORKER_CAPACITY must be positive")
	}
	if c.QdrantURL != "" && strings.TrimSpace(c.QdrantCollection) == "" {
		return fmt.Errorf("QDRANT_COLLECTION is required when QDRANT_URL is set")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
