package config

import (
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_SESSION_SWEEP_INTERVAL",
		"APP_SESSION_RETENTION",
		"APP_FIRST_AUDIO_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_PRETTY",
		"APP_ALLOW_ANY_ORIGIN",
		"TENANT_PROFILE_DIR",
		"PROVIDER_MODE",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_CHAT_MODEL",
		"OPENAI_DEGRADED_MODEL",
		"OPENAI_EMBED_MODEL",
		"OPENAI_STT_MODEL",
		"OPENAI_TTS_MODEL",
		"ELEVENLABS_API_KEY",
		"ELEVENLABS_WS_BASE_URL",
		"ELEVENLABS_STT_MODEL_ID",
		"ELEVENLABS_TTS_MODEL_ID",
		"ELEVENLABS_TTS_VOICE_ID",
		"ELEVENLABS_TTS_OUTPUT_FORMAT",
		"REDIS_URL",
		"DATABASE_URL",
		"QDRANT_URL",
		"QDRANT_API_KEY",
		"QDRANT_COLLECTION",
		"TOOL_WEBHOOK_URL",
		"TOOL_WEBHOOK_TIMEOUT",
		"RESPONSE_CACHE_TTL",
		"RESPONSE_CACHE_SIZE",
		"ADMISSION_SESSIONS_PER_MINUTE",
		"ADMISSION_BURST",
		"WORKER_ID",
		"WORKER_CAPACITY",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "santral" {
		t.Errorf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.ProviderMode != "auto" {
		t.Errorf("ProviderMode = %q", cfg.ProviderMode)
	}
	if cfg.SessionInactivityTimeout != 5*time.Minute {
		t.Errorf("SessionInactivityTimeout = %v", cfg.SessionInactivityTimeout)
	}
	if cfg.SessionRetention != time.Hour {
		t.Errorf("SessionRetention = %v", cfg.SessionRetention)
	}
	if cfg.RedisURL != "" || cfg.DatabaseURL != "" || cfg.QdrantURL != "" {
		t.Error("optional integrations should default to unset")
	}
	if cfg.ResponseCacheSize != 512 {
		t.Errorf("ResponseCacheSize = %d", cfg.ResponseCacheSize)
	}
	if cfg.AdmissionPerMinute != 60 || cfg.AdmissionBurst != 10 {
		t.Errorf("admission defaults = %v/%d", cfg.AdmissionPerMinute, cfg.AdmissionBurst)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("APP_SESSION_INACTIVITY_TIMEOUT", "90s")
	t.Setenv("PROVIDER_MODE", "mock")
	t.Setenv("TENANT_PROFILE_DIR", "/etc/santral/tenants")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ADMISSION_SESSIONS_PER_MINUTE", "12.5")
	t.Setenv("APP_LOG_PRETTY", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Errorf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.SessionInactivityTimeout != 90*time.Second {
		t.Errorf("SessionInactivityTimeout = %v", cfg.SessionInactivityTimeout)
	}
	if cfg.ProviderMode != "mock" {
		t.Errorf("ProviderMode = %q", cfg.ProviderMode)
	}
	if cfg.ProfileDir != "/etc/santral/tenants" {
		t.Errorf("ProfileDir = %q", cfg.ProfileDir)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.AdmissionPerMinute != 12.5 {
		t.Errorf("AdmissionPerMinute = %v", cfg.AdmissionPerMinute)
	}
	if !cfg.LogPretty {
		t.Error("LogPretty should be true")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad provider mode", key: "PROVIDER_MODE", value: "dialup"},
		{name: "bad duration", key: "APP_SHUTDOWN_TIMEOUT", value: "soon"},
		{name: "bad bool", key: "APP_ALLOW_ANY_ORIGIN", value: "maybe"},
		{name: "too short inactivity", key: "APP_SESSION_INACTIVITY_TIMEOUT", value: "1s"},
		{name: "zero cache", key: "RESPONSE_CACHE_SIZE", value: "0"},
		{name: "bad admission rate", key: "ADMISSION_SESSIONS_PER_MINUTE", value: "-3"},
		{name: "zero capacity", key: "WORKER_CAPACITY", value: "0"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() accepted %s=%q", tc.key, tc.value)
			}
		})
	}
}

func TestValidateRequiresQdrantCollection(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("QDRANT_URL", "localhost:6334")
	t.Setenv("QDRANT_COLLECTION", " ")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should reject qdrant url without collection")
	}
}
