package app

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/santralab/santral/internal/config"
	"github.com/santralab/santral/internal/reliability"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/voice"
)

// ProviderInfo is the startup log's view of the resolved backends.
type ProviderInfo struct {
	Mode   string
	Detail string
}

type providerSet struct {
	stt       voice.STTProvider
	tts       voice.TTSProvider
	generator voice.GenerationProvider
	embedder  retrieval.Embedder
	info      ProviderInfo
	health    func() []voice.ProviderHealth
}

// resolveProviders picks the STT/TTS/generation backends for the configured
// mode. Every mode goes through the failover wrappers, so breaker state and
// provider health are reported uniformly even when there is no fallback
// tier.
func resolveProviders(cfg config.Config, breakers *reliability.Registry, log zerolog.Logger) (providerSet, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.ProviderMode))
	if mode == "" || mode == "auto" {
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			mode = "openai"
		} else {
			mode = "mock"
		}
	}

	switch mode {
	case "mock":
		return mockProviders(breakers, log), nil
	case "openai":
		return openAIProviders(cfg, breakers, log)
	default:
		return providerSet{}, fmt.Errorf("unsupported provider mode %q", cfg.ProviderMode)
	}
}

func mockProviders(breakers *reliability.Registry, log zerolog.Logger) providerSet {
	p := voice.NewMockProvider()
	sttPair := voice.NewTranscriptionFailover("mock", p, "", nil, breakers, log)
	genPair := voice.NewGenerationFailover("mock", &voice.MockGenerator{}, "", nil, breakers, log)
	ttsPair := voice.NewSynthesisFailover("mock", p, "", nil, breakers, log)

	return providerSet{
		stt:       sttPair,
		tts:       ttsPair,
		generator: genPair,
		embedder:  retrieval.HashEmbedder{Dims: 16},
		info:      ProviderInfo{Mode: "mock", Detail: "scripted mock providers"},
		health:    healthFunc(sttPair, genPair, ttsPair),
	}
}

func openAIProviders(cfg config.Config, breakers *reliability.Registry, log zerolog.Logger) (providerSet, error) {
	key := strings.TrimSpace(cfg.OpenAIAPIKey)
	if key == "" {
		return providerSet{}, fmt.Errorf("PROVIDER_MODE=openai requires OPENAI_API_KEY")
	}

	clientCfg := openai.DefaultConfig(key)
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	client := openai.NewClientWithConfig(clientCfg)

	stt := voice.NewOpenAISTT(client, cfg.OpenAISTTModel, log)
	generator := voice.NewOpenAIGenerator(client, cfg.OpenAIChatModel, cfg.OpenAIDegradedModel, log)
	tts := voice.NewOpenAITTS(client, cfg.OpenAITTSModel, log)

	detail := "openai"
	var fallbackSTT voice.STTProvider
	var fallbackTTS voice.TTSProvider
	fallbackName := ""
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		eleven := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:         cfg.ElevenLabsAPIKey,
			WSBaseURL:      cfg.ElevenLabsWSBaseURL,
			STTModelID:     cfg.ElevenLabsSTTModel,
			TTSModelID:     cfg.ElevenLabsTTSModel,
			DefaultVoiceID: cfg.ElevenLabsVoiceID,
			OutputFormat:   cfg.ElevenLabsOutputFormat,
		})
		fallbackSTT = eleven
		fallbackTTS = eleven
		fallbackName = "elevenlabs"
		detail = "openai with elevenlabs speech fallback"
	}

	sttPair := voice.NewTranscriptionFailover("openai", stt, fallbackName, fallbackSTT, breakers, log)
	// Generation has no second vendor; the openai generator degrades to its
	// cheaper model on its own when the budget governor asks for it.
	genPair := voice.NewGenerationFailover("openai", generator, "", nil, breakers, log)
	ttsPair := voice.NewSynthesisFailover("openai", tts, fallbackName, fallbackTTS, breakers, log)

	return providerSet{
		stt:       sttPair,
		tts:       ttsPair,
		generator: genPair,
		embedder:  retrieval.NewOpenAIEmbedder(client, cfg.OpenAIEmbedModel),
		info:      ProviderInfo{Mode: "openai", Detail: detail},
		health:    healthFunc(sttPair, genPair, ttsPair),
	}, nil
}

func healthFunc(stt *voice.TranscriptionFailover, gen *voice.GenerationFailover, tts *voice.SynthesisFailover) func() []voice.ProviderHealth {
	return func() []voice.ProviderHealth {
		var out []voice.ProviderHealth
		out = append(out, stt.Health()...)
		out = append(out, gen.Health()...)
		out = append(out, tts.Health()...)
		return out
	}
}
