// Package voice hosts the per-call orchestrator and the speech/generation
// provider seams it drives. Providers are swappable: openai-backed
// implementations for production, scripted mocks for development and tests,
// failover composites that pair the two.
package voice

import (
	"context"
	"encoding/json"

	"github.com/santralab/santral/internal/session"
)

type STTEventType string

const (
	STTEventPartial   STTEventType = "partial"
	STTEventCommitted STTEventType = "committed"
	STTEventError     STTEventType = "error"
)

type STTEvent struct {
	Type       STTEventType
	Text       string
	Confidence float64
	Source     string
	Code       string
	Detail     string
	Retryable  bool
	Timestamp  int64
}

// STTSession ingests one call's audio. An empty chunk with commit=true forces
// the current utterance to finalize.
type STTSession interface {
	SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error
	Close() error
}

type STTProvider interface {
	// StartSession opens a transcription session. language is a BCP-47-ish
	// hint ("tr", "en"); providers may ignore it.
	StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	Language     string
	SpeakingRate float64
	Format       string
}

// TTSStream accepts text segments and emits audio chunks asynchronously on
// Events. CloseInput signals no more text; the stream emits TTSEventFinal
// once all queued segments have been synthesized.
type TTSStream interface {
	SendText(ctx context.Context, text string, flush bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voice string, settings TTSSettings) (TTSStream, error)
}

// ToolSchema describes one function the model may call during generation.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ToolCall is a function invocation parsed out of the generation stream.
// Arguments is the raw JSON object the model produced.
type ToolCall struct {
	Name      string
	Arguments string
}

type TokenUsage struct {
	Prompt     int
	Completion int
	Total      int
}

type GenerationRequest struct {
	TenantID  string
	SessionID string
	TurnID    string

	SystemPrompt string
	History      []session.Exchange
	UserText     string
	Contexts     []string
	Language     string
	Tools        []ToolSchema

	// Degraded requests the provider's cheaper model tier. Set when the
	// tenant has passed the budget degrade threshold.
	Degraded  bool
	MaxTokens int
}

type GenerationResult struct {
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
	// Provider tags which backend actually produced the result, so callers
	// can attribute latency and cost after failover.
	Provider string
}

type DeltaHandler func(delta string) error

// GenerationProvider streams a reply token-by-token through onDelta and
// returns the assembled result. Implementations must stop promptly on ctx
// cancellation; a barge-in cancels the turn context.
type GenerationProvider interface {
	StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error)
}
