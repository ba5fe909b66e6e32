package voice

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockProvider simulates STT and TTS without any external dependency. It is
// the default backend when no API key is configured, and the workhorse of
// the orchestrator tests: transcripts are scripted, synthesis returns the
// input text base64-encoded so assertions can read back what was spoken.
type MockProvider struct {
	mu          sync.Mutex
	transcripts []string
	next        int
}

func NewMockProvider(transcripts ...string) *MockProvider {
	return &MockProvider{transcripts: transcripts}
}

func (p *MockProvider) nextTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transcripts) == 0 {
		return "merhaba size nasıl yardımcı olabilirim diye sormak istiyorum"
	}
	t := p.transcripts[p.next%len(p.transcripts)]
	p.next++
	return t
}

func (p *MockProvider) StartSession(_ context.Context, _, _ string) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	s := &mockSTTSession{provider: p, events: events}
	return s, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ TTSSettings) (TTSStream, error) {
	events := make(chan TTSEvent, 128)
	return &mockTTSStream{events: events}, nil
}

type mockSTTSession struct {
	provider *MockProvider

	mu      sync.Mutex
	events  chan STTEvent
	pending string
	closed  bool
}

func (s *mockSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, _ int, commit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if strings.TrimSpace(audioBase64) != "" {
		if s.pending == "" {
			s.pending = s.provider.nextTranscript()
		}
		words := strings.Fields(s.pending)
		half := strings.Join(words[:(len(words)+1)/2], " ")
		s.emit(STTEvent{Type: STTEventPartial, Text: half, Confidence: 0.5, Timestamp: time.Now().UnixMilli()})
	}
	if commit && s.pending != "" {
		text := s.pending
		s.pending = ""
		s.emit(STTEvent{
			Type:       STTEventCommitted,
			Text:       text,
			Confidence: 0.9,
			Source:     "mock_commit",
			Timestamp:  time.Now().UnixMilli(),
		})
	}
	return nil
}

func (s *mockSTTSession) emit(evt STTEvent) {
	select {
	case s.events <- evt:
	default:
	}
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || strings.TrimSpace(text) == "" {
		return nil
	}
	s.emitLocked(TTSEvent{
		Type:        TTSEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString([]byte(text)),
		Format:      "mock_text_bytes",
	})
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.emitLocked(TTSEvent{Type: TTSEventFinal})
	return nil
}

// emitLocked drops when the buffer is full; a consumer that went away must
// not wedge the producer. Caller holds s.mu.
func (s *mockTTSStream) emitLocked(evt TTSEvent) {
	select {
	case s.events <- evt:
	default:
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockGenerator streams a deterministic grounded reply. Respond overrides
// the default behavior; DeltaDelay paces the stream so tests can interrupt
// mid-generation.
type MockGenerator struct {
	Respond    func(req GenerationRequest) (string, []ToolCall, error)
	DeltaDelay time.Duration
}

func (g *MockGenerator) StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error) {
	text, calls, err := g.reply(req)
	if err != nil {
		return GenerationResult{Provider: "mock"}, err
	}

	var sent strings.Builder
	for _, word := range strings.Fields(text) {
		if g.DeltaDelay > 0 {
			select {
			case <-ctx.Done():
				return GenerationResult{Provider: "mock"}, ctx.Err()
			case <-time.After(g.DeltaDelay):
			}
		} else if ctx.Err() != nil {
			return GenerationResult{Provider: "mock"}, ctx.Err()
		}
		delta := word + " "
		sent.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return GenerationResult{Provider: "mock"}, err
			}
		}
	}

	final := strings.TrimSpace(sent.String())
	return GenerationResult{
		Text:      final,
		ToolCalls: calls,
		Usage:     TokenUsage{Completion: estimateTokenCount(final), Total: estimateTokenCount(req.UserText) + estimateTokenCount(final)},
		Provider:  "mock",
	}, nil
}

func (g *MockGenerator) reply(req GenerationRequest) (string, []ToolCall, error) {
	if g.Respond != nil {
		return g.Respond(req)
	}
	if len(req.Contexts) > 0 {
		if req.Language == "en" {
			return fmt.Sprintf("According to our records: %s", req.Contexts[0]), nil, nil
		}
		return fmt.Sprintf("Kayıtlarımıza göre: %s", req.Contexts[0]), nil, nil
	}
	if req.Language == "en" {
		return "I understand. Could you give me a bit more detail so I can help?", nil, nil
	}
	return "Anladım. Size daha iyi yardımcı olabilmem için biraz detay verir misiniz?", nil, nil
}
