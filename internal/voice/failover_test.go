package voice

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/reliability"
)

type genStep struct {
	emit string
	err  error
}

type scriptedGenerator struct {
	steps []genStep
	calls int
}

func (s *scriptedGenerator) StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error) {
	var step genStep
	if s.calls < len(s.steps) {
		step = s.steps[s.calls]
	}
	s.calls++
	if step.emit != "" && onDelta != nil {
		if err := onDelta(step.emit); err != nil {
			return GenerationResult{}, err
		}
	}
	if step.err != nil {
		return GenerationResult{}, step.err
	}
	return GenerationResult{Text: step.emit, Usage: TokenUsage{Total: 5}}, nil
}

func newTestBreakers() *reliability.Registry {
	return reliability.NewRegistry(reliability.Settings{})
}

func healthByTier(t *testing.T, list []ProviderHealth, tier string) ProviderHealth {
	t.Helper()
	for _, h := range list {
		if h.Tier == tier {
			return h
		}
	}
	t.Fatalf("no %s tier in %+v", tier, list)
	return ProviderHealth{}
}

func TestGenerationFailoverPrimarySuccess(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{emit: "Tabii, hemen bakıyorum."}}}
	fallback := &scriptedGenerator{}
	f := NewGenerationFailover("openai", primary, "backup", fallback, newTestBreakers(), zerolog.Nop())

	var got strings.Builder
	res, err := f.StreamGenerate(context.Background(), GenerationRequest{}, func(d string) error {
		got.WriteString(d)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	if res.Provider != "openai" {
		t.Fatalf("Provider = %q, want openai", res.Provider)
	}
	if got.String() != "Tabii, hemen bakıyorum." {
		t.Fatalf("deltas = %q", got.String())
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times", fallback.calls)
	}
	if h := healthByTier(t, f.Health(), "primary"); !h.Active {
		t.Fatal("primary not active after success")
	}
}

func TestGenerationFailoverSwitchesBeforeDelivery(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{err: errors.New("connection refused")}}}
	fallback := &scriptedGenerator{steps: []genStep{{emit: "Yedekten yanıt."}}}
	breakers := newTestBreakers()
	f := NewGenerationFailover("openai", primary, "backup", fallback, breakers, zerolog.Nop())

	res, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil)
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	if res.Provider != "backup" {
		t.Fatalf("Provider = %q, want backup", res.Provider)
	}
	if h := healthByTier(t, f.Health(), "fallback"); !h.Active {
		t.Fatal("fallback not active after taking over")
	}
	if n := breakers.Get("generation:openai").Stats().FailureCount; n != 1 {
		t.Fatalf("primary failure count = %d, want 1", n)
	}
}

func TestGenerationFailoverHotFallbackRetriesPrimary(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{
		{err: errors.New("connection refused")},
		{emit: "Asıl sağlayıcı döndü."},
	}}
	fallback := &scriptedGenerator{steps: []genStep{
		{emit: "Yedekten yanıt."},
		{err: errors.New("backup down too")},
	}}
	f := NewGenerationFailover("openai", primary, "backup", fallback, newTestBreakers(), zerolog.Nop())

	if _, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}

	// Fallback is hot now, so it goes first; when it fails the primary is
	// retried in the same call and recovery flips the pair back.
	res, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Provider != "openai" {
		t.Fatalf("Provider = %q, want openai after recovery", res.Provider)
	}
	if fallback.calls != 2 || primary.calls != 2 {
		t.Fatalf("calls primary=%d fallback=%d, want 2/2", primary.calls, fallback.calls)
	}
	if h := healthByTier(t, f.Health(), "primary"); !h.Active {
		t.Fatal("primary not active after recovery")
	}
}

func TestGenerationFailoverNoSwitchAfterDelivery(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{emit: "Merhaba, ben", err: errors.New("stream torn")}}}
	fallback := &scriptedGenerator{steps: []genStep{{emit: "should never play"}}}
	f := NewGenerationFailover("openai", primary, "backup", fallback, newTestBreakers(), zerolog.Nop())

	_, err := f.StreamGenerate(context.Background(), GenerationRequest{}, func(string) error { return nil })
	if err == nil {
		t.Fatal("want error after mid-stream failure")
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times after text was delivered", fallback.calls)
	}
}

func TestGenerationFailoverRetriesTransientError(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{
		{err: context.DeadlineExceeded},
		{emit: "Tamam, not aldım."},
	}}
	fallback := &scriptedGenerator{}
	f := NewGenerationFailover("openai", primary, "backup", fallback, newTestBreakers(), zerolog.Nop())

	res, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil)
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	if primary.calls != 2 {
		t.Fatalf("primary calls = %d, want 2 (one retry)", primary.calls)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback called %d times for a transient primary error", fallback.calls)
	}
	if res.Provider != "openai" {
		t.Fatalf("Provider = %q", res.Provider)
	}
}

func TestGenerationFailoverSkipsOpenBreaker(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{emit: "unreachable"}}}
	fallback := &scriptedGenerator{steps: []genStep{{emit: "Yedekten yanıt."}}}
	breakers := newTestBreakers()
	brk := breakers.Get("generation:openai")
	for i := 0; i < 3; i++ {
		brk.RecordFailure()
	}
	f := NewGenerationFailover("openai", primary, "backup", fallback, breakers, zerolog.Nop())

	res, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil)
	if err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	if primary.calls != 0 {
		t.Fatalf("primary called %d times behind an open breaker", primary.calls)
	}
	if res.Provider != "backup" {
		t.Fatalf("Provider = %q", res.Provider)
	}
}

func TestGenerationFailoverCancellationIsNotAFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &cancellingGenerator{cancel: cancel}
	breakers := newTestBreakers()
	f := NewGenerationFailover("openai", primary, "", nil, breakers, zerolog.Nop())

	_, err := f.StreamGenerate(ctx, GenerationRequest{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if n := breakers.Get("generation:openai").Stats().FailureCount; n != 0 {
		t.Fatalf("cancellation recorded as failure, count = %d", n)
	}
}

// cancellingGenerator simulates a barge-in landing mid-request.
type cancellingGenerator struct {
	cancel context.CancelFunc
}

func (g *cancellingGenerator) StreamGenerate(ctx context.Context, req GenerationRequest, onDelta DeltaHandler) (GenerationResult, error) {
	g.cancel()
	return GenerationResult{}, ctx.Err()
}

func TestGenerationFailoverAllTiersFail(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{err: errors.New("primary down")}}}
	fallback := &scriptedGenerator{steps: []genStep{{err: errors.New("backup down")}}}
	f := NewGenerationFailover("openai", primary, "backup", fallback, newTestBreakers(), zerolog.Nop())

	_, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil)
	if err == nil {
		t.Fatal("want error when both tiers fail")
	}
	for _, frag := range []string{"openai primary", "backup fallback"} {
		if !strings.Contains(err.Error(), frag) {
			t.Fatalf("error %q missing %q", err.Error(), frag)
		}
	}
}

func TestGenerationFailoverSingleTierHealth(t *testing.T) {
	primary := &scriptedGenerator{steps: []genStep{{emit: "tek sağlayıcı"}}}
	f := NewGenerationFailover("openai", primary, "", nil, newTestBreakers(), zerolog.Nop())
	if _, err := f.StreamGenerate(context.Background(), GenerationRequest{}, nil); err != nil {
		t.Fatalf("StreamGenerate: %v", err)
	}
	health := f.Health()
	if len(health) != 1 {
		t.Fatalf("health entries = %d, want 1", len(health))
	}
	if health[0].Tier != "primary" || !health[0].Active {
		t.Fatalf("health = %+v", health[0])
	}
}

type scriptedTTSProvider struct {
	err   error
	calls int
}

func (p *scriptedTTSProvider) StartStream(ctx context.Context, voice string, settings TTSSettings) (TTSStream, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &idleTTSStream{}, nil
}

type idleTTSStream struct{}

func (s *idleTTSStream) SendText(ctx context.Context, text string, flush bool) error { return nil }
func (s *idleTTSStream) CloseInput(ctx context.Context) error                       { return nil }
func (s *idleTTSStream) Events() <-chan TTSEvent                                    { return nil }
func (s *idleTTSStream) Close() error                                               { return nil }

func TestSynthesisFailoverSetup(t *testing.T) {
	primary := &scriptedTTSProvider{err: errors.New("ws dial failed")}
	fallback := &scriptedTTSProvider{}
	f := NewSynthesisFailover("elevenlabs", primary, "openai", fallback, newTestBreakers(), zerolog.Nop())

	stream, err := f.StartStream(context.Background(), "alloy", TTSSettings{})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if stream == nil {
		t.Fatal("nil stream")
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	if h := healthByTier(t, f.Health(), "fallback"); !h.Active {
		t.Fatal("fallback not active after setup failover")
	}
}

type scriptedSTTProvider struct {
	err   error
	calls int
}

func (p *scriptedSTTProvider) StartSession(ctx context.Context, sessionID, language string) (STTSession, <-chan STTEvent, error) {
	p.calls++
	if p.err != nil {
		return nil, nil, p.err
	}
	events := make(chan STTEvent)
	return &idleSTTSession{events: events}, events, nil
}

type idleSTTSession struct {
	events chan STTEvent
}

func (s *idleSTTSession) SendAudioChunk(ctx context.Context, audioBase64 string, sampleRate int, commit bool) error {
	return nil
}

func (s *idleSTTSession) Close() error {
	close(s.events)
	return nil
}

func TestTranscriptionFailoverSetup(t *testing.T) {
	primary := &scriptedSTTProvider{err: errors.New("quota exceeded")}
	fallback := &scriptedSTTProvider{}
	f := NewTranscriptionFailover("openai", primary, "elevenlabs", fallback, newTestBreakers(), zerolog.Nop())

	sess, events, err := f.StartSession(context.Background(), "sess-1", "tr")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess == nil || events == nil {
		t.Fatal("nil session or events")
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("calls primary=%d fallback=%d", primary.calls, fallback.calls)
	}
	_ = sess.Close()
}
