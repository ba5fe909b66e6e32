package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
	"github.com/santralab/santral/internal/cache"
	"github.com/santralab/santral/internal/dispatch"
	"github.com/santralab/santral/internal/intent"
	"github.com/santralab/santral/internal/metering"
	"github.com/santralab/santral/internal/observability"
	"github.com/santralab/santral/internal/protocol"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/session"
	"github.com/santralab/santral/internal/tenant"
)

type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) { return e.vec, nil }

type fixtureOptions struct {
	transcripts   []string
	generator     GenerationProvider
	monthlyTokens float64
	usedTokens    float64
	forbidden     []string
	lowGrounding  bool
	webhookURL    string
}

type orchFixture struct {
	t        *testing.T
	inbound  chan any
	outbound chan any
	runErr   chan error
	sessions *session.Manager
	sess     *session.Session
	ledger   *budget.MemoryLedger
	audit    *metering.InMemoryStore
	recorder *metering.Recorder
}

func newOrchFixture(t *testing.T, opts fixtureOptions) *orchFixture {
	t.Helper()

	dir := t.TempDir()
	quoted := make([]string, 0, len(opts.forbidden))
	for _, topic := range opts.forbidden {
		quoted = append(quoted, fmt.Sprintf("%q", topic))
	}
	profile := fmt.Sprintf(`id: demo
name: Demo Klinik
language: tr
persona:
  name: Elif
  greeting: "Demo Klinik'e hoş geldiniz."
guardrails:
  forbidden_topics: [%s]
  allow_price_quotes: true
quotas:
  monthly_tokens: %v
voice:
  tts_voice: alloy
  speaking_rate: 1.0
`, strings.Join(quoted, ", "), opts.monthlyTokens)
	if err := os.WriteFile(filepath.Join(dir, "demo.yaml"), []byte(profile), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	tenants, err := tenant.NewRegistry(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("tenant registry: %v", err)
	}

	queryVec := []float32{1, 0, 0, 0}
	if opts.lowGrounding {
		queryVec = []float32{0, 1, 0, 0}
	}
	docs := retrieval.NewStaticStore()
	docs.SetDocuments("demo", []retrieval.Document{{
		ID:        "doc-1",
		Text:      "Kliniğimiz hafta içi dokuz ile on sekiz arasında hizmet vermektedir.",
		Embedding: []float32{1, 0, 0, 0},
	}})

	ledger := budget.NewMemoryLedger()
	if opts.usedTokens > 0 {
		_ = ledger.Add(context.Background(), "demo", budget.ResourceTokens, opts.usedTokens)
	}
	audit := metering.NewInMemoryStore()
	recorder := metering.NewRecorder(audit, ledger, zerolog.Nop())

	gen := opts.generator
	if gen == nil {
		gen = &MockGenerator{}
	}

	sessions := session.NewManager(time.Minute)
	mock := NewMockProvider(opts.transcripts...)
	orch := NewOrchestrator(Config{
		Sessions:   sessions,
		Tenants:    tenants,
		STT:        mock,
		TTS:        mock,
		Generator:  gen,
		Retriever:  retrieval.New(docs, fixedEmbedder{vec: queryVec}, zerolog.Nop()),
		Cache:      cache.New(time.Minute, 64),
		Governor:   budget.NewGovernor(ledger),
		Recorder:   recorder,
		Dispatcher: dispatch.New(dispatch.Config{WebhookURL: opts.webhookURL}, zerolog.Nop()),
		Metrics:    observability.NewMetricsWith(prometheus.NewRegistry(), "santral"),
		Log:        zerolog.Nop(),
	})

	sess := sessions.Create("demo", "call-1", "+905551110000", "")
	ctx, cancel := context.WithCancel(context.Background())
	f := &orchFixture{
		t:        t,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 256),
		runErr:   make(chan error, 1),
		sessions: sessions,
		sess:     sess,
		ledger:   ledger,
		audit:    audit,
		recorder: recorder,
	}
	go func() { f.runErr <- orch.RunConnection(ctx, sess, f.inbound, f.outbound) }()
	t.Cleanup(cancel)
	return f
}

// speak pushes one audio chunk and a stop control, which the mock STT turns
// into a partial followed by a committed transcript.
func (f *orchFixture) speak() {
	f.inbound <- protocol.ClientAudioChunk{
		Type: protocol.TypeClientAudioChunk, SessionID: f.sess.ID,
		PCM16Base64: base64.StdEncoding.EncodeToString([]byte("pcm")),
		SampleRate:  16000,
	}
	f.inbound <- protocol.ClientControl{
		Type: protocol.TypeClientControl, SessionID: f.sess.ID,
		Action: protocol.ActionStop,
	}
}

func (f *orchFixture) sendAudio() {
	f.inbound <- protocol.ClientAudioChunk{
		Type: protocol.TypeClientAudioChunk, SessionID: f.sess.ID,
		PCM16Base64: base64.StdEncoding.EncodeToString([]byte("pcm")),
		SampleRate:  16000,
	}
}

// awaitMessage reads outbound until match is satisfied, skipping everything
// else the call produced along the way.
func (f *orchFixture) awaitMessage(what string, match func(any) bool) any {
	f.t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-f.outbound:
			if match(msg) {
				return msg
			}
		case <-timeout:
			f.t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func (f *orchFixture) awaitTurnEnd(what string, match func(protocol.AssistantTurnEnd) bool) protocol.AssistantTurnEnd {
	f.t.Helper()
	msg := f.awaitMessage(what, func(m any) bool {
		end, ok := m.(protocol.AssistantTurnEnd)
		return ok && match(end)
	})
	return msg.(protocol.AssistantTurnEnd)
}

func (f *orchFixture) awaitGreeting() {
	f.t.Helper()
	f.awaitTurnEnd("greeting turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Path == pathShortcut && m.Reason == protocol.TurnReasonCompleted
	})
}

func (f *orchFixture) awaitClose() {
	f.t.Helper()
	select {
	case err := <-f.runErr:
		if err != nil {
			f.t.Fatalf("RunConnection returned %v", err)
		}
	case <-time.After(3 * time.Second):
		f.t.Fatal("connection did not close")
	}
}

func TestOrchestratorGreetsOnConnect(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{})

	delta := f.awaitMessage("greeting text", func(m any) bool {
		_, ok := m.(protocol.AssistantTextDelta)
		return ok
	}).(protocol.AssistantTextDelta)
	if delta.TextDelta != "Demo Klinik'e hoş geldiniz." {
		t.Fatalf("greeting text = %q", delta.TextDelta)
	}

	audio := f.awaitMessage("greeting audio", func(m any) bool {
		_, ok := m.(protocol.AssistantAudioChunk)
		return ok
	}).(protocol.AssistantAudioChunk)
	spoken, err := base64.StdEncoding.DecodeString(audio.AudioBase64)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if string(spoken) != "Demo Klinik'e hoş geldiniz." {
		t.Fatalf("spoken greeting = %q", spoken)
	}

	end := f.awaitTurnEnd("greeting turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Path == pathShortcut
	})
	if end.Intent != string(intent.CategoryGreeting) || end.Reason != protocol.TurnReasonCompleted {
		t.Fatalf("greeting turn end = %+v", end)
	}
}

func TestOrchestratorShortcutTurn(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{transcripts: []string{"görüşürüz iyi akşamlar"}})
	f.awaitGreeting()

	f.speak()
	f.awaitMessage("committed transcript", func(m any) bool {
		c, ok := m.(protocol.STTCommitted)
		return ok && c.Text == "görüşürüz iyi akşamlar"
	})
	final := f.awaitMessage("final intent", func(m any) bool {
		d, ok := m.(protocol.IntentDetected)
		return ok && !d.Early
	}).(protocol.IntentDetected)
	if final.Intent != string(intent.CategoryFarewell) || final.Confidence != string(intent.ConfidenceHigh) {
		t.Fatalf("final intent = %+v", final)
	}

	delta := f.awaitMessage("farewell reply", func(m any) bool {
		d, ok := m.(protocol.AssistantTextDelta)
		return ok && strings.Contains(d.TextDelta, "hoşça kalın")
	}).(protocol.AssistantTextDelta)
	if delta.TextDelta != shortcutReply(intent.CategoryFarewell, "tr", nil) {
		t.Fatalf("farewell reply = %q", delta.TextDelta)
	}

	end := f.awaitTurnEnd("shortcut turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Intent == string(intent.CategoryFarewell)
	})
	if end.Path != pathShortcut || end.Reason != protocol.TurnReasonCompleted {
		t.Fatalf("shortcut turn end = %+v", end)
	}
}

func TestOrchestratorGeneratedTurnCachesReply(t *testing.T) {
	q := "çalışma saatleriniz nedir acaba"
	f := newOrchFixture(t, fixtureOptions{transcripts: []string{q}})
	f.awaitGreeting()

	f.speak()
	var reply strings.Builder
	sawAudio := false
	timeout := time.After(3 * time.Second)
collect:
	for {
		select {
		case msg := <-f.outbound:
			switch m := msg.(type) {
			case protocol.AssistantTextDelta:
				reply.WriteString(m.TextDelta)
			case protocol.AssistantAudioChunk:
				sawAudio = true
				if m.Format != "mock_text_bytes" {
					t.Fatalf("audio format = %q", m.Format)
				}
			case protocol.AssistantTurnEnd:
				if m.Reason == protocol.TurnReasonInterrupted {
					continue
				}
				if m.Path != pathGenerated || m.Reason != protocol.TurnReasonCompleted {
					t.Fatalf("turn end = %+v", m)
				}
				if m.Intent != string(intent.CategoryInfo) {
					t.Fatalf("turn intent = %q", m.Intent)
				}
				break collect
			}
		case <-timeout:
			t.Fatal("generated turn did not finish")
		}
	}
	if !strings.Contains(reply.String(), "Kayıtlarımıza göre") {
		t.Fatalf("generated reply = %q", reply.String())
	}
	if !sawAudio {
		t.Fatal("generated turn produced no audio")
	}

	f.recorder.Flush()
	used, err := f.ledger.Usage(context.Background(), "demo", budget.ResourceTokens)
	if err != nil || used <= 0 {
		t.Fatalf("token usage = %v, err %v", used, err)
	}

	// The same question again is answered from cache, no generation.
	f.speak()
	end := f.awaitTurnEnd("cache turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Path == pathCache
	})
	if end.Reason != protocol.TurnReasonCompleted {
		t.Fatalf("cache turn end = %+v", end)
	}
}

func TestOrchestratorBudgetStopEndsSession(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{
		transcripts:   []string{"çalışma saatleriniz nedir acaba"},
		monthlyTokens: 200,
		usedTokens:    250,
	})
	f.awaitGreeting()

	f.speak()
	f.awaitMessage("budget exceeded event", func(m any) bool {
		e, ok := m.(protocol.SystemEvent)
		return ok && e.Code == "budget_exceeded"
	})
	end := f.awaitTurnEnd("budget turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Path == pathBudget
	})
	if end.Reason != protocol.TurnReasonBlocked {
		t.Fatalf("budget turn end = %+v", end)
	}
	f.awaitMessage("session terminated event", func(m any) bool {
		e, ok := m.(protocol.SystemEvent)
		return ok && e.Code == "session_terminated" && e.Detail == "budget_exceeded"
	})
	f.awaitClose()
}

func TestOrchestratorBargeInInterruptsTurn(t *testing.T) {
	q := "çalışma saatleriniz nedir acaba"
	f := newOrchFixture(t, fixtureOptions{
		transcripts: []string{q},
		generator:   &MockGenerator{DeltaDelay: 40 * time.Millisecond},
	})
	f.awaitGreeting()

	f.speak()
	f.awaitMessage("first generated delta", func(m any) bool {
		_, ok := m.(protocol.AssistantTextDelta)
		return ok
	})

	// Caller talks over the reply.
	f.sendAudio()
	f.awaitTurnEnd("interrupted turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Reason == protocol.TurnReasonInterrupted
	})

	// The interrupted utterance still commits and gets its own turn.
	f.inbound <- protocol.ClientControl{
		Type: protocol.TypeClientControl, SessionID: f.sess.ID,
		Action: protocol.ActionStop,
	}
	f.awaitTurnEnd("follow-up turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Reason == protocol.TurnReasonCompleted && m.Path != ""
	})
}

func TestOrchestratorScreenBlockReplacesReply(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{
		transcripts: []string{"çalışma saatleriniz nedir acaba"},
		forbidden:   []string{"kripto para"},
		generator: &MockGenerator{Respond: func(req GenerationRequest) (string, []ToolCall, error) {
			return "Size hemen kripto para yatırımı önerebilirim, çok karlı olur bence.", nil, nil
		}},
	})
	f.awaitGreeting()

	f.speak()
	end := f.awaitTurnEnd("blocked turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Reason == protocol.TurnReasonBlocked
	})
	if end.Path != pathSafe {
		t.Fatalf("blocked turn path = %q", end.Path)
	}

	f.recorder.Flush()
	violations := f.audit.Violations()
	if len(violations) == 0 {
		t.Fatal("no violations recorded")
	}
	found := false
	for _, v := range violations {
		if v.Blocked && strings.Contains(v.Violation, "forbidden topic") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no blocking forbidden-topic violation in %+v", violations)
	}
}

func TestOrchestratorDispatchesToolCalls(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	f := newOrchFixture(t, fixtureOptions{
		transcripts: []string{"yarın için randevu almak istiyorum"},
		webhookURL:  srv.URL,
		generator: &MockGenerator{Respond: func(req GenerationRequest) (string, []ToolCall, error) {
			return "Randevunuzu oluşturuyorum, hatta kalın lütfen.", []ToolCall{{
				Name:      "book_appointment",
				Arguments: `{"date":"2026-08-23","time":"10:00"}`,
			}}, nil
		}},
	})
	f.awaitGreeting()

	f.speak()
	evt := f.awaitMessage("tool dispatched event", func(m any) bool {
		e, ok := m.(protocol.SystemEvent)
		return ok && e.Code == "tool_dispatched"
	}).(protocol.SystemEvent)
	if evt.Detail != "book_appointment" {
		t.Fatalf("dispatched tool = %q", evt.Detail)
	}

	select {
	case body := <-received:
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("webhook payload: %v", err)
		}
		if payload["name"] != "book_appointment" {
			t.Fatalf("webhook name = %v", payload["name"])
		}
		if payload["tenant_id"] != "demo" || payload["session_id"] != f.sess.ID {
			t.Fatalf("webhook attribution = %v", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("webhook never called")
	}
}

func TestOrchestratorLowGroundingSafeReply(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{
		transcripts:  []string{"çalışma saatleriniz nedir acaba"},
		lowGrounding: true,
	})
	f.awaitGreeting()

	f.speak()
	f.awaitMessage("safe reply text", func(m any) bool {
		d, ok := m.(protocol.AssistantTextDelta)
		return ok && strings.Contains(d.TextDelta, "emin değilim")
	})
	end := f.awaitTurnEnd("safe turn end", func(m protocol.AssistantTurnEnd) bool {
		return m.Path == pathSafe
	})
	if end.Reason != protocol.TurnReasonCompleted {
		t.Fatalf("safe turn end = %+v", end)
	}
}

func TestOrchestratorClientEndsCall(t *testing.T) {
	f := newOrchFixture(t, fixtureOptions{})
	f.awaitGreeting()

	f.inbound <- protocol.ClientControl{
		Type: protocol.TypeClientControl, SessionID: f.sess.ID,
		Action: protocol.ActionEnd,
	}
	f.awaitMessage("call ended event", func(m any) bool {
		e, ok := m.(protocol.SystemEvent)
		return ok && e.Code == "call_ended"
	})
	f.awaitClose()
}
