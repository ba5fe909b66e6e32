package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
	"github.com/santralab/santral/internal/cache"
	"github.com/santralab/santral/internal/capacity"
	"github.com/santralab/santral/internal/config"
	"github.com/santralab/santral/internal/observability"
	"github.com/santralab/santral/internal/protocol"
	"github.com/santralab/santral/internal/reliability"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/session"
	"github.com/santralab/santral/internal/tenant"
	"github.com/santralab/santral/internal/voice"
)

type stubOrchestrator struct {
	previewAudio  []byte
	previewFormat string
}

func (o *stubOrchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if ctrl, ok := msg.(protocol.ClientControl); ok && ctrl.Action == protocol.ActionStop {
				outbound <- protocol.SystemEvent{
					Type: protocol.TypeSystemEvent, SessionID: s.ID, Code: "echo_stop",
				}
			}
		}
	}
}

func (o *stubOrchestrator) PreviewTTS(_ context.Context, _, _, _ string) ([]byte, string, error) {
	return o.previewAudio, o.previewFormat, nil
}

type serverFixture struct {
	srv       *Server
	ts        *httptest.Server
	sessions  *session.Manager
	router    *capacity.Router
	cache     *cache.Cache
	stub      *stubOrchestrator
	profileDB string
}

func newServerFixture(t *testing.T, workerCapacity int) *serverFixture {
	t.Helper()

	dir := t.TempDir()
	writeTestProfile(t, dir, "demo.yaml", `id: demo
name: Demo Klinik
language: tr
admission:
  sessions_per_minute: 6000
  burst: 100
`)
	writeTestProfile(t, dir, "throttled.yaml", `id: throttled
name: Dar Kapı
language: tr
admission:
  sessions_per_minute: 60
  burst: 1
`)

	tenants, err := tenant.NewRegistry(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("tenant registry: %v", err)
	}

	router := capacity.NewRouter()
	if err := router.Register("w1", workerCapacity); err != nil {
		t.Fatalf("register worker: %v", err)
	}

	ledger := budget.NewMemoryLedger()
	respCache := cache.New(time.Minute, 16)
	docs := retrieval.NewStaticStore()
	retriever := retrieval.New(docs, retrieval.HashEmbedder{Dims: 8}, zerolog.Nop())

	sessions := session.NewManager(time.Minute)
	// Mirrors the production wiring: teardown releases the worker slot
	// through the manager hook, not the HTTP handler.
	sessions.OnEnd(func(s *session.Session, _ string) { router.Release(s.CallID) })

	stub := &stubOrchestrator{previewAudio: []byte("preview-bytes"), previewFormat: "mock_text_bytes"}
	breakers := reliability.NewRegistry(reliability.Settings{})

	cfg := config.Config{
		SessionInactivityTimeout: time.Minute,
		AdmissionPerMinute:       6000,
		AdmissionBurst:           100,
		ProviderMode:             "mock",
	}
	srv := New(cfg, Deps{
		Sessions:     sessions,
		Tenants:      tenants,
		Orchestrator: stub,
		Governor:     budget.NewGovernor(ledger),
		Cache:        respCache,
		Retriever:    retriever,
		Capacity:     router,
		Metrics:      observability.NewMetricsWith(prometheus.NewRegistry(), "santral"),
		ProviderHealth: func() []voice.ProviderHealth {
			return []voice.ProviderHealth{{
				Role: "generation", Tier: "primary", Provider: "mock", Active: true,
				Breaker: breakers.Get("generation:mock").Stats(),
			}}
		},
		Log: zerolog.Nop(),
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &serverFixture{
		srv:       srv,
		ts:        ts,
		sessions:  srv.deps.Sessions,
		router:    router,
		cache:     respCache,
		stub:      stub,
		profileDB: dir,
	}
}

func writeTestProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
}

func (f *serverFixture) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	res, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCreateSessionFlow(t *testing.T) {
	f := newServerFixture(t, 8)

	res := f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "caller_id": "+905551112233"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", res.StatusCode)
	}
	var created session.CreateResponse
	decodeBody(t, res, &created)
	if created.SessionID == "" || created.TenantID != "demo" {
		t.Fatalf("created = %+v", created)
	}
	if !strings.HasPrefix(created.CallID, "call-") {
		t.Errorf("generated call id = %q", created.CallID)
	}
	if created.InactivityTTLMS != time.Minute.Milliseconds() {
		t.Errorf("inactivity ttl = %d", created.InactivityTTLMS)
	}

	res = f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "ghost"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown tenant status = %d, want 404", res.StatusCode)
	}
	res.Body.Close()

	res = f.postJSON(t, "/v1/sessions", map[string]string{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing tenant status = %d, want 400", res.StatusCode)
	}
	res.Body.Close()
}

func TestCreateSessionReusesLiveCall(t *testing.T) {
	f := newServerFixture(t, 8)

	res := f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "call_id": "pbx-42"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", res.StatusCode)
	}
	var first session.CreateResponse
	decodeBody(t, res, &first)

	res = f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "call_id": "pbx-42"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reconnect status = %d, want 200", res.StatusCode)
	}
	var second session.CreateResponse
	decodeBody(t, res, &second)
	if second.SessionID != first.SessionID {
		t.Errorf("reconnect got session %q, want %q", second.SessionID, first.SessionID)
	}
}

func TestCreateSessionRateLimited(t *testing.T) {
	f := newServerFixture(t, 8)

	res := f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "throttled", "call_id": "c1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", res.StatusCode)
	}
	res.Body.Close()

	res = f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "throttled", "call_id": "c2"})
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second create status = %d, want 429", res.StatusCode)
	}
	var errBody errorResponse
	decodeBody(t, res, &errBody)
	if errBody.Code != "rate_limited" {
		t.Errorf("error code = %q", errBody.Code)
	}
}

func TestCreateSessionRejectsWhenWorkersFull(t *testing.T) {
	f := newServerFixture(t, 1)

	res := f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "call_id": "c1"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first create status = %d", res.StatusCode)
	}
	var first session.CreateResponse
	decodeBody(t, res, &first)

	res = f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "call_id": "c2"})
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("full create status = %d, want 503", res.StatusCode)
	}
	res.Body.Close()

	// Ending the session releases the worker slot.
	res = f.postJSON(t, "/v1/sessions/"+first.SessionID+"/end", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d", res.StatusCode)
	}
	res.Body.Close()

	res = f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo", "call_id": "c3"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create after release status = %d, want 201", res.StatusCode)
	}
	res.Body.Close()
}

func TestSessionWSRoundTrip(t *testing.T) {
	f := newServerFixture(t, 8)

	res := f.postJSON(t, "/v1/sessions", map[string]string{"tenant_id": "demo"})
	var created session.CreateResponse
	decodeBody(t, res, &created)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/session?session_id=" + created.SessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// Garbage in produces a typed error, not a dropped connection.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var errEvent protocol.ErrorEvent
	if err := conn.ReadJSON(&errEvent); err != nil {
		t.Fatalf("read error event: %v", err)
	}
	if errEvent.Code != "invalid_client_message" || errEvent.Source != "gateway" {
		t.Fatalf("error event = %+v", errEvent)
	}

	ctrl := protocol.ClientControl{
		Type: protocol.TypeClientControl, SessionID: created.SessionID,
		Action: protocol.ActionStop,
	}
	if err := conn.WriteJSON(ctrl); err != nil {
		t.Fatalf("write control: %v", err)
	}
	var evt protocol.SystemEvent
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read system event: %v", err)
	}
	if evt.Code != "echo_stop" {
		t.Fatalf("system event = %+v", evt)
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	f := newServerFixture(t, 8)

	res, err := http.Get(f.ts.URL + "/v1/session?session_id=ghost")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestHealthAndAdminEndpoints(t *testing.T) {
	f := newServerFixture(t, 8)

	for _, path := range []string{
		"/healthz",
		"/readyz",
		"/metrics",
		"/v1/admin/sessions",
		"/v1/admin/providers",
		"/v1/admin/tenants",
		"/v1/admin/cache",
		"/v1/admin/capacity",
		"/v1/admin/perf",
	} {
		res, err := http.Get(f.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if res.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, res.StatusCode)
		}
		res.Body.Close()
	}

	res, err := http.Get(f.ts.URL + "/v1/admin/providers")
	if err != nil {
		t.Fatalf("GET providers: %v", err)
	}
	var providers struct {
		Providers []voice.ProviderHealth `json:"providers"`
	}
	decodeBody(t, res, &providers)
	if len(providers.Providers) != 1 || providers.Providers[0].Provider != "mock" {
		t.Fatalf("providers = %+v", providers.Providers)
	}
}

func TestTenantBudgetSummary(t *testing.T) {
	f := newServerFixture(t, 8)

	res, err := http.Get(f.ts.URL + "/v1/admin/tenants/demo/budget")
	if err != nil {
		t.Fatalf("GET budget: %v", err)
	}
	var body struct {
		TenantID string         `json:"tenant_id"`
		Budget   budget.Summary `json:"budget"`
	}
	decodeBody(t, res, &body)
	if body.TenantID != "demo" {
		t.Errorf("tenant_id = %q", body.TenantID)
	}
	if !body.Budget.Tokens.Allowed {
		t.Error("unlimited quota should be allowed")
	}

	res, err = http.Get(f.ts.URL + "/v1/admin/tenants/ghost/budget")
	if err != nil {
		t.Fatalf("GET ghost budget: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("ghost budget status = %d, want 404", res.StatusCode)
	}
}

func TestInvalidateTenantDropsCaches(t *testing.T) {
	f := newServerFixture(t, 8)
	f.cache.Set("demo", "info", "çalışma saatleri", "Dokuzdan altıya açığız.")

	res := f.postJSON(t, "/v1/admin/tenants/demo/invalidate", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("invalidate status = %d", res.StatusCode)
	}
	var body struct {
		TenantID string `json:"tenant_id"`
		Dropped  int    `json:"cache_entries_dropped"`
	}
	decodeBody(t, res, &body)
	if body.Dropped != 1 {
		t.Errorf("dropped = %d, want 1", body.Dropped)
	}
	if _, ok := f.cache.Get("demo", "info", "çalışma saatleri"); ok {
		t.Error("cache entry should be gone")
	}
}

func TestListVoicesWithoutElevenLabs(t *testing.T) {
	f := newServerFixture(t, 8)

	res, err := http.Get(f.ts.URL + "/v1/voices")
	if err != nil {
		t.Fatalf("GET voices: %v", err)
	}
	var body listVoicesResponse
	decodeBody(t, res, &body)
	if body.DefaultVoiceID != "alloy" {
		t.Errorf("default voice = %q", body.DefaultVoiceID)
	}
	if len(body.Voices) != len(openaiVoiceCatalog) {
		t.Errorf("voices = %d, want %d", len(body.Voices), len(openaiVoiceCatalog))
	}
	for _, v := range body.Voices {
		if v.Provider != "openai" {
			t.Errorf("voice %q provider = %q", v.VoiceID, v.Provider)
		}
	}
}

func TestPreviewTTSWrapsPCMAsWAV(t *testing.T) {
	f := newServerFixture(t, 8)
	f.stub.previewAudio = []byte{0x01, 0x00, 0x02, 0x00}
	f.stub.previewFormat = "pcm_16000"

	res := f.postJSON(t, "/v1/voices/preview", map[string]string{"voice_id": "alloy", "text": "Merhaba"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("preview status = %d", res.StatusCode)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("content type = %q", ct)
	}
	buf := make([]byte, 4)
	if _, err := res.Body.Read(buf); err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(buf) != "RIFF" {
		t.Errorf("body magic = %q, want RIFF", buf)
	}
}
