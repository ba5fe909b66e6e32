// Package httpapi exposes the voice gateway over HTTP: the realtime
// websocket endpoint, session admission, and the small ops API the admin
// dashboard uses.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
	"github.com/santralab/santral/internal/cache"
	"github.com/santralab/santral/internal/capacity"
	"github.com/santralab/santral/internal/config"
	"github.com/santralab/santral/internal/observability"
	"github.com/santralab/santral/internal/protocol"
	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/session"
	"github.com/santralab/santral/internal/tenant"
	"github.com/santralab/santral/internal/voice"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
	PreviewTTS(ctx context.Context, voiceID, text, lang string) ([]byte, string, error)
}

// Deps carries the collaborators the handlers touch. Optional fields may be
// nil; the corresponding endpoints then answer with empty or 501 payloads.
type Deps struct {
	Sessions       *session.Manager
	Tenants        *tenant.Registry
	Orchestrator   Orchestrator
	Governor       *budget.Governor
	Cache          *cache.Cache
	Retriever      *retrieval.Retriever
	Capacity       *capacity.Router
	Metrics        *observability.Metrics
	ProviderHealth func() []voice.ProviderHealth
	Log            zerolog.Logger
}

type Server struct {
	cfg       config.Config
	deps      Deps
	admission *admission
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

func New(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:       cfg,
		deps:      deps,
		admission: newAdmission(cfg.AdmissionPerMinute, cfg.AdmissionBurst),
		log:       deps.Log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Telephony bridges connect without an Origin header; browser
				// dashboards must come from the same host unless opened up.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/session", s.handleSessionWS)

	r.Get("/v1/voices", s.handleListVoices)
	r.Post("/v1/voices/preview", s.handlePreviewTTS)

	r.Route("/v1/admin", func(r chi.Router) {
		r.Get("/sessions", s.handleAdminSessions)
		r.Get("/providers", s.handleProviderHealth)
		r.Get("/tenants", s.handleListTenants)
		r.Get("/tenants/{id}/budget", s.handleTenantBudget)
		r.Post("/tenants/{id}/invalidate", s.handleInvalidateTenant)
		r.Get("/cache", s.handleCacheStats)
		r.Get("/capacity", s.handleCapacity)
		r.Get("/perf", s.handlePerfLatency)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"provider": s.cfg.ProviderMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	tenants := 0
	if s.deps.Tenants != nil {
		tenants = len(s.deps.Tenants.List())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ready",
		"tenants": tenants,
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		respondError(w, http.StatusBadRequest, "missing_tenant_id", "tenant_id is required")
		return
	}

	profile, err := s.deps.Tenants.Lookup(tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			respondError(w, http.StatusNotFound, "unknown_tenant", "no profile for tenant "+tenantID)
			return
		}
		respondError(w, http.StatusInternalServerError, "tenant_lookup_failed", err.Error())
		return
	}

	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		callID = "call-" + uuid.NewString()
	}

	// Reconnects for a call that is already live reuse the session, so a
	// flapping trunk does not burn admission quota.
	if existing, err := s.deps.Sessions.GetByCall(callID); err == nil {
		respondJSON(w, http.StatusOK, s.createResponse(existing))
		return
	}

	if !s.admission.allow(tenantID, profile.Admission) {
		s.deps.Metrics.ObserveSessionEvent("admission_rate_limited")
		respondError(w, http.StatusTooManyRequests, "rate_limited", "tenant session rate exceeded")
		return
	}
	if s.deps.Capacity != nil {
		workerID, err := s.deps.Capacity.Route(callID)
		if err != nil {
			s.deps.Metrics.ObserveSessionEvent("admission_no_capacity")
			respondError(w, http.StatusServiceUnavailable, "no_capacity", err.Error())
			return
		}
		if err := s.deps.Capacity.Assign(callID, workerID); err != nil {
			respondError(w, http.StatusServiceUnavailable, "no_capacity", err.Error())
			return
		}
	}

	sess := s.deps.Sessions.Create(tenantID, callID, strings.TrimSpace(req.CallerID), strings.TrimSpace(req.Language))
	s.deps.Metrics.ActiveSessions.Set(float64(s.deps.Sessions.ActiveCount()))
	s.deps.Metrics.ObserveSessionEvent("created")
	s.log.Info().Str("tenant", tenantID).Str("session", sess.ID).Str("call", callID).Msg("session created")

	respondJSON(w, http.StatusCreated, s.createResponse(sess))
}

func (s *Server) createResponse(sess *session.Session) session.CreateResponse {
	return session.CreateResponse{
		SessionID:       sess.ID,
		CallID:          sess.CallID,
		TenantID:        sess.TenantID,
		Status:          sess.Status,
		Language:        sess.Language,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	}
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	// Capacity release and metering happen in the manager's OnEnd hook, so
	// expiry and explicit teardown share one path.
	sess, err := s.deps.Sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.deps.Orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	sess, err := s.deps.Sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.deps.Metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.deps.Orchestrator.RunConnection(ctx, sess, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					s.deps.Metrics.ObserveSessionEvent("ws_write_error")
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.deps.Metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Websocket writes stay single-threaded; drop when the
				// outbound queue is saturated.
				s.deps.Metrics.ObserveSessionEvent("outbound_drop")
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.deps.Metrics.ObserveSessionEvent("ws_disconnected")
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.STTPartial:
		return m.Type, true
	case protocol.STTCommitted:
		return m.Type, true
	case protocol.IntentDetected:
		return m.Type, true
	case protocol.AssistantTextDelta:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.AssistantTurnEnd:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
