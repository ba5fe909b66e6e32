package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// historyTurns bounds the conversation window handed to generation. Older
// exchanges fall off the front.
const historyTurns = 6

var ErrNotFound = errors.New("session not found")

// Exchange is one completed user/assistant turn pair.
type Exchange struct {
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text"`
	Intent        string    `json:"intent"`
	At            time.Time `json:"at"`
}

type Session struct {
	ID                string     `json:"session_id"`
	CallID            string     `json:"call_id"`
	TenantID          string     `json:"tenant_id"`
	CallerID          string     `json:"caller_id"`
	Language          string     `json:"language"`
	Status            Status     `json:"status"`
	ActiveTurnID      string     `json:"active_turn_id"`
	TurnCount         int        `json:"turn_count"`
	InterruptionCount int        `json:"interruption_count"`
	StartedAt         time.Time  `json:"started_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	History           []Exchange `json:"history,omitempty"`
}

// Minutes is the session's elapsed talk time so far.
func (s *Session) Minutes() float64 {
	return s.LastActivityAt.Sub(s.StartedAt).Minutes()
}

// EndCause values handed to the OnEnd hook.
const (
	EndCauseEnded   = "ended"
	EndCauseExpired = "expired"
)

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionByCall     map[string]string
	inactivityTimeout time.Duration
	endedRetention    time.Duration
	onEnd             func(*Session, string)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		sessionByCall:     make(map[string]string),
		inactivityTimeout: inactivityTimeout,
		endedRetention:    time.Hour,
	}
}

// SetEndedRetention controls how long ended sessions stay queryable before
// the janitor drops them.
func (m *Manager) SetEndedRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endedRetention = d
}

// OnEnd installs the callback fired once per session after it reaches its
// final state, whether through an explicit End or janitor expiry. The cause
// is EndCauseEnded or EndCauseExpired. The hook runs outside the manager
// lock.
func (m *Manager) OnEnd(hook func(s *Session, cause string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEnd = hook
}

func (m *Manager) Create(tenantID, callID, callerID, language string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		CallID:         callID,
		TenantID:       tenantID,
		CallerID:       callerID,
		Language:       language,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if callID != "" {
		m.sessionByCall[callID] = s.ID
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// GetByCall resolves the active session holding a call id.
func (m *Manager) GetByCall(callID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sessionID, ok := m.sessionByCall[callID]
	if !ok {
		return nil, ErrNotFound
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// AppendExchange records a completed turn and trims the window.
func (m *Manager) AppendExchange(sessionID string, ex Exchange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if ex.At.IsZero() {
		ex.At = time.Now().UTC()
	}
	s.History = append(s.History, ex)
	if len(s.History) > historyTurns {
		s.History = s.History[len(s.History)-historyTurns:]
	}
	s.TurnCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// History returns the bounded conversation window, oldest first.
func (m *Manager) History(sessionID string) ([]Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Exchange, len(s.History))
	copy(out, s.History)
	return out, nil
}

func (m *Manager) Interrupt(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InterruptionCount++
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End closes the session. Ending an already ended session is a no-op that
// returns the session as-is, so double teardown (client hangup racing the
// budget stop) does not fire the OnEnd hook twice.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		out := clone(s)
		m.mu.Unlock()
		return out, nil
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	if s.CallID != "" {
		delete(m.sessionByCall, s.CallID)
	}
	out := clone(s)
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		hook(out, EndCauseEnded)
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// ActiveByTenant counts live sessions per tenant for the admin API.
func (m *Manager) ActiveByTenant() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			out[s.TenantID]++
		}
	}
	return out
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusEnded {
			if now.Sub(s.LastActivityAt) >= m.endedRetention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
		if s.CallID != "" {
			delete(m.sessionByCall, s.CallID)
		}
	}
	hook := m.onEnd
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s, EndCauseExpired)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	if len(s.History) > 0 {
		c.History = make([]Exchange, len(s.History))
		copy(c.History, s.History)
	}
	return &c
}

// NewTurnID mints the identifier a turn carries through logs and metrics.
func NewTurnID() string {
	return uuid.NewString()
}
