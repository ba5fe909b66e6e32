package session

import "time"

// CreateRequest defines payload for opening a call session.
type CreateRequest struct {
	TenantID string `json:"tenant_id"`
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
	Language string `json:"language"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	CallID          string    `json:"call_id"`
	TenantID        string    `json:"tenant_id"`
	Status          Status    `json:"status"`
	Language        string    `json:"language"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
}
