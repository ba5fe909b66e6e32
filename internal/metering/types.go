// Package metering persists usage increments, guardrail audit entries, and
// session rollups. Writes are best-effort; the live turn never waits on them.
package metering

import (
	"context"
	"time"
)

// UsageEvent records one billable increment against a tenant.
type UsageEvent struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	Resource  string    `json:"resource"`
	Amount    float64   `json:"amount"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

// ViolationRecord stores one guardrail finding for audit, blocked or not.
type ViolationRecord struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Violation string    `json:"violation"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is the end-of-call rollup.
type SessionSummary struct {
	SessionID       string    `json:"session_id"`
	TenantID        string    `json:"tenant_id"`
	CallID          string    `json:"call_id"`
	Language        string    `json:"language"`
	Turns           int       `json:"turns"`
	Interruptions   int       `json:"interruptions"`
	DurationSeconds float64   `json:"duration_seconds"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
}

// Store persists metering records.
type Store interface {
	SaveUsage(ctx context.Context, event UsageEvent) error
	SaveViolation(ctx context.Context, record ViolationRecord) error
	SaveSummary(ctx context.Context, summary SessionSummary) error
	Close() error
}
