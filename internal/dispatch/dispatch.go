// Package dispatch forwards tool calls detected during generation to the
// tenant's automation webhook. Notification is fire-and-forget: the spoken
// turn never waits on the webhook, and duplicates within a short window
// collapse to one delivery.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/intent"
)

// ToolCall is one automation request parsed from a generation stream.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
}

type Config struct {
	WebhookURL        string
	Timeout           time.Duration
	IdempotencyWindow time.Duration
}

type dedupeEntry struct {
	at time.Time
}

type Dispatcher struct {
	webhookURL string
	window     time.Duration
	client     *http.Client
	log        zerolog.Logger

	mu     sync.Mutex
	recent map[string]dedupeEntry

	wg  sync.WaitGroup
	now func() time.Time
}

func New(cfg Config, log zerolog.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 10 * time.Second
	}
	return &Dispatcher{
		webhookURL: strings.TrimSpace(cfg.WebhookURL),
		window:     cfg.IdempotencyWindow,
		client:     &http.Client{Timeout: cfg.Timeout},
		log:        log,
		recent:     make(map[string]dedupeEntry),
		now:        time.Now,
	}
}

// Dispatch queues the tool call for delivery to the default webhook and
// returns whether it was accepted. A repeat of the same call in the same
// session inside the idempotency window is dropped.
func (d *Dispatcher) Dispatch(call ToolCall) bool {
	return d.DispatchTo("", call)
}

// DispatchTo delivers to the tenant's own webhook when one is configured.
// An empty url falls back to the process-wide default.
func (d *Dispatcher) DispatchTo(url string, call ToolCall) bool {
	if call.Name == "" {
		return false
	}
	url = strings.TrimSpace(url)
	if url == "" {
		url = d.webhookURL
	}

	key := dedupeKey(call)
	now := d.now()

	d.mu.Lock()
	d.gcLocked(now)
	if hit, ok := d.recent[key]; ok && now.Sub(hit.at) <= d.window {
		d.mu.Unlock()
		d.log.Debug().Str("tool", call.Name).Str("session", call.SessionID).Msg("duplicate tool call dropped")
		return false
	}
	d.recent[key] = dedupeEntry{at: now}
	d.mu.Unlock()

	if url == "" {
		d.log.Info().
			Str("tool", call.Name).
			Str("tenant", call.TenantID).
			Str("session", call.SessionID).
			RawJSON("arguments", normalizeArguments(call.Arguments)).
			Msg("tool call detected, no webhook configured")
		return true
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.deliver(url, call); err != nil {
			d.log.Warn().Err(err).Str("tool", call.Name).Str("session", call.SessionID).Msg("tool call delivery failed")
			return
		}
		d.log.Info().Str("tool", call.Name).Str("session", call.SessionID).Msg("tool call delivered")
	}()
	return true
}

func (d *Dispatcher) deliver(url string, call ToolCall) error {
	payload, err := json.Marshal(struct {
		ToolCall
		DispatchedAt time.Time `json:"dispatched_at"`
	}{ToolCall: call, DispatchedAt: d.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal tool call: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("webhook status %d: %s", res.StatusCode, string(body))
	}
	return nil
}

// Flush waits for in-flight deliveries, for shutdown and tests.
func (d *Dispatcher) Flush() {
	d.wg.Wait()
}

func (d *Dispatcher) gcLocked(now time.Time) {
	for k, v := range d.recent {
		if now.Sub(v.at) > d.window {
			delete(d.recent, k)
		}
	}
}

func dedupeKey(call ToolCall) string {
	return call.SessionID + "|" + call.Name + "|" + intent.Normalize(call.Arguments)
}

func normalizeArguments(raw string) []byte {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		b, _ := json.Marshal(raw)
		return b
	}
	return []byte(trimmed)
}
