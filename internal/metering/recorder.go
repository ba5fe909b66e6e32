package metering

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/santralab/santral/internal/budget"
)

// writeTimeout bounds each background persistence attempt.
const writeTimeout = 5 * time.Second

// Recorder fans metering writes out in the background. Usage increments go
// to both the budget ledger and the audit store; the caller returns to the
// live turn immediately either way.
type Recorder struct {
	store  Store
	ledger budget.Ledger
	log    zerolog.Logger
	wg     sync.WaitGroup
}

func NewRecorder(store Store, ledger budget.Ledger, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, ledger: ledger, log: log}
}

// RecordUsage increments the tenant's budget counter and files the audit
// event, both asynchronously.
func (r *Recorder) RecordUsage(tenantID, sessionID string, resource budget.Resource, amount float64, provider string) {
	if amount <= 0 {
		return
	}
	r.run(func(ctx context.Context) {
		if err := r.ledger.Add(ctx, tenantID, resource, amount); err != nil {
			r.log.Warn().Err(err).
				Str("tenant", tenantID).
				Str("resource", string(resource)).
				Msg("budget ledger increment failed")
		}
		event := UsageEvent{
			TenantID:  tenantID,
			SessionID: sessionID,
			Resource:  string(resource),
			Amount:    amount,
			Provider:  provider,
		}
		if err := r.store.SaveUsage(ctx, event); err != nil {
			r.log.Warn().Err(err).Str("tenant", tenantID).Msg("usage event write failed")
		}
	})
}

// RecordViolations files one audit row per violation.
func (r *Recorder) RecordViolations(tenantID, sessionID, turnID string, violations []string, blocked bool) {
	if len(violations) == 0 {
		return
	}
	records := make([]ViolationRecord, len(violations))
	for i, v := range violations {
		records[i] = ViolationRecord{
			TenantID:  tenantID,
			SessionID: sessionID,
			TurnID:    turnID,
			Violation: v,
			Blocked:   blocked,
		}
	}
	r.run(func(ctx context.Context) {
		for _, rec := range records {
			if err := r.store.SaveViolation(ctx, rec); err != nil {
				r.log.Warn().Err(err).Str("tenant", tenantID).Msg("violation write failed")
				return
			}
		}
	})
}

// RecordSummary files the end-of-call rollup.
func (r *Recorder) RecordSummary(summary SessionSummary) {
	r.run(func(ctx context.Context) {
		if err := r.store.SaveSummary(ctx, summary); err != nil {
			r.log.Warn().Err(err).Str("session", summary.SessionID).Msg("summary write failed")
		}
	})
}

func (r *Recorder) run(fn func(context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// Flush waits for in-flight writes, for shutdown and tests.
func (r *Recorder) Flush() {
	r.wg.Wait()
}
