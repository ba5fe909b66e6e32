package budget

import (
	"context"
	"sync"
	"time"
)

// Ledger is the source of truth for month-scoped usage counters. Increments
// must be atomic under concurrent writers; the in-memory implementation is
// only suitable for single-process deployments.
type Ledger interface {
	// Add increments the tenant's counter for the current month.
	Add(ctx context.Context, tenantID string, res Resource, amount float64) error
	// Usage returns the tenant's counter for the current month.
	Usage(ctx context.Context, tenantID string, res Resource) (float64, error)
}

// monthOf formats the month bucket counters are scoped to.
func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// MemoryLedger keeps counters in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	counters map[string]float64

	now func() time.Time
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		counters: make(map[string]float64),
		now:      time.Now,
	}
}

func (l *MemoryLedger) Add(_ context.Context, tenantID string, res Resource, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[l.key(tenantID, res)] += amount
	return nil
}

func (l *MemoryLedger) Usage(_ context.Context, tenantID string, res Resource) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counters[l.key(tenantID, res)], nil
}

func (l *MemoryLedger) key(tenantID string, res Resource) string {
	return tenantID + ":" + string(res) + ":" + monthOf(l.now())
}
