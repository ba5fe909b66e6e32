package metering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps metering records in process for local/dev use.
type InMemoryStore struct {
	mu         sync.RWMutex
	usage      []UsageEvent
	violations []ViolationRecord
	summaries  []SessionSummary
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveUsage(_ context.Context, event UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.usage = append(s.usage, event)
	return nil
}

func (s *InMemoryStore) SaveViolation(_ context.Context, record ViolationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.violations = append(s.violations, record)
	return nil
}

func (s *InMemoryStore) SaveSummary(_ context.Context, summary SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.summaries {
		if existing.SessionID == summary.SessionID {
			s.summaries[i] = summary
			return nil
		}
	}
	s.summaries = append(s.summaries, summary)
	return nil
}

func (s *InMemoryStore) UsageEvents() []UsageEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UsageEvent, len(s.usage))
	copy(out, s.usage)
	return out
}

func (s *InMemoryStore) Violations() []ViolationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ViolationRecord, len(s.violations))
	copy(out, s.violations)
	return out
}

func (s *InMemoryStore) Summaries() []SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SessionSummary, len(s.summaries))
	copy(out, s.summaries)
	return out
}

func (s *InMemoryStore) Close() error { return nil }
