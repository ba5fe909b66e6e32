package reliability

import (
	"context"
	"sync"
	"time"
)

// State is the breaker position for one named provider.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings configure a breaker. Zero fields take the defaults.
type Settings struct {
	// FailureThreshold is the run of consecutive failures that opens the
	// breaker from CLOSED.
	FailureThreshold int
	// ResetTimeout is how long after the last failure an OPEN breaker
	// starts probing again (HALF_OPEN). The transition happens lazily on
	// the next availability check, not on a timer.
	ResetTimeout time.Duration
	// SuccessThresholdToClose is the run of consecutive HALF_OPEN
	// successes that closes the breaker.
	SuccessThresholdToClose int
	// OnStateChange, when set, observes every transition.
	OnStateChange func(name string, from, to State)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 3
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	if s.SuccessThresholdToClose <= 0 {
		s.SuccessThresholdToClose = 2
	}
	return s
}

// Breaker tracks the health of one named provider. A breaker never serves
// the primary path while OPEN.
type Breaker struct {
	name     string
	settings Settings

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
}

// NewBreaker builds a CLOSED breaker.
func NewBreaker(name string, settings Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// Allow reports whether the primary path may be attempted. An OPEN breaker
// whose reset timeout has elapsed since the last failure flips to HALF_OPEN
// here, which is the only place that transition happens.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var transition func()
	allowed := true
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) >= b.settings.ResetTimeout {
			transition = b.transitionLocked(StateHalfOpen)
			b.successCount = 0
		} else {
			allowed = false
		}
	case StateHalfOpen, StateClosed:
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
	return allowed
}

// RecordSuccess feeds a successful primary call into the state machine.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var transition func()
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThresholdToClose {
			transition = b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// A success while OPEN means the call raced a transition; ignore.
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// RecordFailure feeds a failed primary call into the state machine.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var transition func()
	b.lastFailureTime = b.now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			transition = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		transition = b.transitionLocked(StateOpen)
		b.successCount = 0
	case StateOpen:
		b.failureCount++
	}
	b.mu.Unlock()

	if transition != nil {
		transition()
	}
}

// Execute runs primary only when the breaker allows it, recording the
// outcome; on an open breaker or a primary error it runs fallback instead.
// The primary error is absorbed, never returned.
func (b *Breaker) Execute(ctx context.Context, primary, fallback func(context.Context) error) error {
	if !b.Allow() {
		return fallback(ctx)
	}
	if err := primary(ctx); err != nil {
		b.RecordFailure()
		return fallback(ctx)
	}
	b.RecordSuccess()
	return nil
}

// State returns the current position without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats snapshots the breaker for health endpoints.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		SuccessCount:    b.successCount,
		LastFailureTime: b.lastFailureTime,
	}
}

// transitionLocked flips the state and returns the observer callback to run
// after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if cb := b.settings.OnStateChange; cb != nil {
		name := b.name
		return func() { cb(name, from, to) }
	}
	return nil
}
