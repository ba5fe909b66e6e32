package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("clinic", "call-1", "+905551110000", "tr")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TenantID != "clinic" || got.CallID != "call-1" || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	byCall, err := m.GetByCall("call-1")
	if err != nil {
		t.Fatalf("GetByCall() error = %v", err)
	}
	if byCall.ID != s.ID {
		t.Fatalf("GetByCall returned %q, want %q", byCall.ID, s.ID)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.GetByCall("call-1"); err != ErrNotFound {
		t.Fatalf("GetByCall after end = %v, want ErrNotFound", err)
	}
}

func TestManagerInterruptClearsTurn(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("clinic", "call-1", "", "tr")
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.Interrupt(s.ID); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ActiveTurnID != "" {
		t.Fatalf("ActiveTurnID = %q, want empty", got.ActiveTurnID)
	}
	if got.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d, want 1", got.InterruptionCount)
	}
}

func TestManagerHistoryWindow(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("clinic", "call-1", "", "tr")

	for i := 0; i < historyTurns+3; i++ {
		ex := Exchange{
			UserText:      fmt.Sprintf("soru %d", i),
			AssistantText: fmt.Sprintf("cevap %d", i),
			Intent:        "info",
		}
		if err := m.AppendExchange(s.ID, ex); err != nil {
			t.Fatalf("AppendExchange() error = %v", err)
		}
	}

	history, err := m.History(s.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != historyTurns {
		t.Fatalf("history length = %d, want %d", len(history), historyTurns)
	}
	if history[0].UserText != "soru 3" {
		t.Fatalf("oldest kept = %q, want soru 3", history[0].UserText)
	}
	if history[len(history)-1].UserText != fmt.Sprintf("soru %d", historyTurns+2) {
		t.Fatalf("newest = %q", history[len(history)-1].UserText)
	}

	got, _ := m.Get(s.ID)
	if got.TurnCount != historyTurns+3 {
		t.Fatalf("TurnCount = %d, want %d", got.TurnCount, historyTurns+3)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s := m.Create("clinic", "call-1", "", "tr")

	type ended struct {
		s     *Session
		cause string
	}
	expired := make(chan ended, 1)
	m.OnEnd(func(es *Session, cause string) { expired <- ended{es, cause} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case e := <-expired:
		if e.s.ID != s.ID {
			t.Fatalf("expired session = %q, want %q", e.s.ID, s.ID)
		}
		if e.cause != EndCauseExpired {
			t.Fatalf("cause = %q, want %q", e.cause, EndCauseExpired)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not expire the session")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
}

func TestManagerEndFiresHookOnce(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("clinic", "call-1", "", "tr")

	var calls []string
	m.OnEnd(func(_ *Session, cause string) { calls = append(calls, cause) })

	first, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if first.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", first.Status, StatusEnded)
	}

	// A second End is a no-op and must not re-fire the hook.
	again, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	if again.Status != StatusEnded {
		t.Fatalf("second Status = %q", again.Status)
	}

	if len(calls) != 1 || calls[0] != EndCauseEnded {
		t.Fatalf("hook calls = %v, want one %q", calls, EndCauseEnded)
	}
}

func TestManagerJanitorDropsEndedAfterRetention(t *testing.T) {
	m := NewManager(time.Minute)
	m.SetEndedRetention(20 * time.Millisecond)
	s := m.Create("clinic", "call-1", "", "tr")
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for {
		if _, err := m.Get(s.ID); errors.Is(err, ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ended session still queryable after retention")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManagerActiveByTenant(t *testing.T) {
	m := NewManager(time.Minute)
	m.Create("clinic", "call-1", "", "tr")
	m.Create("clinic", "call-2", "", "tr")
	dental := m.Create("dental", "call-3", "", "tr")
	m.End(dental.ID)

	counts := m.ActiveByTenant()
	if counts["clinic"] != 2 {
		t.Fatalf("clinic count = %d, want 2", counts["clinic"])
	}
	if counts["dental"] != 0 {
		t.Fatalf("dental count = %d, want 0", counts["dental"])
	}
}
