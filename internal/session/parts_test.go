package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

func TestTimer_ExpiresOnce(t *testing.T) {
	fired := 0
	tm := NewTimer(newFakeClock(), func() { fired++ })

	if !tm.Arm(2) {
		t.Fatal("first Arm refused")
	}
	if tm.Arm(10) {
		t.Fatal("second Arm accepted")
	}
	for i := 0; i < 5; i++ {
		tm.Tick()
	}
	if fired != 1 {
		t.Fatalf("onExpire fired %d times", fired)
	}
	if !tm.Expired() || tm.Remaining() != 0 {
		t.Fatalf("expected expired at 0, got %d", tm.Remaining())
	}
}

func TestTimer_StopPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	fired := false
	tm := NewTimer(clock, func() { fired = true })

	tm.Start(context.Background(), 3)
	clock.Advance(time.Second)
	tm.Stop()
	tm.Stop()
	clock.Advance(10 * time.Second)

	if fired {
		t.Fatal("stopped timer expired")
	}
	if tm.Remaining() != 2 {
		t.Fatalf("expected 2 left, got %d", tm.Remaining())
	}
}

func TestNavigation_VisitedNeverShrinks(t *testing.T) {
	n := NewNavigation(threeQuestions())

	if err := n.Previous(); err != nil {
		t.Fatalf("previous at start: %v", err)
	}
	if n.Current() != 0 {
		t.Fatal("moved before the first question")
	}
	_ = n.Select(2)
	if err := n.Next(); err != nil || n.Current() != 2 {
		t.Fatalf("next at end moved or failed: %v", err)
	}
	_ = n.Previous()

	snap := n.Snapshot()
	want := []int{0, 1, 2}
	if len(snap.Visited) != len(want) {
		t.Fatalf("visited %v, want %v", snap.Visited, want)
	}
	for i := range want {
		if snap.Visited[i] != want[i] {
			t.Fatalf("visited %v, want %v", snap.Visited, want)
		}
	}
	if !snap.CanGoNext || !snap.CanGoPrevious {
		t.Fatalf("expected both directions open at 1: %+v", snap)
	}

	if err := n.Select(3); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestNavigation_MarksAndFreeze(t *testing.T) {
	n := NewNavigation(threeQuestions())

	_ = n.ToggleMark(1)
	_ = n.ToggleMark(2)
	_ = n.ToggleMark(1)
	if got := n.Snapshot().Marked; len(got) != 1 || got[0] != 2 {
		t.Fatalf("marked %v, want [2]", got)
	}

	_ = n.RecordAnswer("q1", 2)
	_ = n.RecordAnswer("q1", 3)
	if n.Answers()["q1"] != 3 {
		t.Fatal("last write did not win")
	}

	n.Freeze()
	for name, err := range map[string]error{
		"select": n.Select(1),
		"next":   n.Next(),
		"mark":   n.ToggleMark(0),
		"answer": n.RecordAnswer("q2", 0),
	} {
		if !errors.Is(err, ErrSessionFrozen) {
			t.Errorf("%s after freeze: got %v", name, err)
		}
	}
}

func TestMonitor_ResumeAtLimitSchedulesOnce(t *testing.T) {
	clock := newFakeClock()
	calls := 0
	m := NewMonitor(3, 3*time.Second, clock, func() { calls++ })

	m.Resume(5)
	m.Resume(5)
	if st, n := m.State(); st != MonitorTerminal || n != 3 {
		t.Fatalf("expected TERMINAL at 3, got %s %d", st, n)
	}
	clock.Advance(5 * time.Second)
	if calls != 1 {
		t.Fatalf("onTerminal ran %d times", calls)
	}
}

func TestMonitor_ClosedIgnoresSignals(t *testing.T) {
	m := NewMonitor(3, time.Second, newFakeClock(), nil)
	m.Close()
	if _, ok := m.Observe(Signal{Type: model.ViolationTabSwitch}); ok {
		t.Fatal("closed monitor counted a signal")
	}
}

func TestCoordinator_ForcedFailureStaysSubmitting(t *testing.T) {
	entered := 0
	fail := true
	c := NewCoordinator(uuid.New(), func(model.SubmitTrigger) { entered++ },
		func(_ context.Context, tr model.SubmitTrigger) (*Outcome, error) {
			if fail {
				return nil, errStoreDown
			}
			return &Outcome{Trigger: tr, Confirmed: true}, nil
		})

	out, err := c.Submit(context.Background(), model.TriggerViolation)
	if err == nil || out == nil || out.Confirmed {
		t.Fatalf("expected degraded outcome, got %+v %v", out, err)
	}
	if c.Phase() != PhaseSubmitting {
		t.Fatalf("expected SUBMITTING, got %s", c.Phase())
	}
	if _, err := c.Submit(context.Background(), model.TriggerUser); !errors.Is(err, ErrAlreadySubmitting) {
		t.Fatalf("expected ErrAlreadySubmitting, got %v", err)
	}

	fail = false
	if out, err := c.Submit(context.Background(), model.TriggerViolation); err != nil || !out.Confirmed {
		t.Fatalf("winner retry failed: %+v %v", out, err)
	}
	if entered != 1 {
		t.Fatalf("onEnter ran %d times", entered)
	}
	if c.Outcome() == nil {
		t.Fatal("outcome not kept")
	}
}
