package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

func startedHarness(t *testing.T, durationSeconds int) *harness {
	t.Helper()
	h, err := newHarness(durationSeconds)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return h
}

func TestSession_FullRun(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	s := h.session

	if err := s.Answer(ctx, "q1", 1); err != nil {
		t.Fatalf("answer q1: %v", err)
	}
	if err := s.Next(ctx); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := s.Answer(ctx, "q2", 3); err != nil {
		t.Fatalf("answer q2: %v", err)
	}

	out, err := s.Submit(ctx, model.TriggerUser)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !out.Confirmed {
		t.Fatal("expected confirmed outcome")
	}
	if out.Result.Score != 4 || out.Result.TotalMarks != 12 || out.Result.Percentage != 33 || out.Result.Grade != model.GradeF {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
	if out.Attempt.Status != model.AttemptStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", out.Attempt.Status)
	}
	if *out.Attempt.SubmitTrigger != model.TriggerUser {
		t.Fatalf("expected USER trigger, got %s", *out.Attempt.SubmitTrigger)
	}
	if s.timer.Running() {
		t.Fatal("timer still running after submit")
	}
	if err := s.Answer(ctx, "q3", 1); !errors.Is(err, ErrSessionFrozen) {
		t.Fatalf("expected ErrSessionFrozen after submit, got %v", err)
	}
	if s.Phase() != PhaseSubmitted {
		t.Fatalf("expected SUBMITTED, got %s", s.Phase())
	}
	if h.events.kinds(EventGraded) != 1 {
		t.Fatal("expected one graded event")
	}
}

func TestSession_TimerExpirySubmitsOnce(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 5)

	if err := h.session.Answer(ctx, "q1", 1); err != nil {
		t.Fatalf("answer: %v", err)
	}

	h.clock.Advance(4 * time.Second)
	if h.session.Remaining() != 1 {
		t.Fatalf("expected 1 second left, got %d", h.session.Remaining())
	}
	if h.attempts.count() != 0 {
		t.Fatal("submitted before expiry")
	}

	h.clock.Advance(10 * time.Second)
	if h.attempts.count() != 1 {
		t.Fatalf("expected exactly one completion, got %d", h.attempts.count())
	}
	if h.events.kinds(EventExpired) != 1 {
		t.Fatalf("expected one expired event, got %d", h.events.kinds(EventExpired))
	}
	trigger, _ := h.session.coord.Winner()
	if trigger != model.TriggerTimer {
		t.Fatalf("expected TIMER winner, got %s", trigger)
	}
	if _, err := h.session.Submit(ctx, model.TriggerUser); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSession_ViolationCapForcesOneSubmission(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	s := h.session

	for i := 0; i < 2; i++ {
		v, err := s.ReportSignal(ctx, Signal{Type: model.ViolationTabSwitch})
		if err != nil || v == nil {
			t.Fatalf("signal %d: v=%v err=%v", i, v, err)
		}
	}

	// An embedded video going full screen is not a violation.
	if v, _ := s.ReportSignal(ctx, Signal{Type: model.ViolationFullscreenExit, FullscreenElement: "VIDEO"}); v != nil {
		t.Fatal("video full screen counted as a violation")
	}

	v, err := s.ReportSignal(ctx, Signal{Type: model.ViolationFullscreenExit})
	if err != nil || v == nil {
		t.Fatalf("third signal: v=%v err=%v", v, err)
	}
	if v.Description != "Exited full screen mode (warning 3 of 3)" {
		t.Fatalf("unexpected description %q", v.Description)
	}

	// Signals past the cap are ignored.
	if v, _ := s.ReportSignal(ctx, Signal{Type: model.ViolationTabSwitch}); v != nil {
		t.Fatal("fourth signal counted")
	}
	if st, n := s.monitor.State(); st != MonitorTerminal || n != 3 {
		t.Fatalf("expected TERMINAL with 3, got %s with %d", st, n)
	}
	if h.attempts.count() != 0 {
		t.Fatal("submitted before the grace delay")
	}

	h.clock.Advance(3 * time.Second)
	if h.attempts.count() != 1 {
		t.Fatalf("expected one forced submission, got %d", h.attempts.count())
	}
	final := h.attempts.completed[0]
	if *final.SubmitTrigger != model.TriggerViolation {
		t.Fatalf("expected VIOLATION trigger, got %s", *final.SubmitTrigger)
	}
	if len(final.Violations) != 3 {
		t.Fatalf("expected 3 violations on the record, got %d", len(final.Violations))
	}
	if len(h.violations.events) != 3 {
		t.Fatalf("expected 3 queued violations, got %d", len(h.violations.events))
	}

	h.clock.Advance(10 * time.Second)
	if h.attempts.count() != 1 {
		t.Fatal("forced submission ran twice")
	}
}

func TestSession_UserSubmitCancelsPendingViolationSubmit(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	s := h.session

	for i := 0; i < 3; i++ {
		if _, err := s.ReportSignal(ctx, Signal{Type: model.ViolationTabSwitch}); err != nil {
			t.Fatalf("signal: %v", err)
		}
	}
	if _, err := s.Submit(ctx, model.TriggerUser); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.clock.pendingTimers() != 0 {
		t.Fatal("forced submission still scheduled")
	}
	h.clock.Advance(5 * time.Second)
	if h.attempts.count() != 1 {
		t.Fatalf("expected one completion, got %d", h.attempts.count())
	}
}

func TestSession_ConcurrentTriggersHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)

	triggers := []model.SubmitTrigger{model.TriggerUser, model.TriggerTimer, model.TriggerViolation}
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(tr model.SubmitTrigger) {
			defer wg.Done()
			if _, err := h.session.Submit(ctx, tr); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(triggers[i%len(triggers)])
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected one winning submission, got %d", wins)
	}
	if h.attempts.count() != 1 {
		t.Fatalf("expected one completion, got %d", h.attempts.count())
	}
	if h.events.kinds(EventSubmitting) != 1 {
		t.Fatalf("expected one submitting event, got %d", h.events.kinds(EventSubmitting))
	}
}

func TestSession_UserSubmitFailureStaysSubmittingAndRetries(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	h.attempts.failures = 1

	if _, err := h.session.Submit(ctx, model.TriggerUser); !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if h.session.Phase() != PhaseSubmitting {
		t.Fatalf("expected SUBMITTING after failure, got %s", h.session.Phase())
	}
	if err := h.session.Select(ctx, 1); !errors.Is(err, ErrSessionFrozen) {
		t.Fatalf("expected frozen navigation, got %v", err)
	}
	if _, err := h.session.Submit(ctx, model.TriggerTimer); !errors.Is(err, ErrAlreadySubmitting) {
		t.Fatalf("expected other trigger to be a no-op, got %v", err)
	}

	out, err := h.session.Submit(ctx, model.TriggerUser)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !out.Confirmed || h.session.Phase() != PhaseSubmitted {
		t.Fatal("retry did not finalize")
	}
}

func TestSession_CloseRetriesStalledUserSubmit(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	h.attempts.failures = 1

	if _, err := h.session.Submit(ctx, model.TriggerUser); !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	h.session.Close(ctx)

	if h.session.Phase() != PhaseSubmitted || h.attempts.count() != 1 {
		t.Fatalf("phase = %s, completed = %d", h.session.Phase(), h.attempts.count())
	}
	if len(h.finalize.jobs) != 0 {
		t.Fatalf("unexpected finalize jobs %v", h.finalize.jobs)
	}
}

func TestSession_CloseQueuesStalledUserSubmit(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	h.attempts.failures = 2

	if _, err := h.session.Submit(ctx, model.TriggerUser); !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	h.session.Close(ctx)

	if h.session.Phase() != PhaseSubmitting {
		t.Fatalf("phase = %s, want SUBMITTING", h.session.Phase())
	}
	if h.attempts.count() != 0 {
		t.Fatal("attempt completed despite store failures")
	}
	if len(h.finalize.jobs) != 1 || h.finalize.jobs[0] != model.TriggerUser {
		t.Fatalf("expected a queued USER finalization, got %v", h.finalize.jobs)
	}
	if err := h.session.Answer(ctx, "q2", 0); !errors.Is(err, ErrSessionFrozen) {
		t.Fatalf("expected frozen session, got %v", err)
	}
}

func TestSession_CloseLeavesActiveSessionAlone(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)

	h.session.Close(ctx)

	if h.session.Phase() != PhaseActive || len(h.finalize.jobs) != 0 || h.attempts.count() != 0 {
		t.Fatalf("close of an active session submitted: phase=%s jobs=%v", h.session.Phase(), h.finalize.jobs)
	}
}

func TestSession_UnrecordedViolationIsRetried(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	s := h.session

	h.violations.setFailing(true)
	if v, err := s.ReportSignal(ctx, Signal{Type: model.ViolationTabSwitch}); err != nil || v == nil {
		t.Fatalf("ReportSignal: %v, %v", v, err)
	}
	if v, err := s.ReportSignal(ctx, Signal{Type: model.ViolationFullscreenExit}); err != nil || v == nil {
		t.Fatalf("ReportSignal: %v, %v", v, err)
	}
	if got := h.violations.counts(); len(got) != 0 {
		t.Fatalf("recorded while failing: %v", got)
	}

	// The next user action retries both, in order.
	h.violations.setFailing(false)
	if err := s.Select(ctx, 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	got := h.violations.counts()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("recorded counts = %v, want [1 2]", got)
	}

	if err := s.Select(ctx, 2); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if n := len(h.violations.counts()); n != 2 {
		t.Fatalf("violations recorded twice: %d", n)
	}
}

func TestSession_CloseRecordsPendingViolations(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)

	h.violations.setFailing(true)
	if _, err := h.session.ReportSignal(ctx, Signal{Type: model.ViolationTabSwitch}); err != nil {
		t.Fatalf("ReportSignal: %v", err)
	}
	h.violations.setFailing(false)
	h.session.Close(ctx)

	if got := h.violations.counts(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("recorded counts = %v, want [1]", got)
	}
}

func TestSession_ForcedSubmitFailureDegrades(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)
	h.attempts.failures = 1

	out, err := h.session.Submit(ctx, model.TriggerTimer)
	if err == nil {
		t.Fatal("expected error")
	}
	if out == nil || out.Confirmed {
		t.Fatalf("expected unconfirmed outcome, got %+v", out)
	}
	if len(h.finalize.jobs) != 1 || h.finalize.jobs[0] != model.TriggerTimer {
		t.Fatalf("expected a queued TIMER finalization, got %v", h.finalize.jobs)
	}
	if h.events.kinds(EventForcedExit) != 1 {
		t.Fatal("expected forced_exit event")
	}
}

func TestSession_UnsavedAnswerIsRetried(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)

	h.answers.setFailing(true)
	if err := h.session.Answer(ctx, "q1", 1); !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if got := h.session.State().Unsaved; len(got) != 1 || got[0] != "q1" {
		t.Fatalf("expected q1 unsaved, got %v", got)
	}
	if h.events.kinds(EventSaveFailed) != 1 {
		t.Fatal("expected save_failed event")
	}

	// A user submit refuses to score while answers are unsaved.
	if _, err := h.session.Submit(ctx, model.TriggerUser); !IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}

	h.answers.setFailing(false)
	out, err := h.session.Submit(ctx, model.TriggerUser)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Result.Score != 4 {
		t.Fatalf("expected retried answer to score, got %d", out.Result.Score)
	}
}

func TestSession_ResumeRestoresAnswersAndViolations(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	answers := newMemAnswers()
	_ = answers.Save(ctx, uuid.Nil, model.AnswerWrite{QuestionID: "q2", OptionIndex: 0, Seq: 1})
	_ = answers.Save(ctx, uuid.Nil, model.AnswerWrite{QuestionID: "gone", OptionIndex: 0, Seq: 1})

	attempt := &model.ExamAttempt{
		Status:          model.AttemptStatusInProgress,
		StartedAt:       clock.Now().Add(-100 * time.Second),
		DurationSeconds: 600,
		Violations: []model.Violation{
			{Type: model.ViolationTabSwitch},
			{Type: model.ViolationTabSwitch},
		},
	}
	s, err := New(attempt, threeQuestions(), DefaultConfig(), Deps{
		Answers:  answers,
		Attempts: &memAttempts{},
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := s.State()
	if st.RemainingSeconds != 500 {
		t.Fatalf("expected 500 seconds left, got %d", st.RemainingSeconds)
	}
	if len(st.Answers) != 1 || st.Answers["q2"] != 0 {
		t.Fatalf("unexpected restored answers %v", st.Answers)
	}
	if st.ViolationCount != 2 || st.MonitorState != "WARNED" {
		t.Fatalf("expected 2 violations WARNED, got %d %s", st.ViolationCount, st.MonitorState)
	}
}

func TestNew_Rejects(t *testing.T) {
	deps := Deps{Answers: newMemAnswers(), Attempts: &memAttempts{}}

	if _, err := New(&model.ExamAttempt{}, nil, DefaultConfig(), deps); !errors.Is(err, ErrNoQuestions) {
		t.Fatalf("expected ErrNoQuestions, got %v", err)
	}
	done := &model.ExamAttempt{Status: model.AttemptStatusCompleted}
	if _, err := New(done, threeQuestions(), DefaultConfig(), deps); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("expected ErrAlreadySubmitted, got %v", err)
	}
}

func TestSession_AnswerValidation(t *testing.T) {
	ctx := context.Background()
	h := startedHarness(t, 600)

	if err := h.session.Answer(ctx, "nope", 0); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown id, got %v", err)
	}
	if err := h.session.Answer(ctx, "q1", 4); !IsValidation(err) {
		t.Fatalf("expected validation error for option 4, got %v", err)
	}
	if _, err := h.session.ReportSignal(ctx, Signal{Type: "BLUR"}); !IsValidation(err) {
		t.Fatalf("expected validation error for signal type, got %v", err)
	}
}

func TestSession_SeqIsMonotonic(t *testing.T) {
	h := startedHarness(t, 600)
	prev := h.session.nextSeq()
	for i := 0; i < 100; i++ {
		next := h.session.nextSeq()
		if next <= prev {
			t.Fatalf("seq went from %d to %d", prev, next)
		}
		prev = next
	}
}
