// Package session runs one live exam attempt: the countdown, question
// navigation, proctoring violations and the single-winner submission.
//
// Every mutation is an explicit method call. Timer expiry and the
// violation grace delay arrive on other goroutines and funnel into the same
// Coordinator, whose first-trigger-wins rule resolves the races between
// them and a student's own submit.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/scoring"
)

// Config tunes the proctoring policy.
type Config struct {
	MaxViolations  int
	ViolationGrace time.Duration
}

// DefaultConfig is three strikes with a three second grace delay.
func DefaultConfig() Config {
	return Config{MaxViolations: 3, ViolationGrace: 3 * time.Second}
}

// Deps are the collaborators a session talks to. Answers and Attempts are
// required; the rest may be nil.
type Deps struct {
	Answers    AnswerStore
	Attempts   AttemptStore
	Violations ViolationSink
	Finalize   FinalizeQueue
	Results    ResultsPresenter
	Notifier   Notifier
	Clock      Clock
	Log        zerolog.Logger
}

// State is a full snapshot for a reloading client.
type State struct {
	AttemptID        string              `json:"attempt_id"`
	Phase            string              `json:"phase"`
	Trigger          model.SubmitTrigger `json:"trigger,omitempty"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Navigation       NavSnapshot         `json:"navigation"`
	Answers          map[string]int      `json:"answers"`
	Unsaved          []string            `json:"unsaved"`
	MonitorState     string              `json:"monitor_state"`
	ViolationCount   int                 `json:"violation_count"`
	MaxViolations    int                 `json:"max_violations"`
	Violations       []model.Violation   `json:"violations"`
}

// Session is one live attempt.
type Session struct {
	cfg       Config
	deps      Deps
	log       zerolog.Logger
	questions []model.Question

	nav     *Navigation
	timer   *Timer
	monitor *Monitor
	coord   *Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	// writes is held shared by answer writes and exclusively by finalize,
	// so scoring starts only after in-flight writes have landed.
	writes sync.RWMutex

	mu      sync.Mutex
	attempt *model.ExamAttempt
	pending map[string]model.AnswerWrite
	lastSeq uint64

	// unrecorded holds violations the sink refused; they are retried with
	// unsaved answers so a reconnect resumes the full count.
	unrecorded []model.ViolationEvent
}

// New builds a session over an in-progress attempt and its normalized
// questions. Call Start to resume persisted state and start the timer.
func New(attempt *model.ExamAttempt, questions []model.Question, cfg Config, deps Deps) (*Session, error) {
	if attempt == nil {
		return nil, errors.New("attempt is required")
	}
	if attempt.Completed() {
		return nil, ErrAlreadySubmitted
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}
	if deps.Answers == nil || deps.Attempts == nil {
		return nil, errors.New("answer and attempt stores are required")
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultConfig().MaxViolations
	}

	a := *attempt
	a.Violations = append([]model.Violation(nil), attempt.Violations...)

	s := &Session{
		cfg:       cfg,
		deps:      deps,
		questions: questions,
		attempt:   &a,
		pending:   make(map[string]model.AnswerWrite),
		log: deps.Log.With().
			Str("attempt_id", a.ID.String()).
			Str("exam_id", a.ExamID.String()).
			Logger(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.nav = NewNavigation(questions)
	s.timer = NewTimer(deps.Clock, s.onExpire)
	s.monitor = NewMonitor(cfg.MaxViolations, cfg.ViolationGrace, deps.Clock, func() {
		s.autoSubmit(model.TriggerViolation)
	})
	s.coord = NewCoordinator(a.ID, s.enterSubmitting, s.finalize)
	return s, nil
}

// Start restores persisted answers and violations and starts the
// countdown from the attempt's deadline. An attempt already past its
// deadline is submitted at once.
func (s *Session) Start(ctx context.Context) error {
	answers, err := s.deps.Answers.Load(ctx, s.attempt.ID)
	if err != nil {
		return &PersistenceError{Op: "load answers", Err: err}
	}
	if skipped := s.nav.Restore(answers); skipped > 0 {
		s.log.Warn().Int("skipped", skipped).Msg("Ignored stored answers outside the question set")
	}

	s.mu.Lock()
	violations := len(s.attempt.Violations)
	remaining := s.attempt.RemainingSeconds(s.deps.Clock.Now())
	s.mu.Unlock()

	s.monitor.Resume(violations)

	if remaining <= 0 {
		s.timer.Arm(0)
		s.log.Info().Msg("Attempt already past its deadline, submitting")
		go s.onExpire()
		return nil
	}

	s.timer.Start(s.ctx, remaining)
	s.log.Info().
		Int("remaining_seconds", remaining).
		Int("answers", len(answers)).
		Int("violations", violations).
		Msg("Session started")
	return nil
}

// Close detaches the session from its connection. A terminal violation
// count still forces submission so a disconnect cannot dodge it, and a
// submission left unfinished is handed to the finalize worker.
func (s *Session) Close(ctx context.Context) {
	if failed := s.flushViolations(ctx); failed > 0 {
		s.log.Error().Int("unrecorded", failed).Msg("Violations not recorded before close")
	}

	st, _ := s.monitor.State()
	switch phase := s.coord.Phase(); {
	case st == MonitorTerminal && phase == PhaseActive:
		_, err := s.Submit(ctx, model.TriggerViolation)
		if err != nil && !errors.Is(err, ErrAlreadySubmitting) && !errors.Is(err, ErrAlreadySubmitted) {
			s.log.Error().Err(err).Msg("Forced submission on close failed")
		}
	case phase == PhaseSubmitting:
		s.resolveSubmitting(ctx)
	}
	s.timer.Stop()
	s.cancel()
}

// resolveSubmitting retries a stalled submission once. If it still fails
// the attempt is queued for background finalization, so a reconnect can
// never reopen an attempt the student already submitted.
func (s *Session) resolveSubmitting(ctx context.Context) {
	trigger, _ := s.coord.Winner()
	_, err := s.Submit(ctx, trigger)
	if err == nil || errors.Is(err, ErrAlreadySubmitted) {
		return
	}
	// Forced triggers queue themselves when they fail.
	if trigger.Forced() && !errors.Is(err, ErrAlreadySubmitting) {
		return
	}
	if s.deps.Finalize == nil {
		s.log.Error().Err(err).Msg("Submission left unfinished and no finalize queue is configured")
		return
	}
	if qErr := s.deps.Finalize.EnqueueFinalize(context.WithoutCancel(ctx), s.attempt.ID, trigger); qErr != nil {
		s.log.Error().Err(qErr).Msg("CRITICAL: failed to queue background finalization")
		return
	}
	s.log.Warn().Err(err).Str("trigger", string(trigger)).Msg("Submission handed to background finalization")
}

// AttemptID returns the attempt's id.
func (s *Session) AttemptID() string { return s.attempt.ID.String() }

// Questions returns the normalized question set.
func (s *Session) Questions() []model.Question { return s.questions }

// Select makes index the current question.
func (s *Session) Select(ctx context.Context, index int) error {
	s.retryPending(ctx)
	return s.nav.Select(index)
}

// Next moves forward one question.
func (s *Session) Next(ctx context.Context) error {
	s.retryPending(ctx)
	return s.nav.Next()
}

// Previous moves back one question.
func (s *Session) Previous(ctx context.Context) error {
	s.retryPending(ctx)
	return s.nav.Previous()
}

// ToggleMark flips the review mark on index.
func (s *Session) ToggleMark(ctx context.Context, index int) error {
	s.retryPending(ctx)
	return s.nav.ToggleMark(index)
}

// Answer records a selection and writes it through to the AnswerStore.
// A failed write keeps the answer in memory as unsaved and returns a
// PersistenceError; it is retried on the next action and before scoring.
func (s *Session) Answer(ctx context.Context, questionID string, optionIndex int) error {
	s.retryPending(ctx)

	s.writes.RLock()
	defer s.writes.RUnlock()

	if err := s.nav.RecordAnswer(questionID, optionIndex); err != nil {
		return err
	}

	w := model.AnswerWrite{
		QuestionID:  questionID,
		OptionIndex: optionIndex,
		Seq:         s.nextSeq(),
		WrittenAt:   s.deps.Clock.Now().UTC(),
	}

	if err := s.deps.Answers.Save(ctx, s.attempt.ID, w); err != nil {
		s.markPending(w)
		s.log.Warn().Err(err).Str("q_id", questionID).Msg("Answer not saved, kept as pending")
		s.deps.Notifier.Notify(Event{
			Kind:       EventSaveFailed,
			AttemptID:  s.attempt.ID,
			QuestionID: questionID,
			Error:      err.Error(),
		})
		return &PersistenceError{Op: "save answer", Err: err}
	}

	s.clearPending(w)
	return nil
}

// ReportSignal feeds a full-screen or visibility signal to the monitor.
// It returns the recorded violation, or nil when the signal was not counted.
func (s *Session) ReportSignal(ctx context.Context, sig Signal) (*model.Violation, error) {
	if !sig.Type.Valid() {
		return nil, &ValidationError{Field: "type", Reason: "must be FULLSCREEN_EXIT or TAB_SWITCH"}
	}

	v, counted := s.monitor.Observe(sig)
	if !counted {
		return nil, nil
	}

	s.mu.Lock()
	s.attempt.Violations = append(s.attempt.Violations, v)
	count := len(s.attempt.Violations)
	ev := model.ViolationEvent{
		AttemptID: s.attempt.ID,
		ExamID:    s.attempt.ExamID,
		UserID:    s.attempt.UserID,
		Count:     count,
		Violation: v,
	}
	s.mu.Unlock()

	if s.deps.Violations != nil {
		if err := s.deps.Violations.Record(ctx, ev); err != nil {
			s.log.Warn().Err(err).Msg("Violation not recorded, will retry")
			s.mu.Lock()
			s.unrecorded = append(s.unrecorded, ev)
			s.mu.Unlock()
		}
	}

	s.log.Info().
		Str("type", string(v.Type)).
		Int("count", count).
		Msg("Proctoring violation")

	s.deps.Notifier.Notify(Event{
		Kind:      EventViolation,
		AttemptID: s.attempt.ID,
		Violation: &v,
		Count:     count,
		Max:       s.monitor.Max(),
	})
	return &v, nil
}

// Submit runs the submission for trigger. Duplicate triggers return
// ErrAlreadySubmitting or ErrAlreadySubmitted and change nothing.
func (s *Session) Submit(ctx context.Context, trigger model.SubmitTrigger) (*Outcome, error) {
	out, err := s.coord.Submit(ctx, trigger)
	switch {
	case err == nil:
		s.log.Info().
			Str("trigger", string(trigger)).
			Int("score", out.Result.Score).
			Int("percentage", out.Result.Percentage).
			Str("grade", string(out.Result.Grade)).
			Msg("Attempt submitted and graded")
		s.deps.Notifier.Notify(Event{Kind: EventGraded, AttemptID: s.attempt.ID, Trigger: trigger, Result: out.Result})
		if s.deps.Results != nil {
			s.deps.Results.Present(ctx, out.Attempt)
		}
		return out, nil

	case errors.Is(err, ErrAlreadySubmitting), errors.Is(err, ErrAlreadySubmitted):
		return nil, err

	case trigger.Forced():
		s.log.Error().Err(err).Str("trigger", string(trigger)).Msg("Forced submission not finalized, exiting without confirmed score")
		if s.deps.Finalize != nil {
			if qErr := s.deps.Finalize.EnqueueFinalize(context.WithoutCancel(ctx), s.attempt.ID, trigger); qErr != nil {
				s.log.Error().Err(qErr).Msg("CRITICAL: failed to queue background finalization")
			}
		}
		s.deps.Notifier.Notify(Event{Kind: EventForcedExit, AttemptID: s.attempt.ID, Trigger: trigger, Error: err.Error()})
		return out, err

	default:
		s.log.Warn().Err(err).Msg("Submission failed, retry allowed")
		return nil, err
	}
}

// Phase returns the submission phase.
func (s *Session) Phase() Phase { return s.coord.Phase() }

// Remaining returns the seconds left on the timer.
func (s *Session) Remaining() int { return s.timer.Remaining() }

// State returns a snapshot of the whole session.
func (s *Session) State() State {
	monState, count := s.monitor.State()

	s.mu.Lock()
	unsaved := make([]string, 0, len(s.pending))
	for qid := range s.pending {
		unsaved = append(unsaved, qid)
	}
	violations := append([]model.Violation(nil), s.attempt.Violations...)
	s.mu.Unlock()
	sort.Strings(unsaved)

	st := State{
		AttemptID:        s.attempt.ID.String(),
		Phase:            s.coord.Phase().String(),
		RemainingSeconds: s.timer.Remaining(),
		Navigation:       s.nav.Snapshot(),
		Answers:          s.nav.Answers(),
		Unsaved:          unsaved,
		MonitorState:     monState.String(),
		ViolationCount:   count,
		MaxViolations:    s.monitor.Max(),
		Violations:       violations,
	}
	if t, ok := s.coord.Winner(); ok {
		st.Trigger = t
	}
	return st
}

func (s *Session) onExpire() {
	s.deps.Notifier.Notify(Event{Kind: EventExpired, AttemptID: s.attempt.ID, Trigger: model.TriggerTimer})
	s.autoSubmit(model.TriggerTimer)
}

func (s *Session) autoSubmit(trigger model.SubmitTrigger) {
	// Forced submissions outlive the connection that caused them.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 15*time.Second)
	defer cancel()
	_, _ = s.Submit(ctx, trigger)
}

// enterSubmitting runs once, when the first trigger wins.
func (s *Session) enterSubmitting(trigger model.SubmitTrigger) {
	s.timer.Stop()
	s.nav.Freeze()
	s.monitor.Close()
	s.deps.Notifier.Notify(Event{Kind: EventSubmitting, AttemptID: s.attempt.ID, Trigger: trigger})
}

// finalize scores persisted answers, not in-memory ones, so a reloaded
// session grades exactly what was saved.
func (s *Session) finalize(ctx context.Context, trigger model.SubmitTrigger) (*Outcome, error) {
	// Barrier: wait for answer writes admitted before the freeze.
	s.writes.Lock()
	s.writes.Unlock()

	s.flushViolations(ctx)
	if failed := s.flushPending(ctx); failed > 0 {
		if !trigger.Forced() {
			return nil, &PersistenceError{Op: "flush answers", Err: errors.New("some answers are still unsaved")}
		}
		s.log.Warn().Int("unsaved", failed).Msg("Forced submission drops unsaved answers")
	}

	stored, err := s.deps.Answers.Load(ctx, s.attempt.ID)
	if err != nil {
		return nil, &PersistenceError{Op: "load answers", Err: err}
	}

	answers := make(map[string]int, len(stored))
	for _, q := range s.questions {
		if opt, ok := stored[q.ID]; ok {
			answers[q.ID] = opt
		}
	}
	res := scoring.Score(s.questions, answers)

	s.mu.Lock()
	final := *s.attempt
	final.Violations = append([]model.Violation(nil), s.attempt.Violations...)
	s.mu.Unlock()

	final.Answers = answers
	final.Complete(res, trigger, s.deps.Clock.Now().UTC())

	if err := s.deps.Attempts.Complete(ctx, &final); err != nil {
		return nil, &PersistenceError{Op: "complete attempt", Err: err}
	}

	s.mu.Lock()
	s.attempt = &final
	s.mu.Unlock()

	return &Outcome{
		AttemptID: final.ID,
		Trigger:   trigger,
		Confirmed: true,
		Result:    &res,
		Attempt:   &final,
	}, nil
}

// nextSeq returns a strictly increasing logical timestamp seeded from the
// wall clock, so a reloaded session keeps ordering after its predecessor.
func (s *Session) nextSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(s.deps.Clock.Now().UnixNano())
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Session) markPending(w model.AnswerWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[w.QuestionID]; !ok || cur.Seq < w.Seq {
		s.pending[w.QuestionID] = w
	}
}

func (s *Session) clearPending(w model.AnswerWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pending[w.QuestionID]; ok && cur.Seq <= w.Seq {
		delete(s.pending, w.QuestionID)
	}
}

// retryPending makes a best-effort pass over unsaved answers before a
// user action.
func (s *Session) retryPending(ctx context.Context) {
	s.writes.RLock()
	defer s.writes.RUnlock()
	s.flushPending(ctx)
	s.flushViolations(ctx)
}

// flushViolations retries every unrecorded violation in order and returns
// how many still fail.
func (s *Session) flushViolations(ctx context.Context) int {
	s.mu.Lock()
	batch := s.unrecorded
	s.unrecorded = nil
	s.mu.Unlock()
	if len(batch) == 0 || s.deps.Violations == nil {
		return 0
	}

	var failed []model.ViolationEvent
	for i, ev := range batch {
		if err := s.deps.Violations.Record(ctx, ev); err != nil {
			// Keep the rest in order behind the first failure.
			failed = batch[i:]
			break
		}
	}
	if len(failed) == 0 {
		s.log.Info().Int("recorded", len(batch)).Msg("Retried unrecorded violations")
		return 0
	}

	s.mu.Lock()
	s.unrecorded = append(append([]model.ViolationEvent(nil), failed...), s.unrecorded...)
	s.mu.Unlock()
	return len(failed)
}

// flushPending retries every unsaved answer and returns how many still fail.
func (s *Session) flushPending(ctx context.Context) int {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return 0
	}
	batch := make([]model.AnswerWrite, 0, len(s.pending))
	for _, w := range s.pending {
		batch = append(batch, w)
	}
	s.mu.Unlock()

	failed := 0
	for _, w := range batch {
		if err := s.deps.Answers.Save(ctx, s.attempt.ID, w); err != nil {
			failed++
			continue
		}
		s.clearPending(w)
	}
	if failed < len(batch) {
		s.log.Info().Int("saved", len(batch)-failed).Int("still_pending", failed).Msg("Retried pending answers")
	}
	return failed
}
