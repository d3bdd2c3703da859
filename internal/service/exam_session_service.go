package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
	"github.com/stemsi/exstem-session/internal/scoring"
	"github.com/stemsi/exstem-session/internal/session"
)

// ExamSessionService owns the attempt lifecycle: starting attempts, opening
// live sessions under the attempt lock, and finalizing attempts whose live
// session is gone.
type ExamSessionService struct {
	examRepo      *repository.ExamRepository
	attemptRepo   *repository.AttemptRepository
	answerRepo    *repository.AnswerRepository
	violationRepo *repository.ViolationRepository
	lock          *repository.AttemptLock
	finalizeQueue *repository.FinalizeQueue
	questions     *QuestionSetService
	rdb           *redis.Client
	cfg           session.Config
	log           zerolog.Logger

	mu   sync.Mutex
	live map[uuid.UUID]*session.Session
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	examRepo *repository.ExamRepository,
	attemptRepo *repository.AttemptRepository,
	answerRepo *repository.AnswerRepository,
	violationRepo *repository.ViolationRepository,
	lock *repository.AttemptLock,
	finalizeQueue *repository.FinalizeQueue,
	questions *QuestionSetService,
	rdb *redis.Client,
	cfg *config.Config,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		examRepo:      examRepo,
		attemptRepo:   attemptRepo,
		answerRepo:    answerRepo,
		violationRepo: violationRepo,
		lock:          lock,
		finalizeQueue: finalizeQueue,
		questions:     questions,
		rdb:           rdb,
		cfg: session.Config{
			MaxViolations:  cfg.MaxViolations,
			ViolationGrace: cfg.ViolationGrace,
		},
		log:  log.With().Str("component", "exam_session_service").Logger(),
		live: make(map[uuid.UUID]*session.Session),
	}
}

// StartAttempt creates the user's attempt for an exam, or returns the one
// already in progress.
func (s *ExamSessionService) StartAttempt(ctx context.Context, examID uuid.UUID, userID string) (*model.StartAttemptResponse, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}
	if exam.Status != model.ExamStatusPublished {
		return nil, ErrExamNotAvailable
	}

	questions, err := s.questions.Load(ctx, examID)
	if err != nil {
		return nil, err
	}
	paper := Paper(exam, questions)

	existing, err := s.attemptRepo.GetByExamAndUser(ctx, examID, userID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}
	if existing != nil {
		if existing.Completed() {
			return nil, ErrAttemptCompleted
		}
		return &model.StartAttemptResponse{Attempt: existing, Paper: paper, Resumed: true}, nil
	}

	attempt := &model.ExamAttempt{
		ExamID:          examID,
		UserID:          userID,
		Status:          model.AttemptStatusInProgress,
		DurationSeconds: exam.DurationSeconds,
	}
	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("create attempt: %w", err)
		}
		// Concurrent start from another tab won the insert.
		existing, fetchErr := s.attemptRepo.GetByExamAndUser(ctx, examID, userID)
		if fetchErr != nil {
			return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
		}
		return &model.StartAttemptResponse{Attempt: existing, Paper: paper, Resumed: true}, nil
	}

	s.publish(ctx, examID, model.MonitorEvent{
		Type:      model.MonitorAttemptStarted,
		AttemptID: attempt.ID,
		UserID:    userID,
		At:        attempt.StartedAt,
	})

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Str("user_id", userID).
		Msg("Attempt started")

	return &model.StartAttemptResponse{Attempt: attempt, Paper: paper}, nil
}

// Open takes the attempt lock for token and starts a live session that
// pushes its events to notifier. The caller must Close it.
func (s *ExamSessionService) Open(ctx context.Context, attemptID uuid.UUID, userID, token string, notifier session.Notifier) (*session.Session, error) {
	attempt, err := s.ownedAttempt(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if attempt.Completed() {
		return nil, ErrAttemptCompleted
	}
	// A submission waiting on the finalize worker must not reopen for editing.
	finalizing, err := s.finalizeQueue.Pending(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("check finalize marker: %w", err)
	}
	if finalizing {
		return nil, session.ErrAlreadySubmitting
	}

	ok, err := s.lock.Acquire(ctx, attemptID.String(), token)
	if err != nil {
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}
	if !ok {
		return nil, ErrAttemptLocked
	}

	sess, err := s.openLocked(ctx, attempt, notifier)
	if err != nil {
		_ = s.lock.Release(context.WithoutCancel(ctx), attemptID.String(), token)
		return nil, err
	}

	s.mu.Lock()
	s.live[attemptID] = sess
	s.mu.Unlock()

	return sess, nil
}

func (s *ExamSessionService) openLocked(ctx context.Context, attempt *model.ExamAttempt, notifier session.Notifier) (*session.Session, error) {
	questions, err := s.questions.Load(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}

	violations, err := s.violationRepo.Load(ctx, attempt.ID)
	if err != nil {
		return nil, fmt.Errorf("load violations: %w", err)
	}
	attempt.Violations = violations

	sess, err := session.New(attempt, questions, s.cfg, session.Deps{
		Answers:    s.answerRepo,
		Attempts:   s.attemptRepo,
		Violations: s.violationRepo,
		Finalize:   s.finalizeQueue,
		Results:    s,
		Notifier:   notifier,
		Clock:      session.SystemClock(),
		Log:        s.log,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// LiveCount returns how many sessions this instance is running.
func (s *ExamSessionService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Heartbeat extends the attempt lock. It reports false once token has lost it.
func (s *ExamSessionService) Heartbeat(ctx context.Context, attemptID uuid.UUID, token string) (bool, error) {
	return s.lock.Refresh(ctx, attemptID.String(), token)
}

// Close ends a live session and frees the attempt for another connection.
func (s *ExamSessionService) Close(ctx context.Context, sess *session.Session, token string) {
	sess.Close(ctx)

	id, err := uuid.Parse(sess.AttemptID())
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.live[id] == sess {
		delete(s.live, id)
	}
	s.mu.Unlock()

	if err := s.lock.Release(ctx, id.String(), token); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id.String()).Msg("Failed to release attempt lock")
	}
}

// GetState returns the attempt's state for a reloading client. A live
// session on this instance answers directly; otherwise the state is rebuilt
// from storage.
func (s *ExamSessionService) GetState(ctx context.Context, attemptID uuid.UUID, userID string) (*session.State, error) {
	attempt, err := s.ownedAttempt(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	sess := s.live[attemptID]
	s.mu.Unlock()
	if sess != nil {
		st := sess.State()
		return &st, nil
	}

	questions, err := s.questions.Load(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}

	answers := attempt.Answers
	violations := attempt.Violations
	if !attempt.Completed() {
		if answers, err = s.answerRepo.Load(ctx, attemptID); err != nil {
			return nil, fmt.Errorf("load answers: %w", err)
		}
		if violations, err = s.violationRepo.Load(ctx, attemptID); err != nil {
			return nil, fmt.Errorf("load violations: %w", err)
		}
	}

	nav := session.NewNavigation(questions)
	nav.Restore(answers)

	st := &session.State{
		AttemptID:        attemptID.String(),
		Phase:            session.PhaseActive.String(),
		RemainingSeconds: attempt.RemainingSeconds(time.Now()),
		Navigation:       nav.Snapshot(),
		Answers:          nav.Answers(),
		Unsaved:          []string{},
		MonitorState:     session.MonitorNormal.String(),
		ViolationCount:   len(violations),
		MaxViolations:    s.cfg.MaxViolations,
		Violations:       violations,
	}
	switch {
	case len(violations) >= s.cfg.MaxViolations:
		st.MonitorState = session.MonitorTerminal.String()
	case len(violations) > 0:
		st.MonitorState = session.MonitorWarned.String()
	}
	if attempt.Completed() {
		st.Phase = session.PhaseSubmitted.String()
		st.RemainingSeconds = 0
		if attempt.SubmitTrigger != nil {
			st.Trigger = *attempt.SubmitTrigger
		}
	}
	return st, nil
}

// GetResult returns the results view of a completed attempt.
func (s *ExamSessionService) GetResult(ctx context.Context, attemptID uuid.UUID, userID string) (*model.ResultView, error) {
	attempt, err := s.ownedAttempt(ctx, attemptID, userID)
	if err != nil {
		return nil, err
	}
	if !attempt.Completed() {
		return nil, ErrAttemptNotCompleted
	}

	questions, err := s.questions.Load(ctx, attempt.ExamID)
	if err != nil {
		return nil, err
	}
	return BuildResultView(attempt, questions), nil
}

// BuildResultView pairs each question with the student's recorded answer.
func BuildResultView(attempt *model.ExamAttempt, questions []model.Question) *model.ResultView {
	view := &model.ResultView{
		Attempt:   attempt,
		Result:    scoring.Score(questions, attempt.Answers),
		Questions: make([]model.QuestionReview, len(questions)),
	}
	for i, q := range questions {
		review := model.QuestionReview{
			QuestionForStudent: q.ForStudent(),
			CorrectOptionIndex: q.CorrectOptionIndex,
		}
		if opt, ok := attempt.Answers[q.ID]; ok {
			review.Selected = &opt
			review.Correct = opt == q.CorrectOptionIndex
		}
		view.Questions[i] = review
	}
	return view
}

// Finalize completes an attempt from its persisted answers without a live
// session. Used by the finalize worker for degraded forced submissions and
// for attempts whose deadline passed while nobody was connected.
func (s *ExamSessionService) Finalize(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) error {
	attempt, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if attempt.Completed() {
		return nil
	}

	questions, err := s.questions.Load(ctx, attempt.ExamID)
	if err != nil {
		return err
	}
	stored, err := s.answerRepo.Load(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load answers: %w", err)
	}
	violations, err := s.violationRepo.Load(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("load violations: %w", err)
	}

	answers := make(map[string]int, len(stored))
	for _, q := range questions {
		if opt, ok := stored[q.ID]; ok {
			answers[q.ID] = opt
		}
	}

	attempt.Answers = answers
	attempt.Violations = violations
	attempt.Complete(scoring.Score(questions, answers), trigger, time.Now().UTC())

	if err := s.attemptRepo.Complete(ctx, attempt); err != nil {
		if errors.Is(err, repository.ErrAttemptNotInProgress) {
			return nil
		}
		return fmt.Errorf("complete attempt: %w", err)
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("trigger", string(trigger)).
		Int("score", *attempt.Score).
		Msg("Attempt finalized in background")

	s.Present(ctx, attempt)
	return nil
}

// SweepExpired finalizes up to limit in-progress attempts whose deadline
// passed before now. Attempts still held by a live connection are left to
// that connection's own timer.
func (s *ExamSessionService) SweepExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	expired, err := s.attemptRepo.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired attempts: %w", err)
	}

	finalized := 0
	for _, a := range expired {
		held, err := s.lock.Held(ctx, a.ID.String())
		if err != nil {
			s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to check attempt lock")
			continue
		}
		if held {
			continue
		}
		if err := s.Finalize(ctx, a.ID, model.TriggerTimer); err != nil {
			s.log.Error().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to finalize expired attempt")
			continue
		}
		finalized++
	}
	return finalized, nil
}

// Present announces a completed attempt to proctors and drops its hot state.
func (s *ExamSessionService) Present(ctx context.Context, attempt *model.ExamAttempt) {
	s.publish(ctx, attempt.ExamID, model.MonitorEvent{
		Type:      model.MonitorAttemptCompleted,
		AttemptID: attempt.ID,
		UserID:    attempt.UserID,
		At:        *attempt.CompletedAt,
		Trigger:   attempt.SubmitTrigger,
		Score:     attempt.Score,
		Grade:     attempt.Grade,
	})

	id := attempt.ID.String()
	if err := s.answerRepo.Clear(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to clear answer cache")
	}
	if err := s.violationRepo.Clear(ctx, id); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", id).Msg("Failed to clear violation cache")
	}
}

func (s *ExamSessionService) ownedAttempt(ctx context.Context, attemptID uuid.UUID, userID string) (*model.ExamAttempt, error) {
	attempt, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	// Someone else's attempt looks the same as a missing one.
	if attempt.UserID != userID {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

func (s *ExamSessionService) publish(ctx context.Context, examID uuid.UUID, ev model.MonitorEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(examID.String()), payload).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to publish monitor event")
	}
}
