package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/normalize"
	"github.com/stemsi/exstem-session/internal/session"
)

// QuestionSource reads stored questions before normalization.
type QuestionSource interface {
	ListRawByExam(ctx context.Context, examID uuid.UUID) ([]model.RawQuestion, error)
}

// QuestionSetService loads an exam's normalized question set, caching it in
// Redis so every attempt start does not re-read and re-normalize the rows.
type QuestionSetService struct {
	source QuestionSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
}

// NewQuestionSetService creates a new QuestionSetService.
func NewQuestionSetService(source QuestionSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *QuestionSetService {
	return &QuestionSetService{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "question_set_service").Logger(),
	}
}

// Load returns the normalized questions for examID. It returns
// session.ErrNoQuestions when the exam has none.
func (s *QuestionSetService) Load(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	key := config.CacheKey.ExamQuestionsKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var questions []model.Question
		if jsonErr := json.Unmarshal(data, &questions); jsonErr == nil && len(questions) > 0 {
			return questions, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Discarding unreadable cached question set")
	case !errors.Is(err, redis.Nil):
		// Redis trouble should not block an exam; fall through to Postgres.
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Question cache unavailable")
	}

	return s.Warm(ctx, examID)
}

// Warm reads, normalizes and caches the question set for examID.
func (s *QuestionSetService) Warm(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	raw, err := s.source.ListRawByExam(ctx, examID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	questions, warnings, err := normalize.Questions(raw)
	if errors.Is(err, normalize.ErrNoQuestions) {
		return nil, session.ErrNoQuestions
	}
	if err != nil {
		return nil, fmt.Errorf("normalize questions: %w", err)
	}
	for _, w := range warnings {
		s.log.Warn().
			Str("exam_id", examID.String()).
			Int("position", w.Position).
			Str("q_id", w.QuestionID).
			Str("field", w.Field).
			Msg(w.Reason)
	}

	payload, err := json.Marshal(questions)
	if err != nil {
		return nil, fmt.Errorf("encode questions: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamQuestionsKey(examID.String()), payload, s.ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to cache question set")
	}

	return questions, nil
}

// Invalidate drops the cached question set so the next Load re-reads it.
func (s *QuestionSetService) Invalidate(ctx context.Context, examID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.ExamQuestionsKey(examID.String())).Err()
}

// Prewarm loads every listed exam into the cache before traffic arrives.
func (s *QuestionSetService) Prewarm(ctx context.Context, examIDs []uuid.UUID) {
	if len(examIDs) == 0 {
		s.log.Info().Msg("No published exams to prewarm")
		return
	}

	s.log.Info().Int("count", len(examIDs)).Msg("Prewarming question sets...")

	warmed := 0
	for _, id := range examIDs {
		if _, err := s.Warm(ctx, id); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", id.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", len(examIDs)).
		Msg("Prewarming complete")
}

// Paper builds the student-facing paper, without the answer key.
func Paper(exam *model.Exam, questions []model.Question) *model.ExamPaper {
	paper := &model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationSeconds: exam.DurationSeconds,
		Questions:       make([]model.QuestionForStudent, len(questions)),
	}
	for i, q := range questions {
		paper.Questions[i] = q.ForStudent()
	}
	return paper
}
