package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// MonitorService orchestrates live exam monitoring business logic.
type MonitorService struct {
	monitorRepo *repository.MonitorRepository
	examRepo    *repository.ExamRepository
	questions   *QuestionSetService
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitorRepo *repository.MonitorRepository, examRepo *repository.ExamRepository, questions *QuestionSetService) *MonitorService {
	return &MonitorService{monitorRepo: monitorRepo, examRepo: examRepo, questions: questions}
}

// MonitorExam is the exam header shown above the live monitor.
type MonitorExam struct {
	ID              uuid.UUID `json:"id"`
	Title           string    `json:"title"`
	DurationSeconds int       `json:"duration_seconds"`
	TotalQuestions  int       `json:"total_questions"`
}

// GetExam returns the monitor header for examID.
func (s *MonitorService) GetExam(ctx context.Context, examID uuid.UUID) (*MonitorExam, error) {
	exam, err := s.examRepo.GetByID(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	info := &MonitorExam{ID: exam.ID, Title: exam.Title, DurationSeconds: exam.DurationSeconds}
	// A draft exam may have no usable questions yet; the header still renders.
	if questions, err := s.questions.Load(ctx, examID); err == nil {
		info.TotalQuestions = len(questions)
	}
	return info, nil
}

// MonitorSnapshot is the proctor's view of every attempt on an exam.
type MonitorSnapshot struct {
	Attempts        []model.AttemptProgress `json:"attempts"`
	TotalInProgress int                     `json:"total_in_progress"`
	TotalCompleted  int                     `json:"total_completed"`
	TotalViolations int64                   `json:"total_violations"`
}

// GetSnapshot returns every attempt with its answered and violation counts.
// Answered counts come from the live Redis hashes; violation counts are
// best-effort.
func (s *MonitorService) GetSnapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	attempts, err := s.monitorRepo.ListAttempts(ctx, examID)
	if err != nil {
		return nil, err
	}

	inProgress := make([]uuid.UUID, 0, len(attempts))
	for _, a := range attempts {
		if a.Status == model.AttemptStatusInProgress {
			inProgress = append(inProgress, a.AttemptID)
		}
	}

	var (
		answeredCounts  map[uuid.UUID]int64
		violationCounts map[uuid.UUID]int64
		answeredErr     error
		violationErr    error
		wg              sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		answeredCounts, answeredErr = s.monitorRepo.GetLiveAnsweredCounts(ctx, inProgress)
	}()
	go func() {
		defer wg.Done()
		violationCounts, violationErr = s.monitorRepo.GetViolationCounts(ctx, examID)
	}()
	wg.Wait()

	if answeredErr != nil {
		return nil, answeredErr
	}

	snap := &MonitorSnapshot{Attempts: attempts}
	if snap.Attempts == nil {
		snap.Attempts = []model.AttemptProgress{}
	}
	for i := range snap.Attempts {
		a := &snap.Attempts[i]
		a.AnsweredCount = answeredCounts[a.AttemptID]
		if violationErr == nil {
			a.ViolationCount = violationCounts[a.AttemptID]
			snap.TotalViolations += a.ViolationCount
		}
		if a.Status == model.AttemptStatusCompleted {
			snap.TotalCompleted++
		} else {
			snap.TotalInProgress++
		}
	}
	return snap, nil
}
