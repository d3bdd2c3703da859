package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates exam attempt states.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
)

// SubmitTrigger identifies what moved an attempt into submission.
type SubmitTrigger string

const (
	TriggerUser      SubmitTrigger = "USER"
	TriggerTimer     SubmitTrigger = "TIMER"
	TriggerViolation SubmitTrigger = "VIOLATION"
)

// Forced reports whether the system, not the student, submitted.
func (t SubmitTrigger) Forced() bool {
	return t == TriggerTimer || t == TriggerViolation
}

// ExamAttempt is one student's single run through an exam. Once Status is
// COMPLETED the record is immutable.
type ExamAttempt struct {
	ID              uuid.UUID      `json:"id"`
	ExamID          uuid.UUID      `json:"exam_id"`
	UserID          string         `json:"user_id"`
	Status          AttemptStatus  `json:"status"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationSeconds int            `json:"duration_seconds"`
	Answers         map[string]int `json:"answers"`
	Violations      []Violation    `json:"violations"`
	SubmitTrigger   *SubmitTrigger `json:"submit_trigger,omitempty"`
	Score           *int           `json:"score,omitempty"`
	TotalMarks      *int           `json:"total_marks,omitempty"`
	Percentage      *int           `json:"percentage,omitempty"`
	Grade           *Grade         `json:"grade,omitempty"`
}

// Deadline is when the allotted time runs out.
func (a *ExamAttempt) Deadline() time.Time {
	return a.StartedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// RemainingSeconds returns the whole seconds left at now, never negative.
func (a *ExamAttempt) RemainingSeconds(now time.Time) int {
	left := a.Deadline().Sub(now)
	if left <= 0 {
		return 0
	}
	return int(left / time.Second)
}

// Completed reports whether the attempt has been finalized.
func (a *ExamAttempt) Completed() bool {
	return a.Status == AttemptStatusCompleted
}

// Complete fills the completion fields from a scoring result.
func (a *ExamAttempt) Complete(res Result, trigger SubmitTrigger, at time.Time) {
	a.Status = AttemptStatusCompleted
	a.CompletedAt = &at
	a.SubmitTrigger = &trigger
	a.Score = &res.Score
	a.TotalMarks = &res.TotalMarks
	a.Percentage = &res.Percentage
	a.Grade = &res.Grade
}

// AnswerWrite is one answer selection as it travels to durable storage.
// Seq orders writes to the same question; arrival order does not.
type AnswerWrite struct {
	QuestionID  string    `json:"q_id"`
	OptionIndex int       `json:"option"`
	Seq         uint64    `json:"seq"`
	WrittenAt   time.Time `json:"written_at"`
}

// StartAttemptResponse is returned when a student starts or resumes an attempt.
type StartAttemptResponse struct {
	Attempt *ExamAttempt `json:"attempt"`
	Paper   *ExamPaper   `json:"paper"`
	Resumed bool         `json:"resumed"`
}
