package session

import (
	"context"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// AnswerStore persists answer selections keyed by attempt and question.
// Save must resolve writes to the same question by Seq, not arrival order.
type AnswerStore interface {
	Save(ctx context.Context, attemptID uuid.UUID, w model.AnswerWrite) error
	Load(ctx context.Context, attemptID uuid.UUID) (map[string]int, error)
}

// AttemptStore writes the finalized attempt. Complete must be a single
// atomic write that refuses an attempt already completed.
type AttemptStore interface {
	Complete(ctx context.Context, attempt *model.ExamAttempt) error
}

// ViolationSink receives each counted violation as it happens.
type ViolationSink interface {
	Record(ctx context.Context, ev model.ViolationEvent) error
}

// FinalizeQueue hands a forced submission that could not be finalized
// in-session to a background worker.
type FinalizeQueue interface {
	EnqueueFinalize(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) error
}

// ResultsPresenter is told about every finalized attempt.
type ResultsPresenter interface {
	Present(ctx context.Context, attempt *model.ExamAttempt)
}

// Notifier pushes session events to the connected client.
type Notifier interface {
	Notify(ev Event)
}

// EventKind names an event pushed to the client.
type EventKind string

const (
	EventViolation  EventKind = "violation"
	EventExpired    EventKind = "expired"
	EventSubmitting EventKind = "submitting"
	EventGraded     EventKind = "graded"
	EventForcedExit EventKind = "forced_exit"
	EventSaveFailed EventKind = "save_failed"
)

// Event is a server-initiated message about the session.
type Event struct {
	Kind       EventKind           `json:"event"`
	AttemptID  uuid.UUID           `json:"attempt_id"`
	Trigger    model.SubmitTrigger `json:"trigger,omitempty"`
	Violation  *model.Violation    `json:"violation,omitempty"`
	Count      int                 `json:"count,omitempty"`
	Max        int                 `json:"max,omitempty"`
	Result     *model.Result       `json:"result,omitempty"`
	QuestionID string              `json:"q_id,omitempty"`
	Error      string              `json:"error,omitempty"`
}

type nopNotifier struct{}

func (nopNotifier) Notify(Event) {}
