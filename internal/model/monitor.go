package model

import (
	"time"

	"github.com/google/uuid"
)

// MonitorEventType names a message on an exam's live monitor channel.
type MonitorEventType string

const (
	MonitorAttemptStarted   MonitorEventType = "attempt_started"
	MonitorViolation        MonitorEventType = "violation"
	MonitorAttemptCompleted MonitorEventType = "attempt_completed"
)

// MonitorEvent is published for proctors watching an exam live.
type MonitorEvent struct {
	Type      MonitorEventType `json:"type"`
	AttemptID uuid.UUID        `json:"attempt_id"`
	UserID    string           `json:"user_id"`
	At        time.Time        `json:"at"`
	Count     int              `json:"count,omitempty"`
	Violation *Violation       `json:"violation,omitempty"`
	Trigger   *SubmitTrigger   `json:"trigger,omitempty"`
	Score     *int             `json:"score,omitempty"`
	Grade     *Grade           `json:"grade,omitempty"`
}

// AttemptProgress is one row of the monitor snapshot.
type AttemptProgress struct {
	AttemptID      uuid.UUID     `json:"attempt_id"`
	UserID         string        `json:"user_id"`
	Status         AttemptStatus `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	Score          *int          `json:"score,omitempty"`
	Grade          *Grade        `json:"grade,omitempty"`
	AnsweredCount  int64         `json:"answered_count"`
	ViolationCount int64         `json:"violation_count"`
}
