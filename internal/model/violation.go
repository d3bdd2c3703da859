package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationType names a proctoring breach.
type ViolationType string

const (
	ViolationFullscreenExit ViolationType = "FULLSCREEN_EXIT"
	ViolationTabSwitch      ViolationType = "TAB_SWITCH"
)

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	return t == ViolationFullscreenExit || t == ViolationTabSwitch
}

// Violation is a recorded proctoring breach.
type Violation struct {
	Type        ViolationType `json:"type"`
	Description string        `json:"description"`
	Timestamp   string        `json:"timestamp"`
}

// RecordedAt parses Timestamp, falling back to the zero time.
func (v Violation) RecordedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, v.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// ViolationEvent is a violation together with the attempt it belongs to,
// as it travels to the violation queue and the live monitor channel.
type ViolationEvent struct {
	AttemptID uuid.UUID `json:"attempt_id"`
	ExamID    uuid.UUID `json:"exam_id"`
	UserID    string    `json:"user_id"`
	Count     int       `json:"count"`
	Violation Violation `json:"violation"`
}
