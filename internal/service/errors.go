package service

import "errors"

// Exam session service errors.
var (
	ErrExamNotFound        = errors.New("exam not found")
	ErrExamNotAvailable    = errors.New("exam is not available")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrAttemptCompleted    = errors.New("attempt already completed")
	ErrAttemptNotCompleted = errors.New("attempt not completed yet")
	ErrAttemptLocked       = errors.New("attempt is open in another tab or device")
)
