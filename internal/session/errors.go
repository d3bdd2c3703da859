package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNoQuestions is a fatal load error: an attempt cannot run without questions.
	ErrNoQuestions = errors.New("exam has no questions")
	// ErrSessionFrozen is returned for edits after submission has begun.
	ErrSessionFrozen = errors.New("session is frozen, submission in progress")
	// ErrAlreadySubmitting means another trigger won and is finalizing.
	ErrAlreadySubmitting = errors.New("submission already in progress")
	// ErrAlreadySubmitted means the attempt has been finalized.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
)

// ValidationError rejects a malformed request before any state changes.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a failed read or write against a storage collaborator.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsPersistence reports whether err is (or wraps) a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
