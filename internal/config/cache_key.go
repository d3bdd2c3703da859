package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// ExamQuestionsKey returns the cache key for an exam's normalized question set
func (r *CacheKeyStruct) ExamQuestionsKey(examID string) string {
	return fmt.Sprintf("exam:%s:questions", examID)
}

// AttemptAnswersKey returns the hash key holding an attempt's answers
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// AttemptViolationsKey returns the list key holding an attempt's recorded violations
func (r *CacheKeyStruct) AttemptViolationsKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:violations", attemptID)
}

// AttemptOwnerKey returns the key locking an attempt to a single live connection
func (r *CacheKeyStruct) AttemptOwnerKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:owner", attemptID)
}

// AttemptFinalizingKey marks an attempt whose submission was handed to the finalize worker
func (r *CacheKeyStruct) AttemptFinalizingKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:finalizing", attemptID)
}

// UserActiveAttemptKey returns the key of a user's in-progress attempt for an exam
func (r *CacheKeyStruct) UserActiveAttemptKey(userID, examID string) string {
	return fmt.Sprintf("user:%s:exam:%s:active_attempt", userID, examID)
}

// ExamMonitorChannel returns the Redis PubSub channel name for an exam monitor
func (r *CacheKeyStruct) ExamMonitorChannel(examID string) string {
	return fmt.Sprintf("exam:%s:monitor", examID)
}

var CacheKey = NewCacheKeyStruct()
