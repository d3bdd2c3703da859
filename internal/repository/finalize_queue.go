package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// FinalizeJob asks the finalize worker to complete an attempt from its
// persisted answers.
type FinalizeJob struct {
	AttemptID string              `json:"attempt_id"`
	Trigger   model.SubmitTrigger `json:"trigger"`
}

// FinalizeQueue pushes finalize jobs onto the worker queue.
type FinalizeQueue struct {
	rdb *redis.Client
}

// NewFinalizeQueue creates a new FinalizeQueue.
func NewFinalizeQueue(rdb *redis.Client) *FinalizeQueue {
	return &FinalizeQueue{rdb: rdb}
}

// FinalizingTTL bounds how long a queued submission blocks reopening the
// attempt. The job completes the attempt long before it lapses.
const FinalizingTTL = 24 * time.Hour

// EnqueueFinalize queues a finalize job for attemptID and marks the attempt
// as finalizing.
func (q *FinalizeQueue) EnqueueFinalize(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) error {
	payload, err := json.Marshal(FinalizeJob{AttemptID: attemptID.String(), Trigger: trigger})
	if err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.AttemptFinalizingKey(attemptID.String()), string(trigger), FinalizingTTL)
	pipe.RPush(ctx, config.WorkerKey.FinalizeAttemptsQueue, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Pending reports whether attemptID has a submission waiting on the worker.
func (q *FinalizeQueue) Pending(ctx context.Context, attemptID uuid.UUID) (bool, error) {
	n, err := q.rdb.Exists(ctx, config.CacheKey.AttemptFinalizingKey(attemptID.String())).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
