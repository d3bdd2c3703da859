package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/repository"
)

// SweepLimit caps how many expired attempts one sweep finalizes.
const SweepLimit = 100

// Finalizer completes attempts without a live session.
type Finalizer interface {
	Finalize(ctx context.Context, attemptID uuid.UUID, trigger model.SubmitTrigger) error
	SweepExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// FinalizeWorker completes attempts whose live submission could not be
// confirmed, and attempts whose deadline passed while nobody was connected.
type FinalizeWorker struct {
	finalizer Finalizer
	rdb       *redis.Client
	sweep     time.Duration
	log       zerolog.Logger
}

func NewFinalizeWorker(finalizer Finalizer, rdb *redis.Client, sweep time.Duration, log zerolog.Logger) *FinalizeWorker {
	return &FinalizeWorker{
		finalizer: finalizer,
		rdb:       rdb,
		sweep:     sweep,
		log:       log.With().Str("component", "finalize_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop
// ----------------------------------------------------------------

func (w *FinalizeWorker) Start(ctx context.Context) {
	w.log.Info().Msg("FinalizeWorker started")

	var wg sync.WaitGroup
	if w.sweep > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.sweepLoop(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			w.log.Info().Msg("FinalizeWorker stopped")
			return
		default:
		}

		item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.FinalizeAttemptsQueue).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error, sleeping 3s")
				time.Sleep(3 * time.Second)
			}
			continue
		}
		if len(item) < 2 {
			continue
		}

		var job repository.FinalizeJob
		if err := json.Unmarshal([]byte(item[1]), &job); err != nil {
			w.log.Error().Err(err).Str("data", item[1]).Msg("Discarding malformed JSON")
			continue
		}
		w.process(ctx, &job)
	}
}

func (w *FinalizeWorker) process(ctx context.Context, job *repository.FinalizeJob) {
	id, err := uuid.Parse(job.AttemptID)
	if err != nil {
		w.log.Error().Str("attempt_id", job.AttemptID).Msg("Dropping finalize job with invalid attempt id")
		return
	}

	// A shutdown mid-job still gets a chance to write the result.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.finalizer.Finalize(jobCtx, id, job.Trigger); err != nil {
		// A missing attempt never appears on retry.
		if errors.Is(err, pgx.ErrNoRows) {
			w.log.Error().Err(err).Str("attempt_id", job.AttemptID).Msg("Dropping finalize job for unknown attempt")
			return
		}
		w.log.Error().Err(err).Str("attempt_id", job.AttemptID).Msg("Finalize failed, requeueing")
		requeue(jobCtx, w.rdb, w.log, config.WorkerKey.FinalizeAttemptsQueue, []*repository.FinalizeJob{job})
		return
	}
	w.log.Info().
		Str("attempt_id", job.AttemptID).
		Str("trigger", string(job.Trigger)).
		Msg("Attempt finalized")
}

// ----------------------------------------------------------------
// Expired attempt sweep
// ----------------------------------------------------------------

func (w *FinalizeWorker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := w.finalizer.SweepExpired(ctx, now.UTC(), SweepLimit)
			if err != nil {
				if ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Expired attempt sweep failed")
				}
				continue
			}
			if n > 0 {
				w.log.Info().Int("count", n).Msg("Finalized expired attempts")
			}
		}
	}
}
