package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/repository"
)

const (
	AnswerBatchSize    = 100
	AnswerBatchTimeout = time.Second
)

// upsertAnswersSQL only replaces a stored answer with a newer seq, so
// requeued or reordered writes never roll an answer back.
const upsertAnswersSQL = `
	INSERT INTO attempt_answers (attempt_id, question_id, option_index, seq, written_at)
	SELECT u.attempt_id, u.question_id, u.option_index, u.seq, u.written_at
	FROM UNNEST(
		$1::uuid[],
		$2::text[],
		$3::int[],
		$4::numeric[],
		$5::timestamptz[]
	) AS u (attempt_id, question_id, option_index, seq, written_at)
	ON CONFLICT (attempt_id, question_id) DO UPDATE
	SET option_index = EXCLUDED.option_index,
	    seq = EXCLUDED.seq,
	    written_at = EXCLUDED.written_at
	WHERE attempt_answers.seq < EXCLUDED.seq
`

// AutosaveWorker consumes persist_answers_queue and UPSERTs answers to PostgreSQL.
type AutosaveWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	return &AutosaveWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "autosave_worker").Logger(),
	}
}

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	batch := make([]*repository.AnswerPayload, 0, AnswerBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= AnswerBatchSize || time.Since(lastFlush) >= AnswerBatchTimeout) {
			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(drainCtx, batch)
			w.drain(drainCtx)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error, sleeping 3s")
				time.Sleep(3 * time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var p repository.AnswerPayload
		if err := json.Unmarshal([]byte(result[1]), &p); err != nil {
			w.log.Error().Err(err).Str("data", result[1]).Msg("Discarding malformed JSON")
			continue
		}
		batch = append(batch, &p)
	}
}

func (w *AutosaveWorker) flushSafe(ctx context.Context, batch []*repository.AnswerPayload) {
	if len(batch) == 0 {
		return
	}

	rows := latestAnswers(batch)
	if err := w.bulkUpsert(ctx, rows); err != nil {
		w.log.Error().Err(err).Int("count", len(rows)).Msg("Persist error, requeueing")
		requeue(ctx, w.rdb, w.log, config.WorkerKey.PersistAnswersQueue, rows)
	}
}

func (w *AutosaveWorker) bulkUpsert(ctx context.Context, rows []*repository.AnswerPayload) error {
	n := len(rows)
	attemptIDs := make([]uuid.UUID, 0, n)
	questionIDs := make([]string, 0, n)
	options := make([]int32, 0, n)
	seqs := make([]string, 0, n)
	writtenAt := make([]time.Time, 0, n)

	for _, p := range rows {
		id, err := uuid.Parse(p.AttemptID)
		if err != nil {
			w.log.Error().Str("attempt_id", p.AttemptID).Msg("Dropping answer with invalid attempt id")
			continue
		}
		attemptIDs = append(attemptIDs, id)
		questionIDs = append(questionIDs, p.QuestionID)
		options = append(options, int32(p.OptionIndex))
		// uint64 exceeds bigint; numeric takes it as text.
		seqs = append(seqs, formatSeq(p.Seq))
		writtenAt = append(writtenAt, p.WrittenAt)
	}
	if len(attemptIDs) == 0 {
		return nil
	}

	_, err := w.pool.Exec(ctx, upsertAnswersSQL, attemptIDs, questionIDs, options, seqs, writtenAt)
	return err
}

// drain processes all remaining items in the queue before shutdown.
func (w *AutosaveWorker) drain(ctx context.Context) {
	var batch []*repository.AnswerPayload
	for {
		result, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		var p repository.AnswerPayload
		if err := json.Unmarshal([]byte(result), &p); err != nil {
			w.log.Error().Err(err).Msg("Drain unmarshal error")
			continue
		}
		batch = append(batch, &p)
	}

	if len(batch) > 0 {
		w.flushSafe(ctx, batch)
		w.log.Info().Int("count", len(batch)).Msg("Drained remaining items")
	}
}

// latestAnswers keeps the highest-seq write per attempt and question. One
// UPSERT statement cannot touch the same row twice.
func latestAnswers(batch []*repository.AnswerPayload) []*repository.AnswerPayload {
	type key struct{ attempt, question string }

	latest := make(map[key]*repository.AnswerPayload, len(batch))
	order := make([]key, 0, len(batch))
	for _, p := range batch {
		k := key{p.AttemptID, p.QuestionID}
		cur, ok := latest[k]
		if !ok {
			order = append(order, k)
		}
		if !ok || p.Seq > cur.Seq {
			latest[k] = p
		}
	}

	out := make([]*repository.AnswerPayload, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}
