package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// saveAnswerScript writes "seq:option" into the attempt hash only when seq
// is newer than the stored one, and queues the write for Postgres in the
// same round trip. Seqs are compared as decimal strings because Lua numbers
// lose precision past 2^53.
var saveAnswerScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
	local seq = string.match(cur, '^(%d+):')
	if seq then
		if #seq > #ARGV[2] or (#seq == #ARGV[2] and seq >= ARGV[2]) then
			return 0
		end
	end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. ':' .. ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[4])
return 1
`)

// AnswerPayload is one answer write as it travels through the persist queue.
type AnswerPayload struct {
	AttemptID string `json:"attempt_id"`
	model.AnswerWrite
}

// AnswerRepository keeps an attempt's answers hot in Redis and falls back to
// the durable attempt_answers table when the hash is gone.
type AnswerRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool, rdb *redis.Client) *AnswerRepository {
	return &AnswerRepository{pool: pool, rdb: rdb}
}

// Save records w unless a newer write for the same question is already stored.
func (r *AnswerRepository) Save(ctx context.Context, attemptID uuid.UUID, w model.AnswerWrite) error {
	payload, err := json.Marshal(AnswerPayload{AttemptID: attemptID.String(), AnswerWrite: w})
	if err != nil {
		return err
	}

	keys := []string{
		config.CacheKey.AttemptAnswersKey(attemptID.String()),
		config.WorkerKey.PersistAnswersQueue,
	}
	return saveAnswerScript.Run(ctx, r.rdb, keys,
		w.QuestionID,
		strconv.FormatUint(w.Seq, 10),
		strconv.Itoa(w.OptionIndex),
		payload,
	).Err()
}

// Load returns the latest stored option per question.
func (r *AnswerRepository) Load(ctx context.Context, attemptID uuid.UUID) (map[string]int, error) {
	raw, err := r.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get answers: %w", err)
	}
	if len(raw) == 0 && r.pool != nil {
		return r.loadDurable(ctx, attemptID)
	}

	answers := make(map[string]int, len(raw))
	for qid, v := range raw {
		opt, err := parseStoredAnswer(v)
		if err != nil {
			return nil, fmt.Errorf("answer %s: %w", qid, err)
		}
		answers[qid] = opt
	}
	return answers, nil
}

// Clear drops the hot copy once the attempt is completed.
func (r *AnswerRepository) Clear(ctx context.Context, attemptIDs ...string) error {
	if len(attemptIDs) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, id := range attemptIDs {
		pipe.Del(ctx, config.CacheKey.AttemptAnswersKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *AnswerRepository) loadDurable(ctx context.Context, attemptID uuid.UUID) (map[string]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, option_index FROM attempt_answers WHERE attempt_id = $1`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	defer rows.Close()

	answers := make(map[string]int)
	for rows.Next() {
		var qid string
		var opt int
		if err := rows.Scan(&qid, &opt); err != nil {
			return nil, err
		}
		answers[qid] = opt
	}
	return answers, rows.Err()
}

func parseStoredAnswer(v string) (int, error) {
	_, opt, ok := strings.Cut(v, ":")
	if !ok {
		return 0, fmt.Errorf("malformed stored answer %q", v)
	}
	return strconv.Atoi(opt)
}
