package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// MonitorRepository provides data access for the live exam monitoring feature.
// It combines PostgreSQL (attempt records) and Redis (live answer counts).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListAttempts returns every attempt taken against the exam.
func (r *MonitorRepository) ListAttempts(ctx context.Context, examID uuid.UUID) ([]model.AttemptProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, status, started_at, score, grade
		 FROM exam_attempts
		 WHERE exam_id = $1
		 ORDER BY started_at`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.AttemptProgress
	for rows.Next() {
		var p model.AttemptProgress
		if err := rows.Scan(&p.AttemptID, &p.UserID, &p.Status, &p.StartedAt, &p.Score, &p.Grade); err != nil {
			return nil, err
		}
		attempts = append(attempts, p)
	}
	return attempts, rows.Err()
}

// GetLiveAnsweredCounts returns HLEN of each in-progress attempt's answer hash.
func (r *MonitorRepository) GetLiveAnsweredCounts(ctx context.Context, attemptIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(attemptIDs))
	if len(attemptIDs) == 0 {
		return counts, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(attemptIDs))
	for i, id := range attemptIDs {
		cmds[i] = pipe.HLen(ctx, config.CacheKey.AttemptAnswersKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	for i, id := range attemptIDs {
		counts[id] = cmds[i].Val()
	}
	return counts, nil
}

// GetViolationCounts returns the number of persisted violations per attempt.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT attempt_id, COUNT(*)
		 FROM attempt_violations
		 WHERE exam_id = $1
		 GROUP BY attempt_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var id uuid.UUID
		var count int64
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}
