package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

// ViolationRepository records proctoring violations. Each one lands in the
// attempt's Redis list, the persist queue and the exam's monitor channel in
// a single pipeline; the violation worker moves the queue into Postgres.
type ViolationRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewViolationRepository creates a new ViolationRepository.
func NewViolationRepository(pool *pgxpool.Pool, rdb *redis.Client) *ViolationRepository {
	return &ViolationRepository{pool: pool, rdb: rdb}
}

// Record stores one violation event.
func (r *ViolationRepository) Record(ctx context.Context, ev model.ViolationEvent) error {
	violation, err := json.Marshal(ev.Violation)
	if err != nil {
		return err
	}
	queued, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	v := ev.Violation
	monitor, err := json.Marshal(model.MonitorEvent{
		Type:      model.MonitorViolation,
		AttemptID: ev.AttemptID,
		UserID:    ev.UserID,
		At:        v.RecordedAt(),
		Count:     ev.Count,
		Violation: &v,
	})
	if err != nil {
		return err
	}

	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, config.CacheKey.AttemptViolationsKey(ev.AttemptID.String()), violation)
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, queued)
	pipe.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID.String()), monitor)
	_, err = pipe.Exec(ctx)
	return err
}

// Load returns an attempt's violations in the order they were recorded.
func (r *ViolationRepository) Load(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error) {
	raw, err := r.rdb.LRange(ctx, config.CacheKey.AttemptViolationsKey(attemptID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get violations: %w", err)
	}
	if len(raw) == 0 && r.pool != nil {
		return r.loadDurable(ctx, attemptID)
	}

	violations := make([]model.Violation, 0, len(raw))
	for _, item := range raw {
		var v model.Violation
		if err := json.Unmarshal([]byte(item), &v); err != nil {
			return nil, fmt.Errorf("decode violation: %w", err)
		}
		violations = append(violations, v)
	}
	return violations, nil
}

// Clear drops the hot copy once the attempt is completed.
func (r *ViolationRepository) Clear(ctx context.Context, attemptIDs ...string) error {
	if len(attemptIDs) == 0 {
		return nil
	}
	pipe := r.rdb.Pipeline()
	for _, id := range attemptIDs {
		pipe.Del(ctx, config.CacheKey.AttemptViolationsKey(id))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *ViolationRepository) loadDurable(ctx context.Context, attemptID uuid.UUID) ([]model.Violation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT type, description, recorded_at
		 FROM attempt_violations WHERE attempt_id = $1
		 ORDER BY recorded_at, id`, attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	var violations []model.Violation
	for rows.Next() {
		var v model.Violation
		var at time.Time
		if err := rows.Scan(&v.Type, &v.Description, &at); err != nil {
			return nil, err
		}
		v.Timestamp = at.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		violations = append(violations, v)
	}
	return violations, rows.Err()
}
