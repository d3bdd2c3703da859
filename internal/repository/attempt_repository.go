package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// ErrAttemptNotInProgress is returned when completing an attempt that is
// already COMPLETED or does not exist.
var ErrAttemptNotInProgress = errors.New("attempt is not in progress")

const attemptColumns = `id, exam_id, user_id, status, started_at, completed_at, duration_seconds,
	answers, violations, submit_trigger, score, total_marks, percentage, grade`

// AttemptRepository handles exam attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row) (*model.ExamAttempt, error) {
	a := &model.ExamAttempt{}
	var answers, violations []byte
	err := row.Scan(&a.ID, &a.ExamID, &a.UserID, &a.Status, &a.StartedAt, &a.CompletedAt, &a.DurationSeconds,
		&answers, &violations, &a.SubmitTrigger, &a.Score, &a.TotalMarks, &a.Percentage, &a.Grade)
	if err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &a.Answers); err != nil {
			return nil, fmt.Errorf("decode answers: %w", err)
		}
	}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &a.Violations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	return a, nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE id = $1`, id))
}

// GetByExamAndUser retrieves the attempt a user has for an exam.
func (r *AttemptRepository) GetByExamAndUser(ctx context.Context, examID uuid.UUID, userID string) (*model.ExamAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM exam_attempts WHERE exam_id = $1 AND user_id = $2`, examID, userID))
}

// Create inserts a new in-progress attempt. It returns pgx.ErrNoRows when
// the user already has an attempt for the exam.
func (r *AttemptRepository) Create(ctx context.Context, a *model.ExamAttempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO exam_attempts (exam_id, user_id, status, duration_seconds)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, user_id) DO NOTHING
		 RETURNING id, started_at`,
		a.ExamID, a.UserID, model.AttemptStatusInProgress, a.DurationSeconds,
	).Scan(&a.ID, &a.StartedAt)
}

// Complete writes the final record in one statement. It refuses an attempt
// that is no longer IN_PROGRESS, so a completed record is never rewritten.
func (r *AttemptRepository) Complete(ctx context.Context, a *model.ExamAttempt) error {
	answers, err := json.Marshal(a.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	violations, err := json.Marshal(a.Violations)
	if err != nil {
		return fmt.Errorf("encode violations: %w", err)
	}

	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_attempts
		 SET status = $1, completed_at = $2, answers = $3, violations = $4,
		     submit_trigger = $5, score = $6, total_marks = $7, percentage = $8, grade = $9
		 WHERE id = $10 AND status = $11`,
		model.AttemptStatusCompleted, a.CompletedAt, answers, violations,
		a.SubmitTrigger, a.Score, a.TotalMarks, a.Percentage, a.Grade,
		a.ID, model.AttemptStatusInProgress,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotInProgress
	}
	return nil
}

// ListExpired returns in-progress attempts whose deadline passed before now.
func (r *AttemptRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.ExamAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM exam_attempts
		 WHERE status = $1
		   AND started_at + make_interval(secs => duration_seconds) <= $2
		 ORDER BY started_at
		 LIMIT $3`,
		model.AttemptStatusInProgress, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []model.ExamAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}
