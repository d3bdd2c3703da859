package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-session/internal/model"
)

// QuestionRepository handles question data access. Questions are stored as
// they were authored; normalization happens on read.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// ListRawByExam retrieves every stored question for an exam, ordered by position.
func (r *QuestionRepository) ListRawByExam(ctx context.Context, examID uuid.UUID) ([]model.RawQuestion, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, position, payload
		 FROM questions WHERE exam_id = $1
		 ORDER BY position, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.RawQuestion
	for rows.Next() {
		var q model.RawQuestion
		if err := rows.Scan(&q.ID, &q.Position, &q.Payload); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}
