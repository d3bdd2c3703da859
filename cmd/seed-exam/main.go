package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/database"
	"github.com/stemsi/exstem-session/internal/logger"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/normalize"
)

// seedFile is the fixture format: exam metadata plus raw question documents
// exactly as an authoring tool would store them.
type seedFile struct {
	Title           string            `json:"title"`
	DurationSeconds int               `json:"duration_seconds"`
	Publish         bool              `json:"publish"`
	Questions       []json.RawMessage `json:"questions"`
}

func main() {
	var path string
	flag.StringVar(&path, "file", "", "Path to the exam fixture JSON (required)")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: -file is required")
		os.Exit(2)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read fixture")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to parse fixture")
	}
	if seed.Title == "" || seed.DurationSeconds <= 0 {
		log.Fatal().Msg("Fixture needs a title and a positive duration_seconds")
	}

	// Dry-run normalization so a broken fixture fails here, not mid-exam.
	raws := make([]model.RawQuestion, len(seed.Questions))
	for i, q := range seed.Questions {
		raws[i] = model.RawQuestion{ID: fmt.Sprintf("q%d", i+1), Position: i + 1, Payload: q}
	}
	questions, warnings, err := normalize.Questions(raws)
	if err != nil {
		log.Fatal().Err(err).Msg("Fixture questions do not normalize")
	}
	for _, w := range warnings {
		log.Warn().Str("warning", w.Error()).Msg("Normalization warning")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	status := model.ExamStatusDraft
	if seed.Publish {
		status = model.ExamStatusPublished
	}

	examID := uuid.New()
	err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO exams (id, title, duration_seconds, status) VALUES ($1, $2, $3, $4)`,
			examID, seed.Title, seed.DurationSeconds, status,
		); err != nil {
			return fmt.Errorf("insert exam: %w", err)
		}

		rows := make([][]interface{}, 0, len(raws))
		for _, r := range raws {
			rows = append(rows, []interface{}{r.ID, examID, r.Position, []byte(r.Payload)})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"questions"},
			[]string{"id", "exam_id", "position", "payload"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy questions: %w", err)
		}
		return nil
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed exam")
	}

	fmt.Printf("Seeded exam %q (%s) with %d questions, status %s\n", seed.Title, examID, len(questions), status)
}
