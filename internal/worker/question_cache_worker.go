package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PublishedExams lists the exams students can currently start.
type PublishedExams interface {
	ListPublishedIDs(ctx context.Context) ([]uuid.UUID, error)
}

// QuestionWarmer rebuilds cached question sets.
type QuestionWarmer interface {
	Prewarm(ctx context.Context, examIDs []uuid.UUID)
}

// QuestionCacheWorker keeps the normalized question sets of published exams
// in Redis, refreshing them before the cache TTL runs out.
type QuestionCacheWorker struct {
	exams    PublishedExams
	warmer   QuestionWarmer
	interval time.Duration
	log      zerolog.Logger
}

func NewQuestionCacheWorker(exams PublishedExams, warmer QuestionWarmer, interval time.Duration, log zerolog.Logger) *QuestionCacheWorker {
	return &QuestionCacheWorker{
		exams:    exams,
		warmer:   warmer,
		interval: interval,
		log:      log.With().Str("component", "question_cache_worker").Logger(),
	}
}

// Start warms once, then on every interval until ctx is done.
func (w *QuestionCacheWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("QuestionCacheWorker started")
	w.refresh(ctx)

	if w.interval <= 0 {
		return
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("QuestionCacheWorker stopped")
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *QuestionCacheWorker) refresh(ctx context.Context) {
	ids, err := w.exams.ListPublishedIDs(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error().Err(err).Msg("Failed to list published exams")
		}
		return
	}
	w.warmer.Prewarm(ctx, ids)
}
