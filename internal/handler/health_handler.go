package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/response"
)

const healthTimeout = 2 * time.Second

// LiveSessions reports the number of sessions running on this instance.
type LiveSessions interface {
	LiveCount() int
}

// HealthHandler reports dependency health and worker backlog.
type HealthHandler struct {
	pool      *pgxpool.Pool
	rdb       *redis.Client
	live      LiveSessions
	startTime time.Time
	log       zerolog.Logger
}

func NewHealthHandler(pool *pgxpool.Pool, rdb *redis.Client, live LiveSessions, log zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		pool:      pool,
		rdb:       rdb,
		live:      live,
		startTime: time.Now(),
		log:       log.With().Str("component", "health_handler").Logger(),
	}
}

type healthStatus struct {
	Status       string `json:"status"`
	Uptime       string `json:"uptime"`
	Postgres     string `json:"postgres"`
	Redis        string `json:"redis"`
	LiveSessions int    `json:"live_sessions"`

	// Worker Queues
	QueueAnswers    int64 `json:"queue_answers"`
	QueueViolations int64 `json:"queue_violations"`
	QueueFinalize   int64 `json:"queue_finalize"`
}

// Health godoc
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	st := healthStatus{
		Status:       "ok",
		Uptime:       time.Since(h.startTime).Truncate(time.Second).String(),
		Postgres:     "ok",
		Redis:        "ok",
		LiveSessions: h.live.LiveCount(),
	}

	if err := h.pool.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("PostgreSQL health check failed")
		st.Postgres = "down"
		st.Status = "degraded"
	}

	// ── Worker Queues (pipelined LLEN) ──
	pipe := h.rdb.Pipeline()
	answersCmd := pipe.LLen(ctx, config.WorkerKey.PersistAnswersQueue)
	violationsCmd := pipe.LLen(ctx, config.WorkerKey.PersistViolationsQueue)
	finalizeCmd := pipe.LLen(ctx, config.WorkerKey.FinalizeAttemptsQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		h.log.Warn().Err(err).Msg("Redis health check failed")
		st.Redis = "down"
		st.Status = "degraded"
	} else {
		st.QueueAnswers = answersCmd.Val()
		st.QueueViolations = violationsCmd.Val()
		st.QueueFinalize = finalizeCmd.Val()
	}

	status := http.StatusOK
	if st.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	response.Success(c, status, st)
}
