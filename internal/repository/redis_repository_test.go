package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAnswerRepository_NewerSeqWins(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	repo := NewAnswerRepository(nil, rdb)
	attemptID := uuid.New()

	writes := []model.AnswerWrite{
		{QuestionID: "q1", OptionIndex: 2, Seq: 1_700_000_000_000_000_002},
		// Arrives later but was issued earlier: must not overwrite.
		{QuestionID: "q1", OptionIndex: 0, Seq: 1_700_000_000_000_000_001},
		{QuestionID: "q2", OptionIndex: 3, Seq: 9},
		{QuestionID: "q2", OptionIndex: 1, Seq: 10},
	}
	for _, w := range writes {
		if err := repo.Save(ctx, attemptID, w); err != nil {
			t.Fatalf("Save(%+v): %v", w, err)
		}
	}

	got, err := repo.Load(ctx, attemptID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got["q1"] != 2 {
		t.Errorf("q1: got %d, want 2", got["q1"])
	}
	if got["q2"] != 1 {
		t.Errorf("q2: got %d, want 1", got["q2"])
	}

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(queued) != 3 {
		t.Fatalf("expected 3 queued writes, got %d", len(queued))
	}
	var p AnswerPayload
	if err := json.Unmarshal([]byte(queued[0]), &p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if p.AttemptID != attemptID.String() || p.QuestionID != "q1" || p.Seq != writes[0].Seq {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestAnswerRepository_Clear(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	repo := NewAnswerRepository(nil, rdb)
	attemptID := uuid.New()

	_ = repo.Save(ctx, attemptID, model.AnswerWrite{QuestionID: "q1", OptionIndex: 1, Seq: 1})
	if err := repo.Clear(ctx, attemptID.String()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if mr.Exists(config.CacheKey.AttemptAnswersKey(attemptID.String())) {
		t.Fatal("answer hash still present")
	}
}

func TestParseStoredAnswer(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"17:3", 3, false},
		{"1700000000000000000:0", 0, false},
		{"3", 0, true},
		{"1:x", 0, true},
	}
	for _, tt := range tests {
		got, err := parseStoredAnswer(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseStoredAnswer(%q) err = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseStoredAnswer(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestViolationRepository_RecordAndLoad(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	repo := NewViolationRepository(nil, rdb)

	ev := model.ViolationEvent{
		AttemptID: uuid.New(),
		ExamID:    uuid.New(),
		UserID:    "student-7",
		Count:     1,
		Violation: model.Violation{
			Type:        model.ViolationTabSwitch,
			Description: "Switched away from the exam tab (warning 1 of 3)",
			Timestamp:   "2026-03-02T08:00:01.000Z",
		},
	}
	if err := repo.Record(ctx, ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := repo.Load(ctx, ev.AttemptID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0] != ev.Violation {
		t.Fatalf("unexpected violations %+v", got)
	}

	queued, _ := mr.List(config.WorkerKey.PersistViolationsQueue)
	if len(queued) != 1 {
		t.Fatalf("expected one queued violation, got %d", len(queued))
	}
}

func TestAttemptLock(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	lock := NewAttemptLock(rdb, 45*time.Second)

	ok, err := lock.Acquire(ctx, "a1", "tab-1")
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := lock.Acquire(ctx, "a1", "tab-2"); ok {
		t.Fatal("second tab acquired a held lock")
	}
	if ok, _ := lock.Refresh(ctx, "a1", "tab-2"); ok {
		t.Fatal("non-owner refreshed the lock")
	}

	// Release by a non-owner is a no-op.
	if err := lock.Release(ctx, "a1", "tab-2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists(config.CacheKey.AttemptOwnerKey("a1")) {
		t.Fatal("non-owner released the lock")
	}

	mr.FastForward(30 * time.Second)
	if ok, _ := lock.Refresh(ctx, "a1", "tab-1"); !ok {
		t.Fatal("owner could not refresh")
	}
	mr.FastForward(30 * time.Second)
	if ok, _ := lock.Acquire(ctx, "a1", "tab-2"); ok {
		t.Fatal("refreshed lock expired early")
	}

	if err := lock.Release(ctx, "a1", "tab-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if ok, _ := lock.Acquire(ctx, "a1", "tab-2"); !ok {
		t.Fatal("lock not free after release")
	}
}

func TestAttemptLock_ExpiresWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	lock := NewAttemptLock(rdb, 45*time.Second)

	_, _ = lock.Acquire(ctx, "a1", "tab-1")
	mr.FastForward(46 * time.Second)
	if ok, _ := lock.Acquire(ctx, "a1", "tab-2"); !ok {
		t.Fatal("stale lock was not released by TTL")
	}
}

func TestFinalizeQueue(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)
	q := NewFinalizeQueue(rdb)
	id := uuid.New()

	if err := q.EnqueueFinalize(ctx, id, model.TriggerViolation); err != nil {
		t.Fatalf("EnqueueFinalize: %v", err)
	}
	items, _ := mr.List(config.WorkerKey.FinalizeAttemptsQueue)
	if len(items) != 1 {
		t.Fatalf("expected one job, got %d", len(items))
	}
	var job FinalizeJob
	if err := json.Unmarshal([]byte(items[0]), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.AttemptID != id.String() || job.Trigger != model.TriggerViolation {
		t.Fatalf("unexpected job %+v", job)
	}

	pending, err := q.Pending(ctx, id)
	if err != nil || !pending {
		t.Fatalf("Pending = %v, %v; want true", pending, err)
	}
	if ttl := mr.TTL(config.CacheKey.AttemptFinalizingKey(id.String())); ttl != FinalizingTTL {
		t.Fatalf("marker ttl = %v", ttl)
	}
	if pending, _ := q.Pending(ctx, uuid.New()); pending {
		t.Fatal("unrelated attempt reported as finalizing")
	}
}
