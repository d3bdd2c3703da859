package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// fakeClock advances only when told to.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*fakeTimer
	tickers []*fakeTicker
}

type fakeTimer struct {
	at        time.Time
	f         func()
	fired     bool
	cancelled bool
}

type fakeTicker struct {
	ctx  context.Context
	f    func()
	next time.Time
	d    time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.fired || t.cancelled {
			return false
		}
		t.cancelled = true
		return true
	}
}

func (c *fakeClock) Every(ctx context.Context, d time.Duration, f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickers = append(c.tickers, &fakeTicker{ctx: ctx, f: f, next: c.now.Add(d), d: d})
}

// Advance moves time forward one second at a time, firing whatever falls due.
func (c *fakeClock) Advance(d time.Duration) {
	end := c.Now().Add(d)
	for {
		c.mu.Lock()
		if !c.now.Before(end) {
			c.mu.Unlock()
			return
		}
		c.now = c.now.Add(time.Second)
		var due []func()
		for _, tk := range c.tickers {
			if tk.ctx.Err() == nil && !tk.next.After(c.now) {
				tk.next = tk.next.Add(tk.d)
				due = append(due, tk.f)
			}
		}
		for _, t := range c.timers {
			if !t.fired && !t.cancelled && !t.at.After(c.now) {
				t.fired = true
				due = append(due, t.f)
			}
		}
		c.mu.Unlock()

		for _, f := range due {
			f()
		}
	}
}

// pendingTimers counts scheduled, unfired, uncancelled callbacks.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.cancelled {
			n++
		}
	}
	return n
}

var errStoreDown = errors.New("store unavailable")

// memAnswers is an AnswerStore that resolves conflicts by Seq.
type memAnswers struct {
	mu      sync.Mutex
	rows    map[string]model.AnswerWrite
	failing bool
	saves   int
}

func newMemAnswers() *memAnswers {
	return &memAnswers{rows: make(map[string]model.AnswerWrite)}
}

func (m *memAnswers) Save(_ context.Context, _ uuid.UUID, w model.AnswerWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.failing {
		return errStoreDown
	}
	if cur, ok := m.rows[w.QuestionID]; ok && cur.Seq >= w.Seq {
		return nil
	}
	m.rows[w.QuestionID] = w
	return nil
}

func (m *memAnswers) Load(_ context.Context, _ uuid.UUID) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.rows))
	for qid, w := range m.rows {
		out[qid] = w.OptionIndex
	}
	return out, nil
}

func (m *memAnswers) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

type memAttempts struct {
	mu        sync.Mutex
	failures  int
	completed []*model.ExamAttempt
}

func (m *memAttempts) Complete(_ context.Context, a *model.ExamAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errStoreDown
	}
	for _, c := range m.completed {
		if c.ID == a.ID {
			return errors.New("attempt already completed")
		}
	}
	m.completed = append(m.completed, a)
	return nil
}

func (m *memAttempts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed)
}

type memViolations struct {
	mu      sync.Mutex
	events  []model.ViolationEvent
	failing bool
}

func (m *memViolations) Record(_ context.Context, ev model.ViolationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *memViolations) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

func (m *memViolations) counts() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Count)
	}
	return out
}

type memFinalize struct {
	mu   sync.Mutex
	jobs []model.SubmitTrigger
}

func (m *memFinalize) EnqueueFinalize(_ context.Context, _ uuid.UUID, trigger model.SubmitTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, trigger)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func threeQuestions() []model.Question {
	return []model.Question{
		{ID: "q1", Text: "2 + 2", Options: []string{"3", "4", "5", "6"}, CorrectOptionIndex: 1, Marks: 4},
		{ID: "q2", Text: "Capital of France", Options: []string{"Paris", "Rome", "Oslo", "Bern"}, CorrectOptionIndex: 0, Marks: 4},
		{ID: "q3", Text: "3 * 3", Options: []string{"6", "9", "12", "3"}, CorrectOptionIndex: 1, Marks: 4},
	}
}

type harness struct {
	clock      *fakeClock
	answers    *memAnswers
	attempts   *memAttempts
	violations *memViolations
	finalize   *memFinalize
	events     *recorder
	session    *Session
}

func newHarness(durationSeconds int) (*harness, error) {
	h := &harness{
		clock:      newFakeClock(),
		answers:    newMemAnswers(),
		attempts:   &memAttempts{},
		violations: &memViolations{},
		finalize:   &memFinalize{},
		events:     &recorder{},
	}
	attempt := &model.ExamAttempt{
		ID:              uuid.New(),
		ExamID:          uuid.New(),
		UserID:          "student-1",
		Status:          model.AttemptStatusInProgress,
		StartedAt:       h.clock.Now(),
		DurationSeconds: durationSeconds,
	}
	s, err := New(attempt, threeQuestions(), DefaultConfig(), Deps{
		Answers:    h.answers,
		Attempts:   h.attempts,
		Violations: h.violations,
		Finalize:   h.finalize,
		Notifier:   h.events,
		Clock:      h.clock,
	})
	if err != nil {
		return nil, err
	}
	h.session = s
	return h, nil
}
