package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-session/internal/model"
)

// Phase is the submission lifecycle of one attempt.
type Phase int

const (
	PhaseActive Phase = iota
	PhaseSubmitting
	PhaseSubmitted
)

func (p Phase) String() string {
	switch p {
	case PhaseSubmitting:
		return "SUBMITTING"
	case PhaseSubmitted:
		return "SUBMITTED"
	default:
		return "ACTIVE"
	}
}

// Outcome describes how a submission ended. Confirmed is false on the
// degraded path: a forced submission whose final write did not land.
type Outcome struct {
	AttemptID uuid.UUID           `json:"attempt_id"`
	Trigger   model.SubmitTrigger `json:"trigger"`
	Confirmed bool                `json:"confirmed"`
	Result    *model.Result       `json:"result,omitempty"`
	Attempt   *model.ExamAttempt  `json:"-"`
}

// FinalizeFunc scores and durably completes an attempt.
type FinalizeFunc func(ctx context.Context, trigger model.SubmitTrigger) (*Outcome, error)

// Coordinator admits exactly one submission trigger. The first trigger
// moves Active to Submitting and runs onEnter once; only that trigger may
// retry a failed finalization, and every other trigger is a no-op.
// A failure never returns the attempt to Active.
type Coordinator struct {
	attemptID uuid.UUID
	onEnter   func(model.SubmitTrigger)
	finalize  FinalizeFunc

	mu      sync.Mutex
	phase   Phase
	winner  model.SubmitTrigger
	running bool
	outcome *Outcome
}

// NewCoordinator creates a coordinator in the Active phase.
func NewCoordinator(attemptID uuid.UUID, onEnter func(model.SubmitTrigger), finalize FinalizeFunc) *Coordinator {
	return &Coordinator{attemptID: attemptID, onEnter: onEnter, finalize: finalize}
}

// Submit runs the submission for trigger.
func (c *Coordinator) Submit(ctx context.Context, trigger model.SubmitTrigger) (*Outcome, error) {
	c.mu.Lock()
	entering := false
	switch c.phase {
	case PhaseSubmitted:
		c.mu.Unlock()
		return nil, ErrAlreadySubmitted
	case PhaseSubmitting:
		if trigger != c.winner || c.running {
			c.mu.Unlock()
			return nil, ErrAlreadySubmitting
		}
	default:
		c.phase = PhaseSubmitting
		c.winner = trigger
		entering = true
	}
	c.running = true
	c.mu.Unlock()

	if entering && c.onEnter != nil {
		c.onEnter(trigger)
	}

	out, err := c.finalize(ctx, trigger)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false

	if err != nil {
		if trigger.Forced() {
			return &Outcome{AttemptID: c.attemptID, Trigger: trigger, Confirmed: false}, err
		}
		return nil, err
	}

	c.phase = PhaseSubmitted
	c.outcome = out
	return out, nil
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Winner returns the trigger that started submission, if any.
func (c *Coordinator) Winner() (model.SubmitTrigger, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.winner, c.phase != PhaseActive
}

// Outcome returns the confirmed outcome once Submitted.
func (c *Coordinator) Outcome() *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}
