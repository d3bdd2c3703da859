package session

import (
	"context"
	"sync"
	"time"
)

// Timer counts an attempt down to zero at one-second resolution. It cannot
// be paused or re-armed: exams do not pause.
type Timer struct {
	clock    Clock
	onExpire func()

	mu        sync.Mutex
	remaining int
	armed     bool
	expired   bool
	stopped   bool
	cancel    context.CancelFunc
}

// NewTimer creates an unarmed timer. onExpire runs at most once, outside
// the timer's lock.
func NewTimer(clock Clock, onExpire func()) *Timer {
	return &Timer{clock: clock, onExpire: onExpire}
}

// Arm sets the countdown without driving it; Tick advances it. It returns
// false if the timer was already armed.
func (t *Timer) Arm(durationSeconds int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.armed {
		return false
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	t.armed = true
	t.remaining = durationSeconds
	return true
}

// Start arms the timer and ticks it once per second until it expires, is
// stopped, or ctx ends.
func (t *Timer) Start(ctx context.Context, durationSeconds int) bool {
	if !t.Arm(durationSeconds) {
		return false
	}

	tickCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		cancel()
		return false
	}
	t.cancel = cancel
	t.mu.Unlock()

	t.clock.Every(tickCtx, time.Second, t.Tick)
	return true
}

// Tick advances the countdown by one second. The tick that reaches zero
// fires onExpire; every later tick is ignored.
func (t *Timer) Tick() {
	t.mu.Lock()
	if !t.armed || t.stopped || t.expired {
		t.mu.Unlock()
		return
	}
	if t.remaining > 0 {
		t.remaining--
	}
	if t.remaining > 0 {
		t.mu.Unlock()
		return
	}

	t.expired = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t.onExpire != nil {
		t.onExpire()
	}
}

// Stop cancels future ticks. Stopping twice, or after expiry, does nothing.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Remaining returns the seconds left.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Expired reports whether the countdown reached zero.
func (t *Timer) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

// Running reports whether ticks still have an effect.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.armed && !t.stopped && !t.expired
}
