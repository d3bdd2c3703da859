package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-session/internal/model"
)

// isoMillis matches the timestamps browsers produce with toISOString.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// MonitorState is the proctoring escalation level.
type MonitorState int

const (
	MonitorNormal MonitorState = iota
	MonitorWarned
	MonitorTerminal
)

func (s MonitorState) String() string {
	switch s {
	case MonitorWarned:
		return "WARNED"
	case MonitorTerminal:
		return "TERMINAL"
	default:
		return "NORMAL"
	}
}

// Signal is a client report that the student may have left the monitored
// surface. FullscreenElement carries the tag name of whatever element holds
// full screen after the change, if any.
type Signal struct {
	Type              model.ViolationType `json:"type"`
	FullscreenElement string              `json:"fullscreen_element,omitempty"`
}

// isVideoFullscreen is the one exception to full-screen counting: an
// embedded video taking over native full screen is not the student backing
// out. Best effort; browsers that do not report the element fall through.
func isVideoFullscreen(sig Signal) bool {
	return sig.Type == model.ViolationFullscreenExit &&
		strings.EqualFold(strings.TrimSpace(sig.FullscreenElement), "video")
}

// Monitor counts proctoring violations from both signal sources against one
// shared strike limit. Reaching the limit schedules exactly one forced
// submission after the grace delay; later signals are ignored.
type Monitor struct {
	max        int
	grace      time.Duration
	clock      Clock
	onTerminal func()

	mu       sync.Mutex
	count    int
	closed   bool
	terminal bool
	cancel   func() bool
}

// NewMonitor creates a monitor in the Normal state.
func NewMonitor(limit int, grace time.Duration, clock Clock, onTerminal func()) *Monitor {
	if limit < 1 {
		limit = 1
	}
	return &Monitor{max: limit, grace: grace, clock: clock, onTerminal: onTerminal}
}

// Observe applies a signal. It returns the recorded violation, or false if
// the signal was not counted.
func (m *Monitor) Observe(sig Signal) (model.Violation, bool) {
	if isVideoFullscreen(sig) {
		return model.Violation{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.terminal || m.count >= m.max {
		return model.Violation{}, false
	}

	m.count++
	v := model.Violation{
		Type:        sig.Type,
		Description: describe(sig.Type, m.count, m.max),
		Timestamp:   m.clock.Now().UTC().Format(isoMillis),
	}
	if m.count >= m.max {
		m.enterTerminalLocked()
	}
	return v, true
}

// Resume restores a persisted count after a reload. A count already at the
// limit goes straight to Terminal and schedules the forced submission.
func (m *Monitor) Resume(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || m.terminal || count <= m.count {
		return
	}
	m.count = min(count, m.max)
	if m.count >= m.max {
		m.enterTerminalLocked()
	}
}

func (m *Monitor) enterTerminalLocked() {
	m.terminal = true
	if m.onTerminal != nil {
		m.cancel = m.clock.AfterFunc(m.grace, m.onTerminal)
	}
}

// Close stops counting and cancels a pending forced submission. Used when
// another trigger has already started submission.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// State returns the escalation level and the current count.
func (m *Monitor) State() (MonitorState, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.terminal:
		return MonitorTerminal, m.count
	case m.count > 0:
		return MonitorWarned, m.count
	default:
		return MonitorNormal, 0
	}
}

// Max returns the strike limit.
func (m *Monitor) Max() int { return m.max }

func describe(t model.ViolationType, n, limit int) string {
	switch t {
	case model.ViolationFullscreenExit:
		return fmt.Sprintf("Exited full screen mode (warning %d of %d)", n, limit)
	case model.ViolationTabSwitch:
		return fmt.Sprintf("Switched away from the exam tab (warning %d of %d)", n, limit)
	default:
		return fmt.Sprintf("Proctoring violation (warning %d of %d)", n, limit)
	}
}
