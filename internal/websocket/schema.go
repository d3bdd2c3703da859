package websocket

import (
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/session"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSelect   Action = "select"
	ActionNext     Action = "next"
	ActionPrevious Action = "previous"
	ActionMark     Action = "mark"
	ActionAnswer   Action = "answer"
	ActionSignal   Action = "signal"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
	ActionState    Action = "state"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// IndexRequest carries a question position for select and mark.
type IndexRequest struct {
	Action Action `json:"action"`
	Index  *int   `json:"index" binding:"required,min=0"`
}

// AnswerRequest records one option selection.
type AnswerRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id" binding:"required,max=128"`
	Option *int   `json:"option" binding:"required,min=0,max=3"`
}

// SignalRequest reports a full-screen change or a tab switch.
type SignalRequest struct {
	Action            Action              `json:"action"`
	Type              model.ViolationType `json:"type" binding:"required,violation_type"`
	FullscreenElement string              `json:"fullscreen_element" binding:"max=64"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState Event = "state"
	EventSaved Event = "saved"
	EventError Event = "error"
	EventPong  Event = "pong"
)

// StateResponse carries a full session snapshot. Sent on connect and after
// every navigation action.
type StateResponse struct {
	Event Event          `json:"event"`
	State *session.State `json:"state"`
}

type SavedResponse struct {
	Event  Event  `json:"event"`
	QID    string `json:"q_id"`
	Option int    `json:"option"`
}

type ErrorResponse struct {
	Event  Event             `json:"event"`
	Code   string            `json:"code"`
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

type PongResponse struct {
	Event            Event `json:"event"`
	RemainingSeconds int   `json:"remaining_seconds"`
}
