package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/model"
	"github.com/stemsi/exstem-session/internal/response"
	"github.com/stemsi/exstem-session/internal/service"
	"github.com/stemsi/exstem-session/internal/session"
	"github.com/stemsi/exstem-session/internal/validator"
	ws "github.com/stemsi/exstem-session/internal/websocket"
)

// closeTimeout bounds the work done after a student disconnects, including
// a forced submission for a terminal violation count.
const closeTimeout = 15 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler handles the live exam stream.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// AttemptStream godoc
// WS /ws/v1/student/attempts/:attempt_id/stream
// Upgrades to WebSocket and runs the attempt's live session: navigation,
// answers, proctoring signals and submission.
func (h *WSHandler) AttemptStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	attemptID, err := uuid.Parse(c.Param("attempt_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	wsLog := h.log.With().
		Str("user_id", claims.UserID).
		Str("attempt_id", attemptID.String()).
		Logger()
	conn := ws.NewConn(raw, wsLog)

	// The live session outlives this request's context.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	token := uuid.NewString()
	sess, err := h.sessionService.Open(ctx, attemptID, claims.UserID, token, conn)
	if err != nil {
		status, code := httpError(err)
		if status == http.StatusInternalServerError {
			wsLog.Error().Err(err).Msg("Failed to open session")
		}
		_ = conn.WriteError(string(code), response.GetMessage(code), nil)
		conn.Close(websocket.ClosePolicyViolation, string(code))
		return
	}

	wsLog.Info().Msg("Student connected")

	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), closeTimeout)
		h.sessionService.Close(closeCtx, sess, token)
		closeCancel()
		conn.Close(websocket.CloseNormalClosure, "")
		wsLog.Info().Msg("Student disconnected")
	}()

	st := sess.State()
	_ = conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: &st})

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if !h.dispatch(ctx, conn, wsLog, sess, attemptID, token, data) {
			return
		}
	}
}

// dispatch handles one client message. It returns false when the
// connection must be dropped.
func (h *WSHandler) dispatch(
	ctx context.Context,
	conn *ws.Conn,
	wsLog zerolog.Logger,
	sess *session.Session,
	attemptID uuid.UUID,
	token string,
	data []byte,
) bool {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		writeCode(conn, response.ErrInvalidPayload, nil)
		return true
	}

	switch env.Action {
	case ws.ActionPing:
		held, err := h.sessionService.Heartbeat(ctx, attemptID, token)
		if err != nil {
			wsLog.Warn().Err(err).Msg("Heartbeat failed")
		} else if !held {
			// Another connection took over after our lock expired.
			writeCode(conn, response.ErrAttemptLocked, nil)
			return false
		}
		_ = conn.WriteTyped(ws.PongResponse{Event: ws.EventPong, RemainingSeconds: sess.Remaining()})

	case ws.ActionState:
		h.writeState(conn, sess)

	case ws.ActionNext:
		h.respond(conn, wsLog, env.Action, sess.Next(ctx), func() { h.writeState(conn, sess) })

	case ws.ActionPrevious:
		h.respond(conn, wsLog, env.Action, sess.Previous(ctx), func() { h.writeState(conn, sess) })

	case ws.ActionSelect, ws.ActionMark:
		var req ws.IndexRequest
		if !decode(conn, data, &req) {
			return true
		}
		var err error
		if env.Action == ws.ActionSelect {
			err = sess.Select(ctx, *req.Index)
		} else {
			err = sess.ToggleMark(ctx, *req.Index)
		}
		h.respond(conn, wsLog, env.Action, err, func() { h.writeState(conn, sess) })

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if !decode(conn, data, &req) {
			return true
		}
		err := sess.Answer(ctx, req.QID, *req.Option)
		h.respond(conn, wsLog, env.Action, err, func() {
			_ = conn.WriteTyped(ws.SavedResponse{Event: ws.EventSaved, QID: req.QID, Option: *req.Option})
		})

	case ws.ActionSignal:
		var req ws.SignalRequest
		if !decode(conn, data, &req) {
			return true
		}
		_, err := sess.ReportSignal(ctx, session.Signal{Type: req.Type, FullscreenElement: req.FullscreenElement})
		h.respond(conn, wsLog, env.Action, err, nil)

	case ws.ActionSubmit:
		// graded or forced_exit reach the client through the session notifier.
		_, err := sess.Submit(ctx, model.TriggerUser)
		h.respond(conn, wsLog, env.Action, err, nil)

	default:
		wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		writeCode(conn, response.ErrUnknownAction, nil)
	}
	return true
}

func (h *WSHandler) writeState(conn *ws.Conn, sess *session.Session) {
	st := sess.State()
	_ = conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: &st})
}

// respond writes err as an error event, or runs onOK.
func (h *WSHandler) respond(conn *ws.Conn, wsLog zerolog.Logger, action ws.Action, err error, onOK func()) {
	if err == nil {
		if onOK != nil {
			onOK()
		}
		return
	}

	code := wsErrorCode(action, err)
	if code == response.ErrInternal {
		wsLog.Error().Err(err).Str("action", string(action)).Msg("Action failed")
	}

	var fields map[string]string
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		fields = map[string]string{ve.Field: ve.Reason}
	}
	writeCode(conn, code, fields)
}

// wsErrorCode maps a session error to a client code. Storage failures get
// codes that tell the client whether its answer or its submission is at risk.
func wsErrorCode(action ws.Action, err error) response.ErrCode {
	if session.IsPersistence(err) {
		switch action {
		case ws.ActionAnswer:
			return response.ErrAnswerNotSaved
		case ws.ActionSubmit:
			return response.ErrSubmissionNotFinished
		}
	}
	_, code := httpError(err)
	return code
}

func decode(conn *ws.Conn, data []byte, dst interface{}) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		writeCode(conn, response.ErrInvalidPayload, nil)
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		writeCode(conn, response.ErrValidation, fields)
		return false
	}
	return true
}

func writeCode(conn *ws.Conn, code response.ErrCode, fields map[string]string) {
	_ = conn.WriteError(string(code), response.GetMessage(code), fields)
}
