package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session/internal/session"
)

const (
	writeWait = 10 * time.Second
	readWait  = 5 * time.Minute
)

// Conn serializes writes to a WebSocket. Session events arrive from timer
// and monitor goroutines while the read loop is answering requests, and
// gorilla/websocket allows only one concurrent writer.
type Conn struct {
	ws  *websocket.Conn
	log zerolog.Logger

	mu sync.Mutex
}

// NewConn wraps an upgraded connection.
func NewConn(ws *websocket.Conn, log zerolog.Logger) *Conn {
	return &Conn{ws: ws, log: log}
}

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func (c *Conn) WriteTyped(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(v)
}

// WriteError sends a typed ErrorResponse over the WebSocket.
func (c *Conn) WriteError(code, msg string, fields map[string]string) error {
	return c.WriteTyped(ErrorResponse{
		Event:  EventError,
		Code:   code,
		Error:  msg,
		Fields: fields,
	})
}

// Notify implements session.Notifier.
func (c *Conn) Notify(ev session.Event) {
	if err := c.WriteTyped(ev); err != nil {
		c.log.Debug().Err(err).Str("event", string(ev.Kind)).Msg("Failed to push session event")
	}
}

// ReadMessage reads one text frame. It sets a read deadline.
func (c *Conn) ReadMessage() ([]byte, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a close frame with code and reason, then closes the socket.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	c.mu.Unlock()
	_ = c.ws.Close()
}
