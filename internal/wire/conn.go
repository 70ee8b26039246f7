package wire

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/eventvault/internal/syncerr"
)

// writeWait bounds a single frame or control write.
const writeWait = 10 * time.Second

// Conn frames a websocket connection. Reads must come from one goroutine;
// writes are serialized internally.
type Conn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	closed  bool
}

// NewConn wraps an established websocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read returns the next frame.
//
// A peer close is returned as a *CloseError. A malformed frame is returned
// as a parse error and the connection stays usable.
func (c *Conn) Read() (Frame, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return Frame{}, &CloseError{Code: syncerr.CloseCode(ce.Code), Reason: ce.Text}
		}
		return Frame{}, syncerr.Transient("read frame", err)
	}
	if kind != websocket.BinaryMessage {
		return Frame{}, syncerr.Parse(fmt.Sprintf("unexpected message type %d", kind), nil)
	}
	return Decode(data)
}

// Write sends one frame.
func (c *Conn) Write(t Type, body any) error {
	data, err := Encode(t, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return syncerr.Transient("write frame", websocket.ErrCloseSent)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return syncerr.Transient("write frame", err)
	}
	return nil
}

// WriteError sends err as an Error frame.
func (c *Conn) WriteError(err error, requestID string) error {
	return c.Write(TypeError, NewErrorEnvelope(err, requestID))
}

// Close sends a close frame with code and closes the socket. Later calls
// are no-ops.
func (c *Conn) Close(code syncerr.CloseCode, reason string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.ws.Close()
}

// CloseError reports that the peer closed the connection.
type CloseError struct {
	Code   syncerr.CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("connection closed: %d %s: %s", int(e.Code), e.Code, e.Reason)
	}
	return fmt.Sprintf("connection closed: %d %s", int(e.Code), e.Code)
}
