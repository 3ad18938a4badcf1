package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CloseInvalidClientType is sent when {clientType} is neither broadcaster nor viewer.
const CloseInvalidClientType = websocket.ClosePolicyViolation

// Conn is a bidirectional message channel to one client. Send must be safe for
// concurrent use; Close must be idempotent.
type Conn interface {
	ID() string
	Send(ctx context.Context, payload []byte) error
	Close(code int, reason string) error
}

// sendJSON encodes msg and sends it on c.
func sendJSON(ctx context.Context, c Conn, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(ctx, payload)
}

var errConnClosed = errors.New("connection closed")

// wsConn adapts a gorilla WebSocket to Conn. gorilla allows one concurrent
// writer, so sends are serialized by writeMu.
type wsConn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(id string, ws *websocket.Conn, writeTimeout time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &wsConn{id: id, ws: ws, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

// Close sends a close frame with code and reason, then closes the socket.
// WriteControl may run concurrently with Send.
func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
