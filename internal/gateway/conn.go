package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nbuy/shopchat/internal/bus"
)

var errConnClosed = errors.New("gateway: connection closed")

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does not support concurrent writes, and frames arrive
// both from the session lane and from bus deliveries of other sessions.
type wsConn struct {
	id  string
	raw *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSConn(raw *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), raw: raw}
}

// ID satisfies bus.Listener.
func (c *wsConn) ID() string { return c.id }

// Send writes the event payload as one text frame.
func (c *wsConn) Send(ev bus.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.raw.WriteMessage(websocket.TextMessage, ev.Payload)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.raw.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}

// Close sends a normal close frame and closes the socket. Idempotent.
func (c *wsConn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

func (c *wsConn) closeWith(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.raw.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	return c.raw.Close()
}

func (c *wsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
