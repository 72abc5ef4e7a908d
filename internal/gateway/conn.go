package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zymochat/platform/internal/model"
)

// ErrConnClosed is returned by Send after the connection has been closed.
var ErrConnClosed = errors.New("connection closed")

const writeTimeout = 10 * time.Second

// Conn wraps one authenticated WebSocket connection. It satisfies
// fanout.Conn; the mutex serializes writes because gorilla/websocket
// allows at most one concurrent writer.
type Conn struct {
	id          string
	identityID  string
	socket      *websocket.Conn
	connectedAt time.Time

	mu     sync.Mutex
	closed bool
}

func newConn(socket *websocket.Conn, identityID string) *Conn {
	return &Conn{
		id:          uuid.New().String(),
		identityID:  identityID,
		socket:      socket,
		connectedAt: time.Now(),
	}
}

// ID returns the connection id, unique per socket.
func (c *Conn) ID() string { return c.id }

// IdentityID returns the authenticated identity behind this connection.
func (c *Conn) IdentityID() string { return c.identityID }

// Send writes one event frame to the socket. Safe for concurrent use.
func (c *Conn) Send(ev model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.socket.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.socket.WriteJSON(ev)
}

// readFrame reads and decodes the next inbound frame.
func (c *Conn) readFrame() (Frame, error) {
	_, msg, err := c.socket.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Close closes the underlying socket. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.socket.Close()
}

// Frame is the inbound client vocabulary.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id,omitempty"`
	Online         *bool  `json:"online,omitempty"`
}

// Inbound frame types.
const (
	FrameJoinChat     = "join_chat"
	FrameLeaveChat    = "leave_chat"
	FrameTypingStart  = "typing_start"
	FrameTypingStop   = "typing_stop"
	FrameStatusUpdate = "status_update"
)
