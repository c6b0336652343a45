package gateway

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/elevatehq/realtime/internal/events"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// socket is the slice of *websocket.Conn the connection layer touches,
// narrowed so delivery tests can substitute an in-memory recorder.
type socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Connection wraps one websocket session. Writes are serialized through a
// mutex because gorilla-style websockets permit a single concurrent writer.
type Connection struct {
	ID string

	ws     socket
	writeM sync.Mutex

	mx        sync.RWMutex
	userID    string
	device    events.DeviceInfo
	clientIP  string
	authTimer *time.Timer
	closed    bool
}

func newConnection(ws socket, clientIP string) *Connection {
	return &Connection{
		ID:       uuid.New().String(),
		ws:       ws,
		clientIP: clientIP,
	}
}

// Authenticated reports whether an identity was bound to this session.
func (c *Connection) Authenticated() bool {
	c.mx.RLock()
	defer c.mx.RUnlock()

	return c.userID != ""
}

func (c *Connection) UserID() string {
	c.mx.RLock()
	defer c.mx.RUnlock()

	return c.userID
}

func (c *Connection) Device() events.DeviceInfo {
	c.mx.RLock()
	defer c.mx.RUnlock()

	return c.device
}

func (c *Connection) ClientIP() string {
	return c.clientIP
}

// bindIdentity attaches a verified user to the session and disarms the
// authentication deadline. Returns false if the session already carries one.
func (c *Connection) bindIdentity(userID string, device events.DeviceInfo) bool {
	c.mx.Lock()
	defer c.mx.Unlock()

	if c.userID != "" {
		return false
	}

	c.userID = userID
	c.device = device

	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}

	return true
}

// armAuthDeadline schedules a forced close unless the client authenticates
// within the window.
func (c *Connection) armAuthDeadline(d time.Duration, onExpire func()) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.authTimer = time.AfterFunc(d, onExpire)
}

// Write marshals and sends a single event frame.
func (c *Connection) Write(msg events.Message[events.RawMessage]) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeM.Lock()
	defer c.writeM.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, b)
}

// SendError writes a structured error frame without closing the socket.
func (c *Connection) SendError(code int, message string) {
	_ = c.Write(events.NewMessage(events.EventTypeError, events.ErrorPayload{
		Code:    code,
		Message: message,
	}).ToRaw())
}

// release tears the socket down without a close frame, for when the peer is
// already gone. No-op if a coded Close ran first.
func (c *Connection) release() {
	c.mx.Lock()

	if c.closed {
		c.mx.Unlock()

		return
	}

	c.closed = true

	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mx.Unlock()

	_ = c.ws.Close()
}

// Close sends a close frame with the given code and tears the socket down.
// Safe to call more than once.
func (c *Connection) Close(code events.CloseCode) {
	c.mx.Lock()

	if c.closed {
		c.mx.Unlock()

		return
	}

	c.closed = true

	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
	c.mx.Unlock()

	c.writeM.Lock()
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(int(code), code.String()),
		time.Now().Add(time.Second*3),
	)
	c.writeM.Unlock()

	_ = c.ws.Close()
}
