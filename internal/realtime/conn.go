package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4096
)

// CloseUnauthorized is sent when a handshake carries no valid credential.
const CloseUnauthorized = 4401

// Session is a handle the Manager can bind to a user or reject.
type Session interface {
	Handle
	Bind(userID string) error
	Reject(code int, reason string)
}

// Conn is a Session over a gorilla WebSocket. Writes go through a bounded
// queue drained by writePump; a full queue fails that push only.
type Conn struct {
	id        string
	createdAt time.Time
	ws        *websocket.Conn
	logger    *zap.Logger

	pingInterval time.Duration

	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	userID string
}

// NewConn wraps ws. sendBuffer bounds the outbound queue.
func NewConn(ws *websocket.Conn, sendBuffer int, pingInterval time.Duration, logger *zap.Logger) *Conn {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	id := uuid.NewString()
	return &Conn{
		id:           id,
		createdAt:    time.Now(),
		ws:           ws,
		logger:       logger.With(zap.String("conn_id", id)),
		pingInterval: pingInterval,
		send:         make(chan Frame, sendBuffer),
		done:         make(chan struct{}),
	}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Bind sets the owning user. It succeeds once per connection.
func (c *Conn) Bind(userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID != "" {
		return ErrAlreadyBound
	}
	c.userID = userID
	return nil
}

// Send queues frame without blocking.
func (c *Conn) Send(frame Frame) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Reject writes a close frame with code and tears the connection down.
func (c *Conn) Reject(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("write close frame", zap.Error(err))
	}
	c.Close()
}

// Close stops the pumps and closes the socket. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump owns all data writes to the socket and sends keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("write ping", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump decodes client envelopes and hands them to handle until the
// socket fails or misses pongs for two ping intervals.
func (c *Conn) readPump(handle func(Envelope)) {
	defer c.Close()

	pongWait := 2 * c.pingInterval
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				c.logger.Debug("read frame", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Debug("discard malformed frame", zap.Error(err))
			continue
		}
		handle(env)
	}
}
