// Package realtime holds live WebSocket connections per user and pushes
// notification events to them.
//
// Presence lives in a Registry owned by one process. The Manager is the only
// writer: it binds an authenticated user to each connection on handshake and
// removes it on disconnect. The Dispatcher only reads the Registry.
package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Server-pushed events
const (
	EventConnected            = "connected"
	EventNotification         = "notification"
	EventNotificationRead     = "notificationRead"
	EventAllNotificationsRead = "allNotificationsRead"
	EventAnnouncement         = "announcement"
	EventPong                 = "pong"
)

// Client-sent events
const (
	EventPing       = "ping"
	EventMarkAsRead = "markAsRead"
)

// Envelope is the JSON shape of every frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is an encoded envelope, built once and written to any number of connections.
type Frame []byte

// NewFrame encodes event and payload into a frame.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}

// Connected acknowledges a successful handshake.
type Connected struct {
	Message string `json:"message"`
	UserID  string `json:"userId"`
}

// Pong answers a client ping.
type Pong struct {
	Pong      bool  `json:"pong"`
	Timestamp int64 `json:"timestamp"`
}

// MarkAsReadHint is the client's low-latency read hint. It never changes state;
// the REST API performs the ownership-checked mutation.
type MarkAsReadHint struct {
	NotificationID string `json:"notificationId"`
}

// Ack acknowledges a client message.
type Ack struct {
	Success bool `json:"success"`
}

// Announcement is a system-wide message sent to every live connection.
type Announcement struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// NewAnnouncement stamps message with now in milliseconds.
func NewAnnouncement(message string, now time.Time) Announcement {
	return Announcement{Message: message, Timestamp: now.UnixMilli()}
}

func newPong(now time.Time) Pong {
	return Pong{Pong: true, Timestamp: now.UnixMilli()}
}
