package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/auth"
	"github.com/lalithlochan/pulse/internal/metrics"
)

// ManagerConfig tunes live connections.
type ManagerConfig struct {
	SendBuffer       int
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
	AllowedOrigins   []string // empty allows any origin
}

// Handshake carries the credential fields of a connection attempt.
type Handshake struct {
	Token         string // explicit auth field
	Authorization string // "Bearer <token>"
}

// HandshakeFromRequest reads the token query parameter and the Authorization header.
func HandshakeFromRequest(r *http.Request) Handshake {
	return Handshake{
		Token:         r.URL.Query().Get("token"),
		Authorization: r.Header.Get("Authorization"),
	}
}

// Credential prefers the explicit auth field over the header.
func (h Handshake) Credential() string {
	if h.Token != "" {
		return h.Token
	}
	return auth.BearerToken(h.Authorization)
}

// Manager authenticates connections and is the only writer of the Registry.
type Manager struct {
	verifier auth.Verifier
	registry *Registry
	logger   *zap.Logger
	cfg      ManagerConfig
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewManager creates a lifecycle manager.
func NewManager(verifier auth.Verifier, registry *Registry, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}

	m := &Manager{
		verifier: verifier,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.cfg.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(m.cfg.AllowedOrigins, r.Header.Get("Origin"))
}

// OnConnect verifies the handshake credential, binds the user to s and
// registers it. Any failure closes s with CloseUnauthorized and leaves the
// Registry untouched.
func (m *Manager) OnConnect(ctx context.Context, s Session, hs Handshake) error {
	token := hs.Credential()
	if token == "" {
		return m.reject(s, "missing_token", auth.ErrMissingToken)
	}

	identity, err := m.verifier.Verify(ctx, token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, auth.ErrMissingUserID) {
			reason = "missing_user_id"
		}
		return m.reject(s, reason, err)
	}
	if identity == nil || identity.UserID == "" {
		return m.reject(s, "missing_user_id", auth.ErrMissingUserID)
	}

	if err := s.Bind(identity.UserID); err != nil {
		return m.reject(s, "already_bound", err)
	}
	m.registry.Register(identity.UserID, s)
	metrics.SetPresence(m.registry.ConnectionCount(), m.registry.OnlineUserCount())

	m.logger.Info("client connected",
		zap.String("user_id", identity.UserID),
		zap.String("conn_id", s.ID()),
	)

	frame, err := NewFrame(EventConnected, Connected{
		Message: "Connected to notifications",
		UserID:  identity.UserID,
	})
	if err == nil {
		err = s.Send(frame)
	}
	if err != nil {
		m.logger.Warn("send connected ack", zap.String("conn_id", s.ID()), zap.Error(err))
	}
	return nil
}

func (m *Manager) reject(s Session, reason string, err error) error {
	metrics.RecordHandshakeFailure(reason)
	m.logger.Info("connection rejected",
		zap.String("conn_id", s.ID()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	s.Reject(CloseUnauthorized, "unauthorized")
	return fmt.Errorf("handshake %s: %w", reason, err)
}

// OnDisconnect removes h from the Registry. Handles that never registered are ignored.
func (m *Manager) OnDisconnect(h Handle) bool {
	userID := h.UserID()
	if userID == "" {
		return false
	}
	if !m.registry.Deregister(userID, h) {
		return false
	}
	metrics.SetPresence(m.registry.ConnectionCount(), m.registry.OnlineUserCount())

	m.logger.Info("client disconnected",
		zap.String("user_id", userID),
		zap.String("conn_id", h.ID()),
		zap.Duration("lifetime", m.now().Sub(h.CreatedAt()).Round(time.Second)),
	)
	return true
}

// HandleMessage answers client-sent envelopes. markAsRead is acknowledged
// but never changes state; the REST API does the ownership-checked update.
func (m *Manager) HandleMessage(h Handle, env Envelope) {
	var (
		event   string
		payload any
	)

	switch env.Event {
	case EventPing:
		event, payload = EventPong, newPong(m.now())
	case EventMarkAsRead:
		var hint MarkAsReadHint
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &hint); err != nil {
				m.logger.Debug("malformed markAsRead hint", zap.String("conn_id", h.ID()), zap.Error(err))
			}
		}
		m.logger.Debug("markAsRead hint",
			zap.String("user_id", h.UserID()),
			zap.String("notification_id", hint.NotificationID),
		)
		event, payload = EventMarkAsRead, Ack{Success: true}
	default:
		m.logger.Debug("ignoring client event", zap.String("event", env.Event))
		return
	}

	frame, err := NewFrame(event, payload)
	if err == nil {
		err = h.Send(frame)
	}
	if err != nil {
		m.logger.Debug("reply to client event", zap.String("event", env.Event), zap.Error(err))
	}
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	conn := NewConn(ws, m.cfg.SendBuffer, m.cfg.PingInterval, m.logger)
	go conn.writePump()

	ctx, cancel := context.WithTimeout(r.Context(), m.cfg.HandshakeTimeout)
	err = m.OnConnect(ctx, conn, HandshakeFromRequest(r))
	cancel()
	if err != nil {
		return
	}
	defer m.OnDisconnect(conn)

	conn.readPump(func(env Envelope) {
		m.HandleMessage(conn, env)
	})
}
