// Package api serves the recipient REST API and the internal collaborator API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/auth"
	"github.com/lalithlochan/pulse/internal/circuitbreaker"
	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
	"github.com/lalithlochan/pulse/internal/notification"
	"github.com/lalithlochan/pulse/internal/realtime"
	"github.com/lalithlochan/pulse/internal/redis"
)

// Notifications is the orchestrator surface used by the handlers
type Notifications interface {
	Create(ctx context.Context, ev notification.Event) (*db.Notification, error)
	Ingest(ctx context.Context, kind string, raw json.RawMessage) ([]*db.Notification, error)
	List(ctx context.Context, userID string, opts db.ListOptions) (*db.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkAsRead(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error)
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
	Delete(ctx context.Context, id uuid.UUID, userID string) error
}

// Presence answers who is connected right now
type Presence interface {
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []realtime.Handle
	OnlineUserCount() int
	ConnectionCount() int
}

// Broadcaster pushes to every live connection
type Broadcaster interface {
	Broadcast(event string, payload any) (int, error)
}

// Idempotency caches ingestion results per collaborator key
type Idempotency interface {
	CheckOrReserve(ctx context.Context, source, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, source, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, source, key string) error
}

// EventRequest is a collaborator domain event
type EventRequest struct {
	Kind string          `json:"kind" validate:"required"`
	Data json.RawMessage `json:"data" validate:"required"`
}

// EventResponse lists the notifications an event produced
type EventResponse struct {
	NotificationIDs []string `json:"notificationIds"`
	Partial         bool     `json:"partial,omitempty"`
}

// BroadcastRequest is a system announcement
type BroadcastRequest struct {
	Event   string `json:"event" validate:"omitempty,max=64"`
	Message string `json:"message" validate:"required,max=2000"`
}

// CountResponse carries a single counter
type CountResponse struct {
	Count int `json:"count"`
}

// PresenceResponse describes one user's live connections
type PresenceResponse struct {
	UserID      string `json:"userId"`
	IsOnline    bool   `json:"isOnline"`
	Connections int    `json:"connections"`
}

// PresenceSummary describes the whole process
type PresenceSummary struct {
	OnlineUsers int `json:"onlineUsers"`
	Connections int `json:"connections"`
}

// Option configures a Handler
type Option func(*Handler)

// WithIdempotency enables Idempotency-Key handling on POST /internal/v1/events
func WithIdempotency(idem Idempotency) Option {
	return func(h *Handler) { h.idempotency = idem }
}

// WithAuditBreaker exposes the audit publisher's breaker on the internal API
func WithAuditBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(h *Handler) { h.breaker = cb }
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger        *zap.Logger
	notifications Notifications
	presence      Presence
	broadcaster   Broadcaster
	idempotency   Idempotency // nil if Redis not configured
	breaker       *circuitbreaker.CircuitBreaker
	validate      *validator.Validate
	now           func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, notifications Notifications, presence Presence, broadcaster Broadcaster, opts ...Option) *Handler {
	h := &Handler{
		logger:        logger,
		notifications: notifications,
		presence:      presence,
		broadcaster:   broadcaster,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// UserRoutes mounts the recipient API. Callers must be authenticated.
func (h *Handler) UserRoutes(r chi.Router) {
	r.Get("/notifications", h.ListNotifications)
	r.Get("/notifications/unread-count", h.UnreadCount)
	r.Patch("/notifications/read-all", h.MarkAllAsRead)
	r.Patch("/notifications/{id}/read", h.MarkAsRead)
	r.Delete("/notifications/{id}", h.DeleteNotification)
}

// InternalRoutes mounts the collaborator API.
func (h *Handler) InternalRoutes(r chi.Router) {
	r.Post("/events", h.IngestEvent)
	r.Post("/notifications", h.CreateNotification)
	r.Post("/broadcast", h.Broadcast)
	r.Get("/presence", h.PresenceSummary)
	r.Get("/presence/{userID}", h.UserPresence)
	if h.breaker != nil {
		r.Get("/audit/breaker", h.AuditBreaker)
		r.Post("/audit/breaker/reset", h.ResetAuditBreaker)
	}
}

// ListNotifications handles GET /v1/notifications?skip=0&take=20&unread_only=true
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	opts, err := listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid pagination", err.Error())
		return
	}

	page, err := h.notifications.List(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, page)
}

func listOptions(r *http.Request) (db.ListOptions, error) {
	q := r.URL.Query()
	var opts db.ListOptions

	if s := q.Get("skip"); s != "" {
		skip, err := strconv.Atoi(s)
		if err != nil || skip < 0 {
			return opts, errors.New("skip must be a non-negative integer")
		}
		opts.Skip = skip
	}

	if s := q.Get("take"); s != "" {
		take, err := strconv.Atoi(s)
		if err != nil || take < 1 {
			return opts, errors.New("take must be a positive integer")
		}
		opts.Take = take
	}

	if s := q.Get("unread_only"); s != "" {
		unread, err := strconv.ParseBool(s)
		if err != nil {
			return opts, errors.New("unread_only must be a boolean")
		}
		opts.UnreadOnly = unread
	}
	return opts, nil
}

// UnreadCount handles GET /v1/notifications/unread-count
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	count, err := h.notifications.UnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to count notifications", "")
		return
	}

	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

// MarkAsRead handles PATCH /v1/notifications/{id}/read
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	notif, err := h.notifications.MarkAsRead(r.Context(), id, userID)
	if err != nil {
		h.serviceError(w, err, "Failed to mark notification as read",
			zap.String("id", id.String()),
			zap.String("user_id", userID),
		)
		return
	}

	writeJSON(w, http.StatusOK, notif)
}

// MarkAllAsRead handles PATCH /v1/notifications/read-all
func (h *Handler) MarkAllAsRead(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	count, err := h.notifications.MarkAllAsRead(r.Context(), userID)
	if err != nil {
		h.serviceError(w, err, "Failed to mark notifications as read", zap.String("user_id", userID))
		return
	}

	writeJSON(w, http.StatusOK, CountResponse{Count: count})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	if err := h.notifications.Delete(r.Context(), id, userID); err != nil {
		h.serviceError(w, err, "Failed to delete notification",
			zap.String("id", id.String()),
			zap.String("user_id", userID),
		)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// IngestEvent handles POST /internal/v1/events.
// Supports idempotency via the Idempotency-Key header, scoped by X-Event-Source.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "kind and data are required")
		return
	}

	source := r.Header.Get("X-Event-Source")
	if source == "" {
		source = "http"
	}
	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, source, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit()
			metrics.RecordEventIngested("http", req.Kind, "duplicate")
			w.Header().Set("X-Idempotency-Replayed", "true")
			writeJSON(w, cached.StatusCode, EventResponse{NotificationIDs: lo.Ternary(cached.NotificationIDs == nil, []string{}, cached.NotificationIDs)})
			return
		default:
			reserved = true
		}
	}

	notifs, err := h.notifications.Ingest(ctx, req.Kind, req.Data)
	if err != nil && len(notifs) == 0 {
		if reserved {
			if relErr := h.idempotency.Release(ctx, source, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(relErr))
			}
		}
		if errors.Is(err, notification.ErrInvalidEvent) {
			metrics.RecordEventIngested("http", "invalid", "rejected")
			writeError(w, http.StatusBadRequest, "invalid_event", "Invalid event", err.Error())
			return
		}
		metrics.RecordEventIngested("http", req.Kind, "error")
		h.logger.Error("failed to ingest event",
			zap.Error(err),
			zap.String("kind", req.Kind),
			zap.String("source", source),
		)
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to ingest event", "")
		return
	}

	resp := EventResponse{
		NotificationIDs: lo.Map(notifs, func(n *db.Notification, _ int) string { return n.ID.String() }),
		Partial:         err != nil,
	}
	if err != nil {
		// the created recipients stay; a retry would notify them twice
		metrics.RecordEventIngested("http", req.Kind, "partial")
		h.logger.Error("event partially ingested",
			zap.Error(err),
			zap.String("kind", req.Kind),
			zap.Int("created", len(notifs)),
		)
	} else {
		metrics.RecordEventIngested("http", req.Kind, "ok")
	}

	if reserved {
		result := &redis.IdempotencyResult{
			NotificationIDs: resp.NotificationIDs,
			StatusCode:      http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, source, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.logger.Info("event ingested",
		zap.String("kind", req.Kind),
		zap.String("source", source),
		zap.Int("notifications", len(notifs)),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// CreateNotification handles POST /internal/v1/notifications
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var ev notification.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	notif, err := h.notifications.Create(r.Context(), ev)
	if err != nil {
		h.serviceError(w, err, "Failed to create notification",
			zap.String("type", ev.Type.String()),
			zap.String("user_id", ev.UserID),
		)
		return
	}

	writeJSON(w, http.StatusCreated, notif)
}

// Broadcast handles POST /internal/v1/broadcast
func (h *Handler) Broadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid announcement", err.Error())
		return
	}

	event := lo.Ternary(req.Event == "", realtime.EventAnnouncement, req.Event)
	delivered, err := h.broadcaster.Broadcast(event, realtime.NewAnnouncement(req.Message, h.now()))
	if err != nil {
		// some connections missed it; the rest were delivered
		h.logger.Warn("broadcast incomplete",
			zap.String("event", event),
			zap.Int("delivered", delivered),
			zap.Error(err),
		)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":     event,
		"delivered": delivered,
	})
}

// PresenceSummary handles GET /internal/v1/presence
func (h *Handler) PresenceSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, PresenceSummary{
		OnlineUsers: h.presence.OnlineUserCount(),
		Connections: h.presence.ConnectionCount(),
	})
}

// UserPresence handles GET /internal/v1/presence/{userID}
func (h *Handler) UserPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	writeJSON(w, http.StatusOK, PresenceResponse{
		UserID:      userID,
		IsOnline:    h.presence.IsOnline(userID),
		Connections: len(h.presence.ConnectionsFor(userID)),
	})
}

// AuditBreaker handles GET /internal/v1/audit/breaker
func (h *Handler) AuditBreaker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breaker.Stats())
}

// ResetAuditBreaker handles POST /internal/v1/audit/breaker/reset
func (h *Handler) ResetAuditBreaker(w http.ResponseWriter, r *http.Request) {
	h.breaker.Reset()
	writeJSON(w, http.StatusOK, h.breaker.Stats())
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// serviceError maps orchestrator errors to problem responses
func (h *Handler) serviceError(w http.ResponseWriter, err error, title string, fields ...zap.Field) {
	switch {
	case errors.Is(err, notification.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, notification.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "invalid_event", "Invalid notification", err.Error())
	default:
		h.logger.Error(title, append(fields, zap.Error(err))...)
		writeError(w, http.StatusInternalServerError, "database_error", title, "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
