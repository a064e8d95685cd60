// Package notification is the single write path for notifications: every
// event is persisted first and pushed to the recipient's live connections second.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/pulse/internal/db"
	"github.com/lalithlochan/pulse/internal/metrics"
	"github.com/lalithlochan/pulse/internal/realtime"
)

const (
	defaultTake = 20
	maxTake     = 100
)

var (
	// ErrNotFound covers both missing notifications and notifications owned by another user.
	ErrNotFound = db.ErrNotFound

	// ErrInvalidEvent is returned when an event fails validation.
	ErrInvalidEvent = errors.New("invalid notification event")
)

// Store is the durable notification repository.
type Store interface {
	CreateNotification(ctx context.Context, notif *db.Notification) error
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID string, opts db.ListOptions) (*db.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, readAt time.Time) (*db.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error)
	DeleteNotification(ctx context.Context, id uuid.UUID) error
	CountUnread(ctx context.Context, userID string) (int, error)
}

// Dispatcher pushes an event to every live connection of a user.
type Dispatcher interface {
	SendToUser(userID, event string, payload any) (int, error)
}

// AuditSink receives every persisted notification.
type AuditSink interface {
	Publish(ctx context.Context, notif *db.Notification) error
}

// Event is the canonical input for Create.
type Event struct {
	Type      db.NotificationType `json:"type" validate:"required,notification_type"`
	UserID    string              `json:"userId" validate:"required,max=128"`
	Title     string              `json:"title" validate:"required,max=200"`
	Message   string              `json:"message" validate:"required,max=2000"`
	ActorID   string              `json:"actorId,omitempty"`
	ActorName string              `json:"actorName,omitempty"`
	IssueID   string              `json:"issueId,omitempty"`
	IssueKey  string              `json:"issueKey,omitempty"`
	ProjectID string              `json:"projectId,omitempty"`
	SprintID  string              `json:"sprintId,omitempty"`
	CommentID string              `json:"commentId,omitempty"`
	Metadata  map[string]any      `json:"metadata,omitempty"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (e Event) record() (*db.Notification, error) {
	notif := &db.Notification{
		ID:        uuid.New(),
		Type:      e.Type,
		Title:     e.Title,
		Message:   e.Message,
		UserID:    e.UserID,
		ActorID:   optional(e.ActorID),
		ActorName: optional(e.ActorName),
		IssueID:   optional(e.IssueID),
		IssueKey:  optional(e.IssueKey),
		ProjectID: optional(e.ProjectID),
		SprintID:  optional(e.SprintID),
		CommentID: optional(e.CommentID),
	}

	if len(e.Metadata) > 0 {
		raw, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidEvent, err)
		}
		notif.Metadata = raw
	}
	return notif, nil
}

// Option configures a Service.
type Option func(*Service)

// WithAuditSink hands every persisted notification to sink. Sink failures are logged only.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Service) {
		s.audit = sink
	}
}

// Service orchestrates persistence and delivery.
type Service struct {
	store      Store
	dispatcher Dispatcher
	audit      AuditSink
	validate   *validator.Validate
	logger     *zap.Logger
	now        func() time.Time
}

// NewService creates a notification service.
func NewService(store Store, dispatcher Dispatcher, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		validate:   newValidator(),
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates ev, persists it and then pushes it to the recipient.
// Persistence errors are returned and nothing is pushed. Push errors are
// logged and discarded.
func (s *Service) Create(ctx context.Context, ev Event) (*db.Notification, error) {
	if err := s.validate.Struct(ev); err != nil {
		return nil, validationError(err)
	}

	notif, err := ev.record()
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateNotification(ctx, notif); err != nil {
		metrics.RecordPersistFailure(ev.Type.String())
		return nil, fmt.Errorf("persist notification: %w", err)
	}
	metrics.RecordNotificationCreated(ev.Type.String())

	s.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID),
		zap.String("type", notif.Type.String()),
	)

	s.push(notif)
	s.publishAudit(ctx, notif)

	return notif, nil
}

// CreateMany creates each event independently. It returns the notifications
// that were persisted and the joined errors of those that were not.
func (s *Service) CreateMany(ctx context.Context, events []Event) ([]*db.Notification, error) {
	created := make([]*db.Notification, 0, len(events))
	var errs []error
	for i, ev := range events {
		notif, err := s.Create(ctx, ev)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d for %s: %w", i, ev.UserID, err))
			continue
		}
		created = append(created, notif)
	}
	return created, errors.Join(errs...)
}

func (s *Service) push(notif *db.Notification) {
	payload, err := pushPayload(notif)
	if err != nil {
		s.logger.Error("build push payload",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
		return
	}

	s.sync(notif.UserID, realtime.EventNotification, payload)
}

// sync pushes a best-effort event to the user's devices.
func (s *Service) sync(userID, event string, payload any) {
	if _, err := s.dispatcher.SendToUser(userID, event, payload); err != nil {
		s.logger.Warn("push failed",
			zap.String("user_id", userID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Service) publishAudit(ctx context.Context, notif *db.Notification) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Publish(ctx, notif); err != nil {
		s.logger.Warn("audit publish failed",
			zap.String("notification_id", notif.ID.String()),
			zap.Error(err),
		)
	}
}

// owned loads a notification and hides it from anyone but its recipient.
func (s *Service) owned(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error) {
	notif, err := s.store.GetNotification(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	if notif.UserID != userID {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return notif, nil
}

// MarkAsRead marks one of userID's notifications as read. Marking an
// already-read notification returns it unchanged.
func (s *Service) MarkAsRead(ctx context.Context, id uuid.UUID, userID string) (*db.Notification, error) {
	notif, err := s.owned(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if notif.IsRead {
		return notif, nil
	}

	updated, err := s.store.MarkNotificationRead(ctx, id, s.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}

	s.sync(userID, realtime.EventNotificationRead, ReadEvent{ID: id})
	return updated, nil
}

// MarkAllAsRead marks every unread notification of userID and returns the count.
func (s *Service) MarkAllAsRead(ctx context.Context, userID string) (int, error) {
	count, err := s.store.MarkAllNotificationsRead(ctx, userID, s.now())
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}

	if count > 0 {
		s.sync(userID, realtime.EventAllNotificationsRead, AllReadEvent{Count: count})
	}
	return count, nil
}

// Delete removes one of userID's notifications.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, userID string) error {
	if _, err := s.owned(ctx, id, userID); err != nil {
		return err
	}

	if err := s.store.DeleteNotification(ctx, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// UnreadCount returns how many of userID's notifications are unread.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	count, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// List returns a page of userID's notifications, newest first.
func (s *Service) List(ctx context.Context, userID string, opts db.ListOptions) (*db.NotificationPage, error) {
	if opts.Take <= 0 {
		opts.Take = defaultTake
	}
	if opts.Take > maxTake {
		opts.Take = maxTake
	}
	if opts.Skip < 0 {
		opts.Skip = 0
	}

	page, err := s.store.ListNotificationsByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return page, nil
}
