package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, type, title, message, user_id,
	actor_id, actor_name, issue_id, issue_key, project_id,
	sprint_id, comment_id, metadata, is_read, created_at, read_at
`

// Repository handles database operations for notifications
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var notif Notification
	err := row.Scan(
		&notif.ID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&notif.UserID,
		&notif.ActorID,
		&notif.ActorName,
		&notif.IssueID,
		&notif.IssueKey,
		&notif.ProjectID,
		&notif.SprintID,
		&notif.CommentID,
		&notif.Metadata,
		&notif.IsRead,
		&notif.CreatedAt,
		&notif.ReadAt,
	)
	if err != nil {
		return nil, err
	}
	return &notif, nil
}

// CreateNotification inserts a new notification into the database
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}

	query := `
		INSERT INTO notifications (
			id, type, title, message, user_id,
			actor_id, actor_name, issue_id, issue_key, project_id,
			sprint_id, comment_id, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
		RETURNING is_read, created_at, read_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.Type,
		notif.Title,
		notif.Message,
		notif.UserID,
		notif.ActorID,
		notif.ActorName,
		notif.IssueID,
		notif.IssueKey,
		notif.ProjectID,
		notif.SprintID,
		notif.CommentID,
		notif.Metadata,
	).Scan(&notif.IsRead, &notif.CreatedAt, &notif.ReadAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Debug("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID),
		zap.String("type", notif.Type.String()),
	)

	return nil
}

// GetNotification retrieves a notification by ID
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return notif, nil
}

// ListNotificationsByUser returns one page of a user's notifications, newest first,
// together with the total matching the filter and the user's unread count.
func (r *Repository) ListNotificationsByUser(ctx context.Context, userID string, opts ListOptions) (*NotificationPage, error) {
	filter := `WHERE user_id = $1`
	if opts.UnreadOnly {
		filter += ` AND is_read = FALSE`
	}

	batch := &pgx.Batch{}
	batch.Queue(`SELECT `+notificationColumns+` FROM notifications `+filter+`
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, opts.Take, opts.Skip)
	batch.Queue(`SELECT COUNT(*) FROM notifications `+filter, userID)
	batch.Queue(`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`, userID)

	results := r.db.Pool().SendBatch(ctx, batch)
	defer results.Close()

	rows, err := results.Query()
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}

	page := &NotificationPage{Notifications: make([]*Notification, 0, opts.Take)}
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		page.Notifications = append(page.Notifications, notif)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	if err := results.QueryRow().Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count notifications: %w", err)
	}
	if err := results.QueryRow().Scan(&page.UnreadCount); err != nil {
		return nil, fmt.Errorf("count unread notifications: %w", err)
	}

	return page, nil
}

// MarkNotificationRead flips the read flag. read_at keeps its first value,
// so marking an already-read notification changes nothing.
func (r *Repository) MarkNotificationRead(ctx context.Context, id uuid.UUID, readAt time.Time) (*Notification, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = COALESCE(read_at, $2)
		WHERE id = $1
		RETURNING ` + notificationColumns

	notif, err := scanNotification(r.db.Pool().QueryRow(ctx, query, id, readAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to mark notification read",
			zap.Error(err),
			zap.String("notification_id", id.String()),
		)
		return nil, fmt.Errorf("update notification: %w", err)
	}

	return notif, nil
}

// MarkAllNotificationsRead marks every unread notification of a user as read
// and returns how many were changed
func (r *Repository) MarkAllNotificationsRead(ctx context.Context, userID string, readAt time.Time) (int, error) {
	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = $2
		WHERE user_id = $1 AND is_read = FALSE
	`

	result, err := r.db.Pool().Exec(ctx, query, userID, readAt)
	if err != nil {
		r.logger.Error("failed to mark all notifications read",
			zap.Error(err),
			zap.String("user_id", userID),
		)
		return 0, fmt.Errorf("update notifications: %w", err)
	}

	return int(result.RowsAffected()), nil
}

// DeleteNotification removes a notification
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return nil
}

// CountUnread returns the number of unread notifications for a user
func (r *Repository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}

	return count, nil
}
