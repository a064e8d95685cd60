package db

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a notification does not exist
var ErrNotFound = errors.New("notification not found")

// NotificationType is the closed set of notification kinds
type NotificationType string

// Notification type constants
const (
	TypeIssueAssigned      NotificationType = "ISSUE_ASSIGNED"
	TypeIssueCommented     NotificationType = "ISSUE_COMMENTED"
	TypeIssueMentioned     NotificationType = "ISSUE_MENTIONED"
	TypeIssueStatusChanged NotificationType = "ISSUE_STATUS_CHANGED"
	TypeSprintStarted      NotificationType = "SPRINT_STARTED"
	TypeSprintCompleted    NotificationType = "SPRINT_COMPLETED"
	TypeTeamAdded          NotificationType = "TEAM_ADDED"
	TypeWatcherAdded       NotificationType = "WATCHER_ADDED"
)

// Valid reports whether t is one of the known notification types
func (t NotificationType) Valid() bool {
	switch t {
	case TypeIssueAssigned,
		TypeIssueCommented,
		TypeIssueMentioned,
		TypeIssueStatusChanged,
		TypeSprintStarted,
		TypeSprintCompleted,
		TypeTeamAdded,
		TypeWatcherAdded:
		return true
	default:
		return false
	}
}

func (t NotificationType) String() string {
	return string(t)
}

// Notification represents a notification in the database
type Notification struct {
	ID        uuid.UUID        `json:"id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	UserID    string           `json:"userId"`
	ActorID   *string          `json:"actorId,omitempty"`
	ActorName *string          `json:"actorName,omitempty"`
	IssueID   *string          `json:"issueId,omitempty"`
	IssueKey  *string          `json:"issueKey,omitempty"`
	ProjectID *string          `json:"projectId,omitempty"`
	SprintID  *string          `json:"sprintId,omitempty"`
	CommentID *string          `json:"commentId,omitempty"`
	Metadata  json.RawMessage  `json:"metadata,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
	ReadAt    *time.Time       `json:"readAt,omitempty"`
}

// ListOptions controls pagination of a user's notifications
type ListOptions struct {
	Skip       int
	Take       int
	UnreadOnly bool
}

// NotificationPage is one page of a user's notifications plus counters
type NotificationPage struct {
	Notifications []*Notification `json:"notifications"`
	Total         int             `json:"total"`
	UnreadCount   int             `json:"unreadCount"`
}
