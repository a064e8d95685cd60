package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lalithlochan/pulse/internal/db"
)

// Domain event kinds accepted by Ingest
const (
	KindIssueAssigned      = "issue_assigned"
	KindIssueCommented     = "issue_commented"
	KindIssueMentioned     = "issue_mentioned"
	KindIssueStatusChanged = "issue_status_changed"
	KindWatcherAdded       = "watcher_added"
	KindSprintStarted      = "sprint_started"
	KindSprintCompleted    = "sprint_completed"
	KindTeamAdded          = "team_added"
)

type issueAssignedData struct {
	AssigneeID string   `json:"assigneeId" validate:"required"`
	Actor      Actor    `json:"actor"`
	Issue      IssueRef `json:"issue"`
}

type issueCommentData struct {
	WatcherIDs []string `json:"watcherIds"`
	Actor      Actor    `json:"actor"`
	Issue      IssueRef `json:"issue"`
	CommentID  string   `json:"commentId"`
}

type mentionData struct {
	MentionedIDs []string `json:"mentionedIds"`
	Actor        Actor    `json:"actor"`
	Issue        IssueRef `json:"issue"`
	CommentID    string   `json:"commentId"`
}

type statusChangeData struct {
	WatcherIDs []string `json:"watcherIds"`
	Actor      Actor    `json:"actor"`
	Issue      IssueRef `json:"issue"`
	From       string   `json:"from" validate:"required"`
	To         string   `json:"to" validate:"required"`
}

type watcherAddedData struct {
	WatcherID string   `json:"watcherId" validate:"required"`
	Actor     Actor    `json:"actor"`
	Issue     IssueRef `json:"issue"`
}

type sprintData struct {
	MemberIDs       []string  `json:"memberIds"`
	Actor           Actor     `json:"actor"`
	Sprint          SprintRef `json:"sprint"`
	CompletedIssues int       `json:"completedIssues" validate:"gte=0"`
}

type teamAddedData struct {
	UserID string  `json:"userId" validate:"required"`
	Actor  Actor   `json:"actor"`
	Team   TeamRef `json:"team"`
}

func decode[T any](s *Service, kind string, raw json.RawMessage) (T, error) {
	var data T
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: decode %s: %v", ErrInvalidEvent, kind, err)
	}
	if err := s.validate.Struct(data); err != nil {
		return data, validationError(err)
	}
	return data, nil
}

func one(notif *db.Notification, err error) ([]*db.Notification, error) {
	if notif == nil {
		return nil, err
	}
	return []*db.Notification{notif}, err
}

// Ingest decodes a domain event published by a collaborator and routes it to
// the matching constructor. It returns the notifications created.
func (s *Service) Ingest(ctx context.Context, kind string, raw json.RawMessage) ([]*db.Notification, error) {
	switch kind {
	case KindIssueAssigned:
		d, err := decode[issueAssignedData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return one(s.IssueAssigned(ctx, d.AssigneeID, d.Actor, d.Issue))

	case KindIssueCommented:
		d, err := decode[issueCommentData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return s.IssueCommented(ctx, d.WatcherIDs, d.Actor, d.Issue, d.CommentID)

	case KindIssueMentioned:
		d, err := decode[mentionData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return s.Mentioned(ctx, d.MentionedIDs, d.Actor, d.Issue, d.CommentID)

	case KindIssueStatusChanged:
		d, err := decode[statusChangeData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return s.StatusChanged(ctx, d.WatcherIDs, d.Actor, d.Issue, d.From, d.To)

	case KindWatcherAdded:
		d, err := decode[watcherAddedData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return one(s.WatcherAdded(ctx, d.WatcherID, d.Actor, d.Issue))

	case KindSprintStarted:
		d, err := decode[sprintData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return s.SprintStarted(ctx, d.MemberIDs, d.Actor, d.Sprint)

	case KindSprintCompleted:
		d, err := decode[sprintData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return s.SprintCompleted(ctx, d.MemberIDs, d.Actor, d.Sprint, d.CompletedIssues)

	case KindTeamAdded:
		d, err := decode[teamAddedData](s, kind, raw)
		if err != nil {
			return nil, err
		}
		return one(s.TeamAdded(ctx, d.UserID, d.Actor, d.Team))

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
}
