package notification

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/lalithlochan/pulse/internal/db"
)

// ErrUnknownType is returned when no push payload exists for a notification type.
var ErrUnknownType = errors.New("unknown notification type")

// Push is the body of a notification event: the persisted record plus
// routing hints for the client.
type Push struct {
	*db.Notification
	Category string `json:"category"`
	Link     string `json:"link,omitempty"`
}

// ReadEvent tells other devices a notification was read.
type ReadEvent struct {
	ID uuid.UUID `json:"id"`
}

// AllReadEvent tells other devices every notification was read.
type AllReadEvent struct {
	Count int `json:"count"`
}

// pushPayload must handle every NotificationType.
func pushPayload(notif *db.Notification) (Push, error) {
	p := Push{Notification: notif}

	issue := lo.FromPtr(notif.IssueKey)
	if issue == "" {
		issue = lo.FromPtr(notif.IssueID)
	}
	project := lo.FromPtr(notif.ProjectID)

	switch notif.Type {
	case db.TypeIssueAssigned, db.TypeIssueStatusChanged, db.TypeWatcherAdded:
		p.Category = "issue"
		p.Link = link("/issues/", issue)
	case db.TypeIssueCommented, db.TypeIssueMentioned:
		p.Category = "issue"
		p.Link = link("/issues/", issue)
		if comment := lo.FromPtr(notif.CommentID); p.Link != "" && comment != "" {
			p.Link += "#comment-" + comment
		}
	case db.TypeSprintStarted, db.TypeSprintCompleted:
		p.Category = "sprint"
		if sprint := lo.FromPtr(notif.SprintID); project != "" && sprint != "" {
			p.Link = "/projects/" + project + "/sprints/" + sprint
		}
	case db.TypeTeamAdded:
		p.Category = "team"
		p.Link = link("/projects/", project)
	default:
		return Push{}, fmt.Errorf("%w: %q", ErrUnknownType, notif.Type)
	}

	return p, nil
}

func link(prefix, id string) string {
	if id == "" {
		return ""
	}
	return prefix + id
}
