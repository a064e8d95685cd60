package notification

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/lalithlochan/pulse/internal/db"
)

// Actor is the user who performed the action being notified about. Both
// fields are empty for system-triggered events.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (a Actor) display() string {
	if a.Name != "" {
		return a.Name
	}
	return "Someone"
}

// IssueRef identifies an issue.
type IssueRef struct {
	ID        string `json:"id" validate:"required"`
	Key       string `json:"key"`
	Title     string `json:"title"`
	ProjectID string `json:"projectId"`
}

func (i IssueRef) label() string {
	switch {
	case i.Key != "" && i.Title != "":
		return i.Key + " " + i.Title
	case i.Key != "":
		return i.Key
	case i.Title != "":
		return i.Title
	default:
		return "an issue"
	}
}

func (i IssueRef) event(t db.NotificationType, userID string, actor Actor) Event {
	return Event{
		Type:      t,
		UserID:    userID,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		IssueID:   i.ID,
		IssueKey:  i.Key,
		ProjectID: i.ProjectID,
	}
}

// SprintRef identifies a sprint.
type SprintRef struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
}

// TeamRef identifies a team.
type TeamRef struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	ProjectID string `json:"projectId"`
}

// recipients de-duplicates ids and drops blanks and the actor.
func recipients(userIDs []string, actor Actor) []string {
	return lo.Without(lo.Uniq(lo.Compact(userIDs)), actor.ID)
}

func (s *Service) fanOut(ctx context.Context, userIDs []string, actor Actor, build func(userID string) Event) ([]*db.Notification, error) {
	targets := recipients(userIDs, actor)
	if len(targets) == 0 {
		return nil, nil
	}
	return s.CreateMany(ctx, lo.Map(targets, func(userID string, _ int) Event {
		return build(userID)
	}))
}

// single creates ev unless the recipient is the actor. It returns nil, nil when skipped.
func (s *Service) single(ctx context.Context, ev Event) (*db.Notification, error) {
	if ev.UserID != "" && ev.UserID == ev.ActorID {
		return nil, nil
	}
	return s.Create(ctx, ev)
}

// IssueAssigned notifies the new assignee. Self-assignment is not notified.
func (s *Service) IssueAssigned(ctx context.Context, assigneeID string, actor Actor, issue IssueRef) (*db.Notification, error) {
	ev := issue.event(db.TypeIssueAssigned, assigneeID, actor)
	ev.Title = "Issue assigned to you"
	ev.Message = fmt.Sprintf("%s assigned you to %s", actor.display(), issue.label())
	return s.single(ctx, ev)
}

// IssueCommented notifies the issue's watchers, except the commenter.
func (s *Service) IssueCommented(ctx context.Context, watcherIDs []string, actor Actor, issue IssueRef, commentID string) ([]*db.Notification, error) {
	return s.fanOut(ctx, watcherIDs, actor, func(userID string) Event {
		ev := issue.event(db.TypeIssueCommented, userID, actor)
		ev.CommentID = commentID
		ev.Title = "New comment"
		ev.Message = fmt.Sprintf("%s commented on %s", actor.display(), issue.label())
		return ev
	})
}

// Mentioned notifies users mentioned in a comment or description.
func (s *Service) Mentioned(ctx context.Context, mentionedIDs []string, actor Actor, issue IssueRef, commentID string) ([]*db.Notification, error) {
	return s.fanOut(ctx, mentionedIDs, actor, func(userID string) Event {
		ev := issue.event(db.TypeIssueMentioned, userID, actor)
		ev.CommentID = commentID
		ev.Title = "You were mentioned"
		ev.Message = fmt.Sprintf("%s mentioned you in %s", actor.display(), issue.label())
		return ev
	})
}

// StatusChanged notifies watchers that an issue moved between statuses.
func (s *Service) StatusChanged(ctx context.Context, watcherIDs []string, actor Actor, issue IssueRef, from, to string) ([]*db.Notification, error) {
	return s.fanOut(ctx, watcherIDs, actor, func(userID string) Event {
		ev := issue.event(db.TypeIssueStatusChanged, userID, actor)
		ev.Title = "Issue status changed"
		ev.Message = fmt.Sprintf("%s moved %s from %s to %s", actor.display(), issue.label(), from, to)
		ev.Metadata = map[string]any{"from": from, "to": to}
		return ev
	})
}

// WatcherAdded notifies a user that they now watch an issue.
func (s *Service) WatcherAdded(ctx context.Context, watcherID string, actor Actor, issue IssueRef) (*db.Notification, error) {
	ev := issue.event(db.TypeWatcherAdded, watcherID, actor)
	ev.Title = "You are watching an issue"
	ev.Message = fmt.Sprintf("%s added you as a watcher on %s", actor.display(), issue.label())
	return s.single(ctx, ev)
}

func sprintEvent(t db.NotificationType, userID string, actor Actor, sprint SprintRef) Event {
	return Event{
		Type:      t,
		UserID:    userID,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ProjectID: sprint.ProjectID,
		SprintID:  sprint.ID,
	}
}

// SprintStarted notifies project members that a sprint began.
func (s *Service) SprintStarted(ctx context.Context, memberIDs []string, actor Actor, sprint SprintRef) ([]*db.Notification, error) {
	return s.fanOut(ctx, memberIDs, actor, func(userID string) Event {
		ev := sprintEvent(db.TypeSprintStarted, userID, actor, sprint)
		ev.Title = "Sprint started"
		ev.Message = fmt.Sprintf("%s started sprint %s", actor.display(), sprint.Name)
		return ev
	})
}

// SprintCompleted notifies project members that a sprint ended.
func (s *Service) SprintCompleted(ctx context.Context, memberIDs []string, actor Actor, sprint SprintRef, completedIssues int) ([]*db.Notification, error) {
	return s.fanOut(ctx, memberIDs, actor, func(userID string) Event {
		ev := sprintEvent(db.TypeSprintCompleted, userID, actor, sprint)
		ev.Title = "Sprint completed"
		ev.Message = fmt.Sprintf("%s completed sprint %s with %d issues done", actor.display(), sprint.Name, completedIssues)
		ev.Metadata = map[string]any{"completedIssues": completedIssues}
		return ev
	})
}

// TeamAdded notifies a user that they joined a team.
func (s *Service) TeamAdded(ctx context.Context, userID string, actor Actor, team TeamRef) (*db.Notification, error) {
	ev := Event{
		Type:      db.TypeTeamAdded,
		UserID:    userID,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		ProjectID: team.ProjectID,
		Title:     "Added to team",
		Message:   fmt.Sprintf("%s added you to team %s", actor.display(), team.Name),
		Metadata:  map[string]any{"teamId": team.ID},
	}
	return s.single(ctx, ev)
}
