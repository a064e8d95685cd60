package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/lalithlochan/pulse/internal/db"
)

var (
	ada   = Actor{ID: "ada", Name: "Ada"}
	issue = IssueRef{ID: "i1", Key: "PRJ-1", Title: "Fix login", ProjectID: "p1"}
)

func recipientsOf(notifs []*db.Notification) []string {
	ids := make([]string, 0, len(notifs))
	for _, n := range notifs {
		ids = append(ids, n.UserID)
	}
	sort.Strings(ids)
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFanOut_ExcludesActor(t *testing.T) {
	tests := []struct {
		name string
		call func(svc *Service, watchers []string) ([]*db.Notification, error)
		typ  db.NotificationType
	}{
		{"comment", func(svc *Service, w []string) ([]*db.Notification, error) {
			return svc.IssueCommented(context.Background(), w, ada, issue, "c1")
		}, db.TypeIssueCommented},
		{"mention", func(svc *Service, w []string) ([]*db.Notification, error) {
			return svc.Mentioned(context.Background(), w, ada, issue, "c1")
		}, db.TypeIssueMentioned},
		{"status change", func(svc *Service, w []string) ([]*db.Notification, error) {
			return svc.StatusChanged(context.Background(), w, ada, issue, "TODO", "DONE")
		}, db.TypeIssueStatusChanged},
		{"sprint started", func(svc *Service, w []string) ([]*db.Notification, error) {
			return svc.SprintStarted(context.Background(), w, ada, SprintRef{ID: "s1", Name: "Sprint 4", ProjectID: "p1"})
		}, db.TypeSprintStarted},
		{"sprint completed", func(svc *Service, w []string) ([]*db.Notification, error) {
			return svc.SprintCompleted(context.Background(), w, ada, SprintRef{ID: "s1", Name: "Sprint 4", ProjectID: "p1"}, 12)
		}, db.TypeSprintCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, dispatcher := newTestService()

			notifs, err := tt.call(svc, []string{"ada", "bob", "cy", "bob", ""})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := recipientsOf(notifs); !equalStrings(got, []string{"bob", "cy"}) {
				t.Errorf("expected bob and cy, got %v", got)
			}
			if len(store.forUser("ada")) != 0 {
				t.Error("actor must not be notified of their own action")
			}
			for _, p := range dispatcher.recorded() {
				if p.userID == "ada" {
					t.Error("actor must not receive a push")
				}
			}
			for _, n := range notifs {
				if n.Type != tt.typ {
					t.Errorf("expected type %s, got %s", tt.typ, n.Type)
				}
			}
		})
	}
}

func TestFanOut_OnlyActor(t *testing.T) {
	svc, store, _ := newTestService()

	notifs, err := svc.IssueCommented(context.Background(), []string{"ada"}, ada, issue, "c1")
	if err != nil || len(notifs) != 0 {
		t.Errorf("expected nothing, got %d notifications and %v", len(notifs), err)
	}
	if store.createCalls != 0 {
		t.Error("store should not be called")
	}
}

func TestSingleRecipientConstructors(t *testing.T) {
	tests := []struct {
		name      string
		call      func(svc *Service, userID string) (*db.Notification, error)
		typ       db.NotificationType
		wantTitle string
	}{
		{"assigned", func(svc *Service, u string) (*db.Notification, error) {
			return svc.IssueAssigned(context.Background(), u, ada, issue)
		}, db.TypeIssueAssigned, "Issue assigned to you"},
		{"watcher added", func(svc *Service, u string) (*db.Notification, error) {
			return svc.WatcherAdded(context.Background(), u, ada, issue)
		}, db.TypeWatcherAdded, "You are watching an issue"},
		{"team added", func(svc *Service, u string) (*db.Notification, error) {
			return svc.TeamAdded(context.Background(), u, ada, TeamRef{ID: "t1", Name: "Platform", ProjectID: "p1"})
		}, db.TypeTeamAdded, "Added to team"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService()

			notif, err := tt.call(svc, "bob")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if notif.Type != tt.typ || notif.Title != tt.wantTitle || notif.UserID != "bob" {
				t.Errorf("unexpected notification %+v", notif)
			}
			if notif.ActorID == nil || *notif.ActorID != "ada" {
				t.Error("actor should be recorded")
			}

			self, err := tt.call(svc, "ada")
			if err != nil || self != nil {
				t.Errorf("self action should be skipped, got %v, %v", self, err)
			}
			if len(store.forUser("ada")) != 0 {
				t.Error("actor must not be notified")
			}
		})
	}
}

func TestIssueAssigned_Message(t *testing.T) {
	svc, _, _ := newTestService()

	notif, err := svc.IssueAssigned(context.Background(), "bob", Actor{ID: "ada"}, IssueRef{ID: "i1", Key: "PRJ-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notif.Message != "Someone assigned you to PRJ-1" {
		t.Errorf("unexpected message %q", notif.Message)
	}
}

func TestStatusChanged_Metadata(t *testing.T) {
	svc, _, _ := newTestService()

	notifs, err := svc.StatusChanged(context.Background(), []string{"bob"}, ada, issue, "TODO", "DONE")
	if err != nil || len(notifs) != 1 {
		t.Fatalf("unexpected result %d, %v", len(notifs), err)
	}
	var meta map[string]string
	if err := json.Unmarshal(notifs[0].Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["from"] != "TODO" || meta["to"] != "DONE" {
		t.Errorf("unexpected metadata %v", meta)
	}
}

func TestIngest(t *testing.T) {
	tests := []struct {
		name    string
		kind    string
		data    string
		want    []string
		wantErr error
	}{
		{
			name: "issue assigned",
			kind: KindIssueAssigned,
			data: `{"assigneeId":"bob","actor":{"id":"ada","name":"Ada"},"issue":{"id":"i1","key":"PRJ-1"}}`,
			want: []string{"bob"},
		},
		{
			name: "self assignment",
			kind: KindIssueAssigned,
			data: `{"assigneeId":"ada","actor":{"id":"ada"},"issue":{"id":"i1"}}`,
			want: []string{},
		},
		{
			name: "comment",
			kind: KindIssueCommented,
			data: `{"watcherIds":["ada","bob","cy"],"actor":{"id":"ada"},"issue":{"id":"i1"},"commentId":"c1"}`,
			want: []string{"bob", "cy"},
		},
		{
			name: "mention",
			kind: KindIssueMentioned,
			data: `{"mentionedIds":["cy"],"actor":{"id":"ada"},"issue":{"id":"i1"}}`,
			want: []string{"cy"},
		},
		{
			name: "status change",
			kind: KindIssueStatusChanged,
			data: `{"watcherIds":["bob"],"actor":{"id":"ada"},"issue":{"id":"i1"},"from":"TODO","to":"DONE"}`,
			want: []string{"bob"},
		},
		{
			name: "watcher added",
			kind: KindWatcherAdded,
			data: `{"watcherId":"bob","actor":{"id":"ada"},"issue":{"id":"i1"}}`,
			want: []string{"bob"},
		},
		{
			name: "sprint started",
			kind: KindSprintStarted,
			data: `{"memberIds":["bob","cy"],"actor":{"id":"ada"},"sprint":{"id":"s1","name":"S4","projectId":"p1"}}`,
			want: []string{"bob", "cy"},
		},
		{
			name: "sprint completed",
			kind: KindSprintCompleted,
			data: `{"memberIds":["bob"],"actor":{"id":"ada"},"sprint":{"id":"s1"},"completedIssues":3}`,
			want: []string{"bob"},
		},
		{
			name: "team added",
			kind: KindTeamAdded,
			data: `{"userId":"bob","actor":{"id":"ada"},"team":{"id":"t1","name":"Core"}}`,
			want: []string{"bob"},
		},
		{
			name:    "unknown kind",
			kind:    "issue_deleted",
			data:    `{}`,
			wantErr: ErrInvalidEvent,
		},
		{
			name:    "malformed json",
			kind:    KindIssueAssigned,
			data:    `{"assigneeId":`,
			wantErr: ErrInvalidEvent,
		},
		{
			name: "sprint started by the system",
			kind: KindSprintStarted,
			data: `{"memberIds":["bob"],"sprint":{"id":"s1"}}`,
			want: []string{"bob"},
		},
		{
			name: "issue assigned without actor",
			kind: KindIssueAssigned,
			data: `{"assigneeId":"bob","issue":{"id":"i1"}}`,
			want: []string{"bob"},
		},
		{
			name:    "missing status target",
			kind:    KindIssueStatusChanged,
			data:    `{"watcherIds":["bob"],"actor":{"id":"ada"},"issue":{"id":"i1"},"from":"TODO"}`,
			wantErr: ErrInvalidEvent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _ := newTestService()

			notifs, err := svc.Ingest(context.Background(), tt.kind, json.RawMessage(tt.data))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
				if store.createCalls != 0 {
					t.Error("rejected events must not reach the store")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := recipientsOf(notifs); !equalStrings(got, tt.want) {
				t.Errorf("expected recipients %v, got %v", tt.want, got)
			}
		})
	}
}
