package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func decodeFrame(t *testing.T, frame Frame) (string, map[string]any) {
	t.Helper()
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	var data map[string]any
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	return env.Event, data
}

func TestDispatcher_SendToUser_MultiDevice(t *testing.T) {
	r := NewRegistry()
	c1 := boundHandle("c1", "u1")
	c2 := boundHandle("c2", "u1")
	other := boundHandle("c3", "u2")
	r.Register("u1", c1)
	r.Register("u1", c2)
	r.Register("u2", other)

	d := NewDispatcher(r, zap.NewNop())
	delivered, err := d.SendToUser("u1", EventNotificationRead, map[string]string{"id": "n1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %d", delivered)
	}

	f1, f2 := c1.received(), c2.received()
	if len(f1) != 1 || len(f2) != 1 {
		t.Fatalf("expected one frame per device, got %d and %d", len(f1), len(f2))
	}
	if !bytes.Equal(f1[0], f2[0]) {
		t.Error("devices should receive identical payloads")
	}
	event, data := decodeFrame(t, f1[0])
	if event != EventNotificationRead || data["id"] != "n1" {
		t.Errorf("unexpected frame %s %v", event, data)
	}
	if len(other.received()) != 0 {
		t.Error("other users must not receive the push")
	}
}

func TestDispatcher_SendToUser_Offline(t *testing.T) {
	d := NewDispatcher(NewRegistry(), zap.NewNop())

	delivered, err := d.SendToUser("nobody", EventNotification, map[string]string{})
	if err != nil {
		t.Errorf("offline user should not be an error: %v", err)
	}
	if delivered != 0 {
		t.Errorf("expected 0 deliveries, got %d", delivered)
	}
}

func TestDispatcher_SendToUser_PartialFailure(t *testing.T) {
	r := NewRegistry()
	good := boundHandle("good", "u1")
	full := boundHandle("full", "u1")
	full.sendErr = ErrSendBufferFull
	r.Register("u1", good)
	r.Register("u1", full)

	d := NewDispatcher(r, zap.NewNop())
	delivered, err := d.SendToUser("u1", EventNotification, map[string]string{"id": "n1"})
	if delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", delivered)
	}
	if !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("expected ErrSendBufferFull, got %v", err)
	}
	if len(good.received()) != 1 {
		t.Error("healthy connection should still receive the frame")
	}
}

func TestDispatcher_SendToUsers_IsolatesRecipients(t *testing.T) {
	r := NewRegistry()
	broken := boundHandle("b", "u1")
	broken.sendErr = ErrConnClosed
	ok2 := boundHandle("c2", "u2")
	ok3 := boundHandle("c3", "u3")
	r.Register("u1", broken)
	r.Register("u2", ok2)
	r.Register("u3", ok3)

	d := NewDispatcher(r, zap.NewNop())
	delivered, err := d.SendToUsers([]string{"u1", "u2", "offline", "u3"}, EventAnnouncement, map[string]string{"message": "hi"})
	if delivered != 2 {
		t.Errorf("expected 2 deliveries, got %d", delivered)
	}
	if !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed in joined error, got %v", err)
	}
	if len(ok2.received()) != 1 || len(ok3.received()) != 1 {
		t.Error("recipients after a failing one should still be served")
	}
}

func TestDispatcher_Broadcast(t *testing.T) {
	r := NewRegistry()
	handles := []*fakeHandle{
		boundHandle("a", "u1"),
		boundHandle("b", "u1"),
		boundHandle("c", "u2"),
	}
	for _, h := range handles {
		r.Register(h.userID, h)
	}

	d := NewDispatcher(r, zap.NewNop())
	delivered, err := d.Broadcast(EventAnnouncement, map[string]string{"message": "maintenance"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if delivered != len(handles) {
		t.Errorf("expected %d deliveries, got %d", len(handles), delivered)
	}
	for _, h := range handles {
		if len(h.received()) != 1 {
			t.Errorf("connection %s did not receive the broadcast", h.id)
		}
	}
}

func TestDispatcher_UnencodablePayload(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", boundHandle("c1", "u1"))
	d := NewDispatcher(r, zap.NewNop())

	if _, err := d.SendToUser("u1", EventNotification, make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}
