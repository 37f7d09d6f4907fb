package ws

import (
	"buttonsync/internal/model"
	"encoding/json"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan []byte) *Message {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatal("send channel closed")
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return &msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return nil
}

func TestHubBroadcastsToSessionSubscribers(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	defer hub.Close()

	a := &Connection{ID: "a", SessionID: "AB3D9K", Send: make(chan []byte, 4), Hub: hub}
	b := &Connection{ID: "b", SessionID: "AB3D9K", Send: make(chan []byte, 4), Hub: hub}
	other := &Connection{ID: "c", SessionID: "ZZZZZZ", Send: make(chan []byte, 4), Hub: hub}
	hub.Register(a)
	hub.Register(b)
	hub.Register(other)

	hub.BroadcastSession(&model.SessionView{SessionID: "AB3D9K", Status: model.SessionSuccess})

	for _, conn := range []*Connection{a, b} {
		msg := receive(t, conn.Send)
		if msg.Type != MsgSession {
			t.Errorf("expected session message, got %s", msg.Type)
		}
		var view model.SessionView
		if err := json.Unmarshal(msg.Payload, &view); err != nil {
			t.Fatal(err)
		}
		if view.Status != model.SessionSuccess {
			t.Errorf("expected success, got %s", view.Status)
		}
	}

	select {
	case <-other.Send:
		t.Error("subscriber of another session received the update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubUnregisterClosesSend(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	defer hub.Close()

	conn := &Connection{ID: "a", SessionID: "AB3D9K", Send: make(chan []byte, 1), Hub: hub}
	hub.Register(conn)
	hub.Unregister(conn)

	select {
	case _, ok := <-conn.Send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed")
	}
	if n := hub.Subscribers("AB3D9K"); n != 0 {
		t.Errorf("expected no subscribers, got %d", n)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	conn := &Connection{ID: "a", SessionID: "AB3D9K", Send: make(chan []byte, 1), Hub: hub}
	hub.Register(conn)

	hub.Close()
	hub.Close()

	select {
	case _, ok := <-conn.Send:
		if ok {
			t.Error("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send channel not closed on hub close")
	}
	// Calls after close must not block.
	hub.Unregister(conn)
}

func TestHubDeliverDropsStaleSnapshot(t *testing.T) {
	t.Parallel()
	hub := NewHub()
	defer hub.Close()

	conn := &Connection{ID: "a", SessionID: "AB3D9K", Send: make(chan []byte, 4), Hub: hub}
	other := &Connection{ID: "b", SessionID: "AB3D9K", Send: make(chan []byte, 4), Hub: hub}
	hub.Register(conn)
	hub.Register(other)

	hub.BroadcastSession(&model.SessionView{SessionID: "AB3D9K", Status: model.SessionWaiting, HelperPressed: true, Version: 2})
	hub.Deliver(conn, &model.SessionView{SessionID: "AB3D9K", Status: model.SessionWaiting, Version: 1})
	hub.Deliver(conn, &model.SessionView{SessionID: "AB3D9K", Status: model.SessionWaiting, HelperPressed: true, Version: 2})

	var view model.SessionView
	for i := 0; i < 2; i++ {
		msg := receive(t, conn.Send)
		if err := json.Unmarshal(msg.Payload, &view); err != nil {
			t.Fatal(err)
		}
		if view.Version != 2 {
			t.Errorf("frame %d: expected version 2, got %d", i, view.Version)
		}
	}
	select {
	case <-conn.Send:
		t.Error("stale snapshot was delivered")
	case <-time.After(50 * time.Millisecond):
	}

	// Deliver is addressed to one connection only.
	receive(t, other.Send)
	select {
	case <-other.Send:
		t.Error("targeted snapshot reached another subscriber")
	case <-time.After(50 * time.Millisecond):
	}
}
