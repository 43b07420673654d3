package ws

import (
	"encoding/json"
	"testing"

	"github.com/livecodehub/backend/internal/events"
)

func newTestClient(connID string) *Client {
	return &Client{
		send:   make(chan []byte, 64),
		connID: connID,
		rooms:  make(map[string]bool),
	}
}

func drain(c *Client) []events.Envelope {
	var received []events.Envelope
	for {
		select {
		case data := <-c.send:
			var env events.Envelope
			if err := json.Unmarshal(data, &env); err == nil {
				received = append(received, env)
			}
		default:
			return received
		}
	}
}

func TestHubCreation(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("Hub should not be nil")
	}
	if hub.GetRoomCount() != 0 {
		t.Errorf("Expected 0 rooms, got %d", hub.GetRoomCount())
	}
	if hub.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.GetClientCount())
	}
}

func TestPublishReachesSubscribers(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "room-1")
	hub.Subscribe(b, "room-1")

	hub.Publish("room-1", events.CodeChanged, events.CodeChangedPayload{Text: "hi", ChangedBy: "u1"}, "")

	for _, c := range []*Client{a, b} {
		got := drain(c)
		if len(got) != 1 {
			t.Fatalf("Client %s: expected 1 message, got %d", c.connID, len(got))
		}
		if got[0].Event != events.CodeChanged {
			t.Errorf("Client %s: expected %s, got %s", c.connID, events.CodeChanged, got[0].Event)
		}
	}
}

func TestPublishExcludesSender(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "room-1")
	hub.Subscribe(b, "room-1")

	hub.Publish("room-1", events.CursorChanged, events.CursorChangedPayload{UserID: "u1"}, "conn-a")

	if got := drain(a); len(got) != 0 {
		t.Errorf("Excluded sender received %d messages", len(got))
	}
	if got := drain(b); len(got) != 1 {
		t.Errorf("Expected 1 message for other client, got %d", len(got))
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	hub.Register(a)
	hub.Subscribe(a, "room-1")

	texts := []string{"one", "two", "three", "four"}
	for _, text := range texts {
		hub.Publish("room-1", events.CodeChanged, events.CodeChangedPayload{Text: text}, "")
	}

	got := drain(a)
	if len(got) != len(texts) {
		t.Fatalf("Expected %d messages, got %d", len(texts), len(got))
	}
	for i, env := range got {
		var payload events.CodeChangedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if payload.Text != texts[i] {
			t.Errorf("Message %d: expected %q, got %q", i, texts[i], payload.Text)
		}
	}
}

func TestPublishSkipsOtherRooms(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "room-1")
	hub.Subscribe(b, "room-2")

	hub.Publish("room-1", events.CodeChanged, events.CodeChangedPayload{Text: "x"}, "")

	if got := drain(b); len(got) != 0 {
		t.Errorf("Client in another room received %d messages", len(got))
	}
}

func TestPublishToUnknownRoomIsNoop(t *testing.T) {
	hub := NewHub()
	// Must not panic or error.
	hub.Publish("nowhere", events.CodeChanged, events.CodeChangedPayload{Text: "x"}, "")
}

func TestPublishSkipsFullSendQueue(t *testing.T) {
	hub := NewHub()

	a := &Client{send: make(chan []byte, 1), connID: "conn-a", rooms: make(map[string]bool)}
	hub.Register(a)
	hub.Subscribe(a, "room-1")

	hub.Publish("room-1", events.CodeChanged, events.CodeChangedPayload{Text: "first"}, "")
	// Queue is full now; this delivery is skipped, not an error.
	hub.Publish("room-1", events.CodeChanged, events.CodeChangedPayload{Text: "second"}, "")

	if got := drain(a); len(got) != 1 {
		t.Errorf("Expected 1 message after overflow, got %d", len(got))
	}
}

func TestUnregisterRemovesFromRooms(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	hub.Register(a)
	hub.Subscribe(a, "room-1")

	if hub.GetRoomCount() != 1 {
		t.Fatalf("Expected 1 room, got %d", hub.GetRoomCount())
	}

	hub.Unregister(a)

	if hub.GetRoomCount() != 0 {
		t.Errorf("Expected 0 rooms after unregister, got %d", hub.GetRoomCount())
	}
	if hub.GetClientCount() != 0 {
		t.Errorf("Expected 0 clients after unregister, got %d", hub.GetClientCount())
	}

	// The send channel must be closed so writePump exits.
	if _, ok := <-a.send; ok {
		t.Error("Send channel should be closed after unregister")
	}
}

func TestSendTargetsOneConnection(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	hub.Register(a)
	hub.Register(b)

	hub.Send("conn-a", events.Error, events.ErrorPayload{Message: "nope", RoomID: "room-1"})

	if got := drain(a); len(got) != 1 {
		t.Errorf("Expected 1 message for target, got %d", len(got))
	}
	if got := drain(b); len(got) != 0 {
		t.Errorf("Expected 0 messages for other client, got %d", len(got))
	}
}

func TestGetActiveRooms(t *testing.T) {
	hub := NewHub()

	a := newTestClient("conn-a")
	b := newTestClient("conn-b")
	hub.Register(a)
	hub.Register(b)
	hub.Subscribe(a, "room-1")
	hub.Subscribe(b, "room-1")
	hub.Subscribe(b, "room-2")

	active := hub.GetActiveRooms()
	if active["room-1"] != 2 {
		t.Errorf("Expected 2 subscribers in room-1, got %d", active["room-1"])
	}
	if active["room-2"] != 1 {
		t.Errorf("Expected 1 subscriber in room-2, got %d", active["room-2"])
	}
}
