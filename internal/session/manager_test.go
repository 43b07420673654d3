package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/livecodehub/backend/internal/coalesce"
	"github.com/livecodehub/backend/internal/db"
	"github.com/livecodehub/backend/internal/events"
	"github.com/livecodehub/backend/internal/presence"
)

// fakeStore serves room seeds from memory.
type fakeStore struct {
	mu           sync.Mutex
	rooms        map[string]*db.Room
	participants map[string][]db.ParticipantRecord
	getErr       error

	updates []updateCall
}

type updateCall struct {
	roomID   string
	text     string
	editorID string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rooms:        make(map[string]*db.Room),
		participants: make(map[string][]db.ParticipantRecord),
	}
}

func (s *fakeStore) GetRoom(id string) (*db.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.rooms[id], nil
}

func (s *fakeStore) ListParticipants(roomID string) ([]db.ParticipantRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participants[roomID], nil
}

func (s *fakeStore) UpdateCode(roomID, text, editorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{roomID: roomID, text: text, editorID: editorID})
	return nil
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// recordingFanout captures every published event.
type recordingFanout struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	roomID  string
	event   string
	payload interface{}
	exclude string
}

func (f *recordingFanout) Publish(roomID, event string, payload interface{}, excludeConnID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, publishedEvent{roomID: roomID, event: event, payload: payload, exclude: excludeConnID})
}

func (f *recordingFanout) byEvent(event string) []publishedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedEvent
	for _, e := range f.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

// nopCoalescer discards edits; tests that care about persistence use the
// real coalescer instead.
type nopCoalescer struct {
	mu        sync.Mutex
	teardowns []string
}

func (c *nopCoalescer) Arm(roomID, text, userID string) {}

func (c *nopCoalescer) Teardown(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardowns = append(c.teardowns, roomID)
}

func (c *nopCoalescer) teardownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.teardowns)
}

type fixture struct {
	store     *fakeStore
	fanout    *recordingFanout
	coalescer *nopCoalescer
	presence  *presence.Store
	manager   *Manager
}

func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newFakeStore(),
		fanout:    &recordingFanout{},
		coalescer: &nopCoalescer{},
		presence:  presence.NewStore(),
	}
	f.store.rooms["r1"] = &db.Room{ID: "r1", Name: "test", Code: "// start"}
	f.manager = NewManager(f.store, f.fanout, f.coalescer, f.presence, DefaultConfig())
	go f.manager.Run()
	t.Cleanup(f.manager.Stop)
	return f
}

func (f *fixture) join(t *testing.T, userID, connID string) *Snapshot {
	t.Helper()
	snap, err := f.manager.Join("r1", presence.Participant{UserID: userID, Username: userID, ConnectionID: connID})
	if err != nil {
		t.Fatalf("Join failed for %s: %v", userID, err)
	}
	return snap
}

// settle waits for async commands to drain through the dispatch loop.
func settle() {
	time.Sleep(50 * time.Millisecond)
}

func TestJoinReturnsSnapshot(t *testing.T) {
	f := setup(t)

	snap := f.join(t, "alice", "c1")
	if snap.Code != "// start" {
		t.Errorf("Expected seeded code, got %q", snap.Code)
	}
	if snap.Role != "viewer" {
		t.Errorf("Expected default viewer role, got %q", snap.Role)
	}
	if len(snap.Participants) != 1 {
		t.Errorf("Expected 1 participant, got %d", len(snap.Participants))
	}
}

func TestJoinResolvesDurableRole(t *testing.T) {
	f := setup(t)
	f.store.participants["r1"] = []db.ParticipantRecord{{UserID: "alice", Username: "alice", Role: "editor"}}

	snap := f.join(t, "alice", "c1")
	if snap.Role != "editor" {
		t.Errorf("Expected durable editor role, got %q", snap.Role)
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	f := setup(t)

	_, err := f.manager.Join("missing", presence.Participant{UserID: "alice", ConnectionID: "c1"})
	if !errors.Is(err, ErrRoomNotFound) {
		t.Errorf("Expected ErrRoomNotFound, got %v", err)
	}
}

func TestJoinStoreError(t *testing.T) {
	f := setup(t)
	f.store.getErr = errors.New("db locked")

	_, err := f.manager.Join("r1", presence.Participant{UserID: "alice", ConnectionID: "c1"})
	if err == nil {
		t.Fatal("Expected an error from a failing seed")
	}
}

func TestRejoinDoesNotDuplicate(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	snap := f.join(t, "alice", "c1")
	if len(snap.Participants) != 1 {
		t.Errorf("Re-join should not duplicate, got %d participants", len(snap.Participants))
	}
}

func TestJoinBroadcastsParticipants(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	settle()

	updates := f.fanout.byEvent(events.ParticipantsUpdated)
	if len(updates) != 2 {
		t.Fatalf("Expected 2 participant broadcasts, got %d", len(updates))
	}
	last := updates[len(updates)-1].payload.(events.ParticipantsUpdatedPayload)
	if len(last.Participants) != 2 {
		t.Errorf("Expected 2 participants in final broadcast, got %d", len(last.Participants))
	}
	if updates[len(updates)-1].exclude != "" {
		t.Error("Participant broadcasts must reach the joiner too")
	}
}

func TestLeaveBroadcastsRemaining(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.manager.Leave("r1", "alice", "c1")
	settle()

	updates := f.fanout.byEvent(events.ParticipantsUpdated)
	last := updates[len(updates)-1].payload.(events.ParticipantsUpdatedPayload)
	if len(last.Participants) != 1 {
		t.Fatalf("Expected 1 remaining participant, got %d", len(last.Participants))
	}
	if last.Participants[0].UserID != "bob" {
		t.Errorf("Expected bob to remain, got %s", last.Participants[0].UserID)
	}
}

func TestLastLeaveDiscardsRoom(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.Leave("r1", "alice", "c1")
	settle()

	if f.coalescer.teardownCount() != 1 {
		t.Errorf("Expected coalescer teardown on empty room, got %d", f.coalescer.teardownCount())
	}
	if f.presence.RoomCount() != 0 {
		t.Errorf("Expected room state dropped, got %d rooms", f.presence.RoomCount())
	}

	// The room works again on the next join, freshly seeded.
	snap := f.join(t, "bob", "c3")
	if snap.Code != "// start" {
		t.Errorf("Re-seeded room should serve durable code, got %q", snap.Code)
	}
}

func TestLeaveKeepsUserWithSecondConnection(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.join(t, "alice", "c2")
	f.manager.Leave("r1", "alice", "c1")
	settle()

	if !f.presence.HasParticipant("r1", "alice") {
		t.Error("User with a live second connection must stay a participant")
	}
	if f.coalescer.teardownCount() != 0 {
		t.Error("Room must not be torn down while a connection remains")
	}
}

func TestEditBroadcastsExcludingSender(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.join(t, "bob", "c2")
	f.manager.SubmitEdit("r1", "alice", "c1", "hello")
	settle()

	changes := f.fanout.byEvent(events.CodeChanged)
	if len(changes) != 1 {
		t.Fatalf("Expected 1 code broadcast, got %d", len(changes))
	}
	if changes[0].exclude != "c1" {
		t.Errorf("Edit broadcast must exclude the sender connection, got %q", changes[0].exclude)
	}
	payload := changes[0].payload.(events.CodeChangedPayload)
	if payload.Text != "hello" || payload.ChangedBy != "alice" {
		t.Errorf("Unexpected payload: %+v", payload)
	}
}

func TestEditFromNonParticipantDropped(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.SubmitEdit("r1", "mallory", "c9", "injected")
	settle()

	if got := f.fanout.byEvent(events.CodeChanged); len(got) != 0 {
		t.Errorf("Edit from a non-participant must be dropped, got %d broadcasts", len(got))
	}
}

func TestOversizeEditDropped(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	big := make([]byte, DefaultConfig().MaxDocumentSize+1)
	f.manager.SubmitEdit("r1", "alice", "c1", string(big))
	settle()

	if got := f.fanout.byEvent(events.CodeChanged); len(got) != 0 {
		t.Errorf("Oversize edit must be dropped silently, got %d broadcasts", len(got))
	}

	// Prior state stands: a later joiner sees the seeded document.
	snap := f.join(t, "bob", "c2")
	if snap.Code != "// start" {
		t.Errorf("Expected prior code after dropped edit, got %q", snap.Code)
	}
}

func TestJoinAfterEditSeesLatestCode(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.SubmitEdit("r1", "alice", "c1", "edited")
	settle()

	snap := f.join(t, "bob", "c2")
	if snap.Code != "edited" {
		t.Errorf("Joiner should see the in-memory authoritative text, got %q", snap.Code)
	}
}

func TestCursorBroadcastAndSnapshot(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.UpdateCursor("r1", "alice", "c1", 12, &events.Selection{Start: 3, End: 9})
	settle()

	moved := f.fanout.byEvent(events.CursorChanged)
	if len(moved) != 1 {
		t.Fatalf("Expected 1 cursor broadcast, got %d", len(moved))
	}
	if moved[0].exclude != "c1" {
		t.Error("Cursor broadcast must exclude the sender connection")
	}

	snap := f.join(t, "bob", "c2")
	if len(snap.Cursors) != 1 {
		t.Fatalf("Joiner snapshot should include live cursors, got %d", len(snap.Cursors))
	}
	if snap.Cursors[0].Position != 12 {
		t.Errorf("Expected position 12, got %d", snap.Cursors[0].Position)
	}
	if snap.Cursors[0].Selection == nil || snap.Cursors[0].Selection.End != 9 {
		t.Errorf("Selection lost in snapshot: %+v", snap.Cursors[0].Selection)
	}
}

func TestTypingEvents(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.SetTyping("r1", "alice", "c1", true)
	f.manager.SetTyping("r1", "alice", "c1", false)
	settle()

	if got := f.fanout.byEvent(events.UserTypingStart); len(got) != 1 {
		t.Errorf("Expected 1 typing-start, got %d", len(got))
	}
	if got := f.fanout.byEvent(events.UserTypingStop); len(got) != 1 {
		t.Errorf("Expected 1 typing-stop, got %d", len(got))
	}
}

func TestChatReachesEveryoneIncludingSender(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.SendChat("r1", "alice", "alice", "  hi there  ")
	settle()

	messages := f.fanout.byEvent(events.NewMessage)
	if len(messages) != 1 {
		t.Fatalf("Expected 1 chat broadcast, got %d", len(messages))
	}
	if messages[0].exclude != "" {
		t.Error("Chat must reach the sender too")
	}
	payload := messages[0].payload.(events.NewMessagePayload)
	if payload.Text != "hi there" {
		t.Errorf("Expected trimmed text, got %q", payload.Text)
	}
}

func TestEmptyChatDropped(t *testing.T) {
	f := setup(t)

	f.join(t, "alice", "c1")
	f.manager.SendChat("r1", "alice", "alice", "   ")
	settle()

	if got := f.fanout.byEvent(events.NewMessage); len(got) != 0 {
		t.Errorf("Whitespace-only chat must be dropped, got %d broadcasts", len(got))
	}
}

// TestEditPersistenceEndToEnd runs the manager against the real coalescer:
// a burst of edits produces exactly one durable write carrying the final
// text, plus a save confirmation to the room.
func TestEditPersistenceEndToEnd(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &db.Room{ID: "r1", Name: "test", Code: ""}
	fanout := &recordingFanout{}
	pres := presence.NewStore()

	coalescer := coalesce.New(store, coalesce.Config{Window: 40 * time.Millisecond})
	defer coalescer.Close()
	coalescer.OnSaved(func(roomID, savedBy string, at time.Time) {
		fanout.Publish(roomID, events.CodeSaved, events.CodeSavedPayload{SavedBy: savedBy, Timestamp: at}, "")
	})

	manager := NewManager(store, fanout, coalescer, pres, DefaultConfig())
	go manager.Run()
	defer manager.Stop()

	if _, err := manager.Join("r1", presence.Participant{UserID: "alice", Username: "alice", ConnectionID: "c1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := manager.Join("r1", presence.Participant{UserID: "bob", Username: "bob", ConnectionID: "c2"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	manager.SubmitEdit("r1", "alice", "c1", "h")
	manager.SubmitEdit("r1", "alice", "c1", "he")
	manager.SubmitEdit("r1", "alice", "c1", "hel")
	manager.SubmitEdit("r1", "alice", "c1", "hello")

	time.Sleep(150 * time.Millisecond)

	if got := store.updateCount(); got != 1 {
		t.Fatalf("Expected exactly 1 durable write, got %d", got)
	}
	store.mu.Lock()
	call := store.updates[0]
	store.mu.Unlock()
	if call.roomID != "r1" || call.text != "hello" || call.editorID != "alice" {
		t.Errorf("Unexpected durable write: %+v", call)
	}

	// Everyone else saw each keystroke; the room saw one save confirmation.
	if got := fanout.byEvent(events.CodeChanged); len(got) != 4 {
		t.Errorf("Expected 4 code broadcasts, got %d", len(got))
	}
	if got := fanout.byEvent(events.CodeSaved); len(got) != 1 {
		t.Errorf("Expected 1 save confirmation, got %d", len(got))
	}
}

// TestRoomTeardownCancelsPersistence verifies the last leave discards the
// pending buffer without flushing it.
func TestRoomTeardownCancelsPersistence(t *testing.T) {
	store := newFakeStore()
	store.rooms["r1"] = &db.Room{ID: "r1", Name: "test", Code: ""}
	fanout := &recordingFanout{}
	pres := presence.NewStore()

	coalescer := coalesce.New(store, coalesce.Config{Window: 60 * time.Millisecond})
	defer coalescer.Close()

	manager := NewManager(store, fanout, coalescer, pres, DefaultConfig())
	go manager.Run()
	defer manager.Stop()

	if _, err := manager.Join("r1", presence.Participant{UserID: "alice", Username: "alice", ConnectionID: "c1"}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	manager.SubmitEdit("r1", "alice", "c1", "never persisted")
	manager.Leave("r1", "alice", "c1")

	time.Sleep(150 * time.Millisecond)

	if got := store.updateCount(); got != 0 {
		t.Errorf("Teardown should discard the pending edit, got %d writes", got)
	}
}
