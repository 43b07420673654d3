package session

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/livecodehub/backend/internal/db"
	"github.com/livecodehub/backend/internal/events"
	"github.com/livecodehub/backend/internal/metrics"
	"github.com/livecodehub/backend/internal/presence"
)

var (
	ErrRoomNotFound = errors.New("session: room not found")
	ErrStopped      = errors.New("session: manager stopped")
)

// RoomStore is the narrow durable-store contract the session manager
// consumes. *db.Database satisfies it.
type RoomStore interface {
	GetRoom(id string) (*db.Room, error)
	ListParticipants(roomID string) ([]db.ParticipantRecord, error)
}

// Fanout delivers an event to every connection subscribed to a room,
// optionally excluding the originating connection.
type Fanout interface {
	Publish(roomID, event string, payload interface{}, excludeConnID string)
}

// EditCoalescer buffers document edits for delayed persistence.
type EditCoalescer interface {
	Arm(roomID, text, userID string)
	Teardown(roomID string)
}

type Config struct {
	MaxDocumentSize int
	CursorTTL       time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxDocumentSize: 1000000,
		CursorTTL:       30 * time.Second,
	}
}

// Snapshot is what a joining connection gets back: the current membership,
// everyone else's live cursors, and the authoritative document text.
type Snapshot struct {
	RoomID       string
	Role         string
	Code         string
	Participants []events.ParticipantInfo
	Cursors      []events.CursorChangedPayload
}

// roomMeta is the per-room state owned exclusively by the dispatch loop:
// the durable role seed and the live authoritative document text.
type roomMeta struct {
	seeded       bool
	roles        map[string]string
	code         string
	pendingJoins []*joinCmd
}

// Manager orchestrates the join/leave/edit lifecycle for all rooms. Every
// state mutation runs on the single Run loop; public methods only enqueue
// typed commands, and durable-store reads finish by re-entering the loop as
// a seed command. That confinement is what makes the empty-room check-then-
// discard atomic without locks.
type Manager struct {
	presence  *presence.Store
	fanout    Fanout
	store     RoomStore
	coalescer EditCoalescer
	config    Config

	rooms    map[string]*roomMeta
	commands chan command
	stop     chan struct{}
	done     chan struct{}
}

type command interface{}

type joinCmd struct {
	roomID string
	user   presence.Participant
	reply  chan joinResult
}

type joinResult struct {
	snapshot *Snapshot
	err      error
}

type seedCmd struct {
	roomID       string
	room         *db.Room
	participants []db.ParticipantRecord
	err          error
}

type leaveCmd struct {
	roomID string
	userID string
	connID string
}

type editCmd struct {
	roomID string
	userID string
	connID string
	text   string
}

type cursorCmd struct {
	roomID    string
	userID    string
	connID    string
	position  int
	selection *events.Selection
}

type typingCmd struct {
	roomID   string
	userID   string
	connID   string
	isTyping bool
}

type chatCmd struct {
	roomID   string
	userID   string
	username string
	message  string
}

func NewManager(store RoomStore, fanout Fanout, coalescer EditCoalescer, pres *presence.Store, config Config) *Manager {
	return &Manager{
		presence:  pres,
		fanout:    fanout,
		store:     store,
		coalescer: coalescer,
		config:    config,
		rooms:     make(map[string]*roomMeta),
		commands:  make(chan command, 256),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run processes commands until Stop is called. All room-state mutation
// happens here.
func (m *Manager) Run() {
	defer close(m.done)
	for {
		select {
		case cmd := <-m.commands:
			m.handle(cmd)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) enqueue(cmd command) bool {
	select {
	case m.commands <- cmd:
		return true
	case <-m.stop:
		return false
	}
}

// Join registers the participant and returns the room snapshot for the
// joining connection. Re-joining an already-present user refreshes metadata
// without error and never duplicates the entry.
func (m *Manager) Join(roomID string, user presence.Participant) (*Snapshot, error) {
	reply := make(chan joinResult, 1)
	if !m.enqueue(&joinCmd{roomID: roomID, user: user, reply: reply}) {
		return nil, ErrStopped
	}
	res := <-reply
	return res.snapshot, res.err
}

// Leave removes one of the user's connections from the room. The
// participant goes away with its last connection, and an emptied room is
// discarded in the same dispatch step.
func (m *Manager) Leave(roomID, userID, connID string) {
	m.enqueue(&leaveCmd{roomID: roomID, userID: userID, connID: connID})
}

// SubmitEdit broadcasts the change to everyone else immediately and arms the
// coalescer for delayed persistence. Oversize edits are dropped silently.
func (m *Manager) SubmitEdit(roomID, userID, connID, text string) {
	m.enqueue(&editCmd{roomID: roomID, userID: userID, connID: connID, text: text})
}

// UpdateCursor replaces the user's cursor record and broadcasts it to
// everyone but the sender.
func (m *Manager) UpdateCursor(roomID, userID, connID string, position int, selection *events.Selection) {
	m.enqueue(&cursorCmd{roomID: roomID, userID: userID, connID: connID, position: position, selection: selection})
}

// SetTyping flips the typing flag and broadcasts the start/stop event.
func (m *Manager) SetTyping(roomID, userID, connID string, isTyping bool) {
	m.enqueue(&typingCmd{roomID: roomID, userID: userID, connID: connID, isTyping: isTyping})
}

// SendChat relays a chat line to the whole room, sender included.
func (m *Manager) SendChat(roomID, userID, username, message string) {
	m.enqueue(&chatCmd{roomID: roomID, userID: userID, username: username, message: message})
}

func (m *Manager) handle(cmd command) {
	switch c := cmd.(type) {
	case *joinCmd:
		m.handleJoin(c)
	case *seedCmd:
		m.handleSeed(c)
	case *leaveCmd:
		m.handleLeave(c)
	case *editCmd:
		m.handleEdit(c)
	case *cursorCmd:
		m.handleCursor(c)
	case *typingCmd:
		m.handleTyping(c)
	case *chatCmd:
		m.handleChat(c)
	default:
		log.Printf("Session: unknown command %T", cmd)
	}
}

func (m *Manager) handleJoin(c *joinCmd) {
	meta, ok := m.rooms[c.roomID]
	if !ok {
		// First join for this room: seed roles and document text from
		// the durable store. The fetch runs off the loop and re-enters
		// as a seedCmd so dispatch never blocks on the database.
		meta = &roomMeta{}
		m.rooms[c.roomID] = meta
		meta.pendingJoins = append(meta.pendingJoins, c)
		go m.fetchSeed(c.roomID)
		return
	}
	if !meta.seeded {
		meta.pendingJoins = append(meta.pendingJoins, c)
		return
	}
	m.finishJoin(meta, c)
}

func (m *Manager) fetchSeed(roomID string) {
	room, err := m.store.GetRoom(roomID)
	if err != nil {
		m.enqueue(&seedCmd{roomID: roomID, err: err})
		return
	}
	if room == nil {
		m.enqueue(&seedCmd{roomID: roomID})
		return
	}
	participants, err := m.store.ListParticipants(roomID)
	if err != nil {
		m.enqueue(&seedCmd{roomID: roomID, err: err})
		return
	}
	m.enqueue(&seedCmd{roomID: roomID, room: room, participants: participants})
}

func (m *Manager) handleSeed(c *seedCmd) {
	meta, ok := m.rooms[c.roomID]
	if !ok {
		return
	}
	pending := meta.pendingJoins
	meta.pendingJoins = nil

	if c.err != nil || c.room == nil {
		delete(m.rooms, c.roomID)
		err := ErrRoomNotFound
		if c.err != nil {
			log.Printf("Session: seed failed for room %s: %v", c.roomID, c.err)
			err = c.err
		}
		for _, join := range pending {
			join.reply <- joinResult{err: err}
		}
		return
	}

	meta.seeded = true
	meta.code = c.room.Code
	meta.roles = make(map[string]string, len(c.participants))
	for _, p := range c.participants {
		meta.roles[p.UserID] = p.Role
	}

	for _, join := range pending {
		m.finishJoin(meta, join)
	}
}

func (m *Manager) finishJoin(meta *roomMeta, c *joinCmd) {
	user := c.user
	if user.Role == "" {
		user.Role = meta.roles[user.UserID]
	}
	if user.Role == "" {
		user.Role = "viewer"
	}

	m.presence.AddParticipant(c.roomID, user)
	metrics.ActiveRooms.Set(float64(m.presence.RoomCount()))

	snapshot := &Snapshot{
		RoomID:       c.roomID,
		Role:         user.Role,
		Code:         meta.code,
		Participants: m.participantInfos(c.roomID),
		Cursors:      m.cursorInfos(c.roomID, user.UserID),
	}
	c.reply <- joinResult{snapshot: snapshot}

	// The joiner receives this too, so every member converges on the
	// same participant list.
	m.broadcastParticipants(c.roomID)
	log.Printf("User %s joined room %s (members: %d)", user.UserID, c.roomID, len(snapshot.Participants))
}

func (m *Manager) handleLeave(c *leaveCmd) {
	if !m.presence.RemoveConnection(c.roomID, c.userID, c.connID) {
		// The user is still in the room through another connection, or
		// was never in it.
		return
	}

	// Re-check inside this dispatch step: a join racing with this leave
	// lands behind it in the command queue, so a zero count here is
	// authoritative.
	if m.presence.ParticipantCount(c.roomID) == 0 {
		m.coalescer.Teardown(c.roomID)
		m.presence.DropRoom(c.roomID)
		delete(m.rooms, c.roomID)
		log.Printf("Room %s closed (empty)", c.roomID)
	} else {
		m.broadcastParticipants(c.roomID)
	}
	metrics.ActiveRooms.Set(float64(m.presence.RoomCount()))
}

func (m *Manager) handleEdit(c *editCmd) {
	meta, ok := m.rooms[c.roomID]
	if !ok || !meta.seeded {
		return
	}
	if !m.presence.HasParticipant(c.roomID, c.userID) {
		return
	}
	if len(c.text) > m.config.MaxDocumentSize {
		// Dropped, never an error to the caller. Prior state stands.
		metrics.EventsDropped.WithLabelValues("oversize").Inc()
		log.Printf("Dropped oversize edit for room %s (%d bytes)", c.roomID, len(c.text))
		return
	}

	meta.code = c.text
	m.presence.Touch(c.roomID, c.userID)

	m.publish(c.roomID, events.CodeChanged, events.CodeChangedPayload{
		Text:      c.text,
		ChangedBy: c.userID,
	}, c.connID)

	m.coalescer.Arm(c.roomID, c.text, c.userID)
}

func (m *Manager) handleCursor(c *cursorCmd) {
	user := m.participant(c.roomID, c.userID)
	if user == nil {
		return
	}

	var sel *presence.Range
	if c.selection != nil {
		sel = &presence.Range{Start: c.selection.Start, End: c.selection.End}
	}
	ok := m.presence.SetCursor(c.roomID, presence.CursorState{
		UserID:    c.userID,
		Username:  user.Username,
		Position:  c.position,
		Selection: sel,
	})
	if !ok {
		return
	}
	m.presence.Touch(c.roomID, c.userID)

	// The sender already has authoritative local state; exclude it.
	m.publish(c.roomID, events.CursorChanged, events.CursorChangedPayload{
		UserID:    c.userID,
		Username:  user.Username,
		Position:  c.position,
		Selection: c.selection,
	}, c.connID)
}

func (m *Manager) handleTyping(c *typingCmd) {
	user := m.participant(c.roomID, c.userID)
	if user == nil {
		return
	}
	if !m.presence.SetTyping(c.roomID, c.userID, user.Username, c.isTyping) {
		return
	}
	m.presence.Touch(c.roomID, c.userID)

	event := events.UserTypingStop
	if c.isTyping {
		event = events.UserTypingStart
	}
	m.publish(c.roomID, event, events.TypingUserPayload{
		UserID:   c.userID,
		Username: user.Username,
	}, c.connID)
}

func (m *Manager) handleChat(c *chatCmd) {
	if !m.presence.HasParticipant(c.roomID, c.userID) {
		return
	}
	text := strings.TrimSpace(c.message)
	if text == "" {
		return
	}
	m.presence.Touch(c.roomID, c.userID)

	// Chat goes to the whole room, sender included.
	m.publish(c.roomID, events.NewMessage, events.NewMessagePayload{
		User:      events.MessageSender{UserID: c.userID, Username: c.username},
		Text:      text,
		Timestamp: time.Now().UTC(),
	}, "")
}

func (m *Manager) participant(roomID, userID string) *presence.Participant {
	for _, p := range m.presence.Participants(roomID) {
		if p.UserID == userID {
			return &p
		}
	}
	return nil
}

func (m *Manager) participantInfos(roomID string) []events.ParticipantInfo {
	members := m.presence.Participants(roomID)
	infos := make([]events.ParticipantInfo, 0, len(members))
	for _, p := range members {
		infos = append(infos, events.ParticipantInfo{
			UserID:   p.UserID,
			Username: p.Username,
			Role:     p.Role,
		})
	}
	return infos
}

func (m *Manager) cursorInfos(roomID, excludeUserID string) []events.CursorChangedPayload {
	cursors := m.presence.Cursors(roomID, excludeUserID, m.config.CursorTTL)
	infos := make([]events.CursorChangedPayload, 0, len(cursors))
	for _, c := range cursors {
		var sel *events.Selection
		if c.Selection != nil {
			sel = &events.Selection{Start: c.Selection.Start, End: c.Selection.End}
		}
		infos = append(infos, events.CursorChangedPayload{
			UserID:    c.UserID,
			Username:  c.Username,
			Position:  c.Position,
			Selection: sel,
			IsTyping:  c.IsTyping,
		})
	}
	return infos
}

func (m *Manager) broadcastParticipants(roomID string) {
	m.publish(roomID, events.ParticipantsUpdated, events.ParticipantsUpdatedPayload{
		RoomID:       roomID,
		Participants: m.participantInfos(roomID),
	}, "")
}

func (m *Manager) publish(roomID, event string, payload interface{}, excludeConnID string) {
	metrics.EventsBroadcast.WithLabelValues(event).Inc()
	m.fanout.Publish(roomID, event, payload, excludeConnID)
}
