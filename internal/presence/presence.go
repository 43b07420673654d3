package presence

import (
	"sync"
	"time"
)

// Participant is a connected member of a room. lastActive is refreshed on
// every event from that user. A user with several connections into the same
// room stays a single participant; ConnectionID tracks the most recent one.
type Participant struct {
	UserID       string
	Username     string
	Role         string
	ConnectionID string
	LastActive   time.Time

	conns map[string]bool
}

// CursorState is ephemeral per-user editor state. Every update replaces the
// whole record; there is no partial merge.
type CursorState struct {
	UserID      string
	Username    string
	Position    int
	Selection   *Range
	IsTyping    bool
	LastUpdated time.Time
}

type Range struct {
	Start int
	End   int
}

// Evicted identifies a cursor removed by the staleness sweep.
type Evicted struct {
	RoomID string
	UserID string
}

// Store holds all ephemeral room membership and cursor state. Nothing here
// is durable. Mutations are driven by the session manager's dispatch loop;
// the staleness sweep interleaves with it, so access is mutex-guarded and
// every cursor write is a whole-record replacement.
type Store struct {
	mu           sync.RWMutex
	participants map[string]map[string]*Participant
	cursors      map[string]map[string]*CursorState
}

func NewStore() *Store {
	return &Store{
		participants: make(map[string]map[string]*Participant),
		cursors:      make(map[string]map[string]*CursorState),
	}
}

// AddParticipant inserts or refreshes a participant. Re-joining with the
// same userID overwrites the metadata, never duplicates the entry.
func (s *Store) AddParticipant(roomID string, p Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.participants[roomID]
	if !ok {
		room = make(map[string]*Participant)
		s.participants[roomID] = room
	}

	if existing, ok := room[p.UserID]; ok {
		existing.Username = p.Username
		existing.Role = p.Role
		existing.ConnectionID = p.ConnectionID
		existing.LastActive = time.Now()
		existing.conns[p.ConnectionID] = true
		return
	}

	p.LastActive = time.Now()
	p.conns = map[string]bool{p.ConnectionID: true}
	room[p.UserID] = &p
}

// RemoveConnection drops one of the user's connections from the room.
// Only when the last connection goes does the participant itself (and any
// cursor it held) get removed; the cursor removal keeps the invariant that
// a cursor entry always has a matching participant. Returns true when the
// participant was removed.
func (s *Store) RemoveConnection(roomID, userID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.participants[roomID]
	if !ok {
		return false
	}
	p, ok := room[userID]
	if !ok {
		return false
	}

	delete(p.conns, connID)
	if len(p.conns) > 0 {
		return false
	}

	delete(room, userID)
	if len(room) == 0 {
		delete(s.participants, roomID)
	}
	if cursors, ok := s.cursors[roomID]; ok {
		delete(cursors, userID)
		if len(cursors) == 0 {
			delete(s.cursors, roomID)
		}
	}
	return true
}

// Touch refreshes lastActive for a participant.
func (s *Store) Touch(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.participants[roomID]; ok {
		if p, ok := room[userID]; ok {
			p.LastActive = time.Now()
		}
	}
}

// Participants returns a snapshot of a room's participant set.
func (s *Store) Participants(roomID string) []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room := s.participants[roomID]
	result := make([]Participant, 0, len(room))
	for _, p := range room {
		result = append(result, *p)
	}
	return result
}

// HasParticipant reports whether userID is currently in the room.
func (s *Store) HasParticipant(roomID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.participants[roomID]
	if !ok {
		return false
	}
	_, ok = room[userID]
	return ok
}

// ParticipantCount returns the number of connected members of a room.
func (s *Store) ParticipantCount(roomID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants[roomID])
}

// SetCursor replaces the user's cursor record. Cursors are only tracked for
// current participants.
func (s *Store) SetCursor(roomID string, c CursorState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.participants[roomID]
	if !ok {
		return false
	}
	if _, ok := room[c.UserID]; !ok {
		return false
	}

	cursors, ok := s.cursors[roomID]
	if !ok {
		cursors = make(map[string]*CursorState)
		s.cursors[roomID] = cursors
	}
	c.LastUpdated = time.Now()
	cursors[c.UserID] = &c
	return true
}

// SetTyping flips the typing flag on the user's cursor record, creating a
// minimal record if the user has not moved a cursor yet.
func (s *Store) SetTyping(roomID, userID, username string, isTyping bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.participants[roomID]
	if !ok {
		return false
	}
	if _, ok := room[userID]; !ok {
		return false
	}

	cursors, ok := s.cursors[roomID]
	if !ok {
		cursors = make(map[string]*CursorState)
		s.cursors[roomID] = cursors
	}

	prev := cursors[userID]
	next := &CursorState{
		UserID:      userID,
		Username:    username,
		IsTyping:    isTyping,
		LastUpdated: time.Now(),
	}
	if prev != nil {
		next.Position = prev.Position
		next.Selection = prev.Selection
	}
	cursors[userID] = next
	return true
}

// Cursors returns all non-stale cursor records for a room, excluding the
// given user. Used to hydrate a newly joined connection.
func (s *Store) Cursors(roomID, excludeUserID string, maxAge time.Duration) []CursorState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := time.Now().Add(-maxAge)
	cursors := s.cursors[roomID]
	result := make([]CursorState, 0, len(cursors))
	for userID, c := range cursors {
		if userID == excludeUserID {
			continue
		}
		if c.LastUpdated.Before(cutoff) {
			continue
		}
		result = append(result, *c)
	}
	return result
}

// EvictStale removes cursor records whose lastUpdated is older than maxAge
// and returns what was removed. Eviction is independent of the connection
// still being alive, so silently dead connections shed their cursors too.
func (s *Store) EvictStale(maxAge time.Duration) []Evicted {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var evicted []Evicted
	for roomID, cursors := range s.cursors {
		for userID, c := range cursors {
			if c.LastUpdated.Before(cutoff) {
				delete(cursors, userID)
				evicted = append(evicted, Evicted{RoomID: roomID, UserID: userID})
			}
		}
		if len(cursors) == 0 {
			delete(s.cursors, roomID)
		}
	}
	return evicted
}

// DropRoom clears all state for a room.
func (s *Store) DropRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.participants, roomID)
	delete(s.cursors, roomID)
}

// RoomCount returns the number of rooms with at least one participant.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// TotalParticipants returns the number of participants across all rooms.
func (s *Store) TotalParticipants() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, room := range s.participants {
		total += len(room)
	}
	return total
}
