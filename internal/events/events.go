package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound event names (client -> server).
const (
	JoinRoom     = "join-room"
	LeaveRoom    = "leave-room"
	CodeChange   = "code-change"
	CursorChange = "cursor-change"
	TypingStart  = "typing-start"
	TypingStop   = "typing-stop"
	SendMessage  = "send-message"
)

// Outbound event names (server -> client).
const (
	RoomJoined          = "room-joined"
	ParticipantsUpdated = "participants-updated"
	CodeChanged         = "code-changed"
	CodeSaved           = "code-saved"
	CursorChanged       = "cursor-changed"
	CursorRemoved       = "cursor-removed"
	UserTypingStart     = "user-typing-start"
	UserTypingStop      = "user-typing-stop"
	NewMessage          = "new-message"
	Error               = "error"
)

// Envelope is the wire framing for every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound payloads. Each carries its own shape check so the gateway can
// reject malformed events centrally before they reach the session manager.

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *JoinRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("join-room: roomId is required")
	}
	return nil
}

type LeaveRoomPayload struct {
	RoomID string `json:"roomId"`
}

func (p *LeaveRoomPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("leave-room: roomId is required")
	}
	return nil
}

type CodeChangePayload struct {
	RoomID string `json:"roomId"`
	Text   string `json:"text"`
}

func (p *CodeChangePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("code-change: roomId is required")
	}
	return nil
}

// Selection is a nullable range within the document.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type CursorChangePayload struct {
	RoomID    string     `json:"roomId"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
}

func (p *CursorChangePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("cursor-change: roomId is required")
	}
	if p.Position < 0 {
		return fmt.Errorf("cursor-change: position must be non-negative")
	}
	return nil
}

type TypingPayload struct {
	RoomID string `json:"roomId"`
}

func (p *TypingPayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("typing: roomId is required")
	}
	return nil
}

type SendMessagePayload struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

func (p *SendMessagePayload) Validate() error {
	if p.RoomID == "" {
		return fmt.Errorf("send-message: roomId is required")
	}
	if p.Message == "" {
		return fmt.Errorf("send-message: message is required")
	}
	return nil
}

// Outbound payloads. The shapes here are a contract clients rely on.

type ParticipantInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

// RoomJoinedPayload hydrates a connection that just joined: current
// membership, everyone else's live cursors, and the document text.
type RoomJoinedPayload struct {
	RoomID       string                 `json:"roomId"`
	Role         string                 `json:"role"`
	Code         string                 `json:"code"`
	Participants []ParticipantInfo      `json:"participants"`
	Cursors      []CursorChangedPayload `json:"cursors"`
}

type ParticipantsUpdatedPayload struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
}

type CodeChangedPayload struct {
	Text      string `json:"text"`
	ChangedBy string `json:"changedBy"`
}

type CodeSavedPayload struct {
	Timestamp time.Time `json:"timestamp"`
	SavedBy   string    `json:"savedBy"`
}

type CursorChangedPayload struct {
	UserID    string     `json:"userId"`
	Username  string     `json:"username"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	IsTyping  bool       `json:"isTyping"`
}

type CursorRemovedPayload struct {
	UserID string `json:"userId"`
}

type TypingUserPayload struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type MessageSender struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type NewMessagePayload struct {
	User      MessageSender `json:"user"`
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	RoomID  string `json:"roomId,omitempty"`
}

// Marshal packs an event name and payload into wire bytes.
func Marshal(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Decode parses wire bytes into an envelope. The payload stays raw; the
// gateway decodes it against the expected shape for the event name.
func Decode(raw []byte) (*Envelope, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("envelope missing event name")
	}
	return &env, nil
}
