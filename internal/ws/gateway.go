package ws

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/livecodehub/backend/internal/auth"
	"github.com/livecodehub/backend/internal/events"
	"github.com/livecodehub/backend/internal/metrics"
	"github.com/livecodehub/backend/internal/presence"
	"github.com/livecodehub/backend/internal/ratelimit"
	"github.com/livecodehub/backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type GatewayConfig struct {
	AuthEnabled       bool
	SendBufferSize    int
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		AuthEnabled:       true,
		SendBufferSize:    512,
		MessagesPerSecond: 100,
		MessageBurst:      200,
	}
}

// Gateway is the only component touching the websocket transport. It
// authenticates each inbound connection, shape-checks every event payload,
// and forwards well-formed events to the session manager. Malformed
// payloads are dropped silently.
type Gateway struct {
	hub      *Hub
	sessions *session.Manager
	verifier auth.Verifier
	limiters *ratelimit.ClientLimiters
	config   GatewayConfig
}

func NewGateway(hub *Hub, sessions *session.Manager, verifier auth.Verifier, config GatewayConfig) *Gateway {
	return &Gateway{
		hub:      hub,
		sessions: sessions,
		verifier: verifier,
		limiters: ratelimit.NewClientLimiters(config.MessagesPerSecond, config.MessageBurst),
		config:   config,
	}
}

// ServeWS authenticates and admits one websocket connection. A rejected
// credential never reaches a room operation.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	identity, err := g.authenticate(r)
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		log.Printf("Connection rejected: %v", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	metrics.AuthSuccess.Inc()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	client := &Client{
		gateway:  g,
		conn:     conn,
		send:     make(chan []byte, g.config.SendBufferSize),
		connID:   uuid.New().String(),
		identity: *identity,
		limiter:  g.limiters.Get(identity.UserID),
		rooms:    make(map[string]bool),
	}

	g.hub.Register(client)
	metrics.TotalConnections.Inc()
	metrics.ActiveConnections.Inc()
	log.Printf("✅ User %s connected (%s)", identity.Username, client.connID)

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) authenticate(r *http.Request) (*auth.Identity, error) {
	if !g.config.AuthEnabled {
		// Anonymous mode for local development: identify by query params.
		username := r.URL.Query().Get("username")
		if username == "" {
			username = "Anonymous"
		}
		return &auth.Identity{
			UserID:   "guest-" + uuid.New().String(),
			Username: username,
		}, nil
	}
	token := r.URL.Query().Get("token")
	return g.verifier.Verify(r.Context(), token)
}

func failureReason(err error) string {
	switch {
	case err == auth.ErrTokenMissing:
		return "missing"
	case err == auth.ErrTokenRevoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// dispatch routes one inbound event to exactly one session operation.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	env, err := events.Decode(raw)
	if err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("⚠️ Dropped malformed message from %s: %v", c.identity.UserID, err)
		return
	}
	metrics.EventsReceived.WithLabelValues(env.Event).Inc()

	switch env.Event {
	case events.JoinRoom:
		var p events.JoinRoomPayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.handleJoin(c, p.RoomID)

	case events.LeaveRoom:
		var p events.LeaveRoomPayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.handleLeave(c, p.RoomID)

	case events.CodeChange:
		var p events.CodeChangePayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.sessions.SubmitEdit(p.RoomID, c.identity.UserID, c.connID, p.Text)

	case events.CursorChange:
		var p events.CursorChangePayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.sessions.UpdateCursor(p.RoomID, c.identity.UserID, c.connID, p.Position, p.Selection)

	case events.TypingStart:
		var p events.TypingPayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.sessions.SetTyping(p.RoomID, c.identity.UserID, c.connID, true)

	case events.TypingStop:
		var p events.TypingPayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.sessions.SetTyping(p.RoomID, c.identity.UserID, c.connID, false)

	case events.SendMessage:
		var p events.SendMessagePayload
		if !g.decodePayload(c, env, &p) {
			return
		}
		g.sessions.SendChat(p.RoomID, c.identity.UserID, c.identity.Username, p.Message)

	default:
		metrics.EventsDropped.WithLabelValues("unknown").Inc()
		log.Printf("⚠️ Dropped unknown event %q from %s", env.Event, c.identity.UserID)
	}
}

type validator interface {
	Validate() error
}

func (g *Gateway) decodePayload(c *Client, env *events.Envelope, into validator) bool {
	if err := json.Unmarshal(env.Data, into); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("⚠️ Dropped %s with bad payload from %s: %v", env.Event, c.identity.UserID, err)
		return false
	}
	if err := into.Validate(); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		log.Printf("⚠️ Dropped %s from %s: %v", env.Event, c.identity.UserID, err)
		return false
	}
	return true
}

func (g *Gateway) handleJoin(c *Client, roomID string) {
	// Subscribe before joining so the joiner receives the
	// participants-updated broadcast its own join triggers.
	g.hub.Subscribe(c, roomID)

	snapshot, err := g.sessions.Join(roomID, presence.Participant{
		UserID:       c.identity.UserID,
		Username:     c.identity.Username,
		ConnectionID: c.connID,
	})
	if err != nil {
		g.hub.Unsubscribe(c, roomID)
		g.hub.Send(c.connID, events.Error, events.ErrorPayload{
			Message: "failed to join room",
			RoomID:  roomID,
		})
		log.Printf("Join failed for user %s in room %s: %v", c.identity.UserID, roomID, err)
		return
	}

	c.rooms[roomID] = true
	g.hub.Send(c.connID, events.RoomJoined, events.RoomJoinedPayload{
		RoomID:       snapshot.RoomID,
		Role:         snapshot.Role,
		Code:         snapshot.Code,
		Participants: snapshot.Participants,
		Cursors:      snapshot.Cursors,
	})
}

func (g *Gateway) handleLeave(c *Client, roomID string) {
	if !c.rooms[roomID] {
		return
	}
	delete(c.rooms, roomID)
	g.sessions.Leave(roomID, c.identity.UserID, c.connID)
	g.hub.Unsubscribe(c, roomID)
}

// disconnect leaves every room the connection was in, then drops it from
// the hub.
func (g *Gateway) disconnect(c *Client) {
	for roomID := range c.rooms {
		g.sessions.Leave(roomID, c.identity.UserID, c.connID)
	}
	g.hub.Unregister(c)
	metrics.ActiveConnections.Dec()
	log.Printf("❌ User %s disconnected (%s)", c.identity.Username, c.connID)
}
