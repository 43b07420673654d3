package ws

import (
	"log"
	"sync"

	"github.com/livecodehub/backend/internal/events"
)

// Hub is the broadcast fanout: it tracks which connections are subscribed to
// which room and delivers room-scoped events to them. Delivery is best
// effort: a connection that is gone or has a full send queue is skipped,
// never an error to the caller. Order of delivery to a connection matches
// the order Publish was called for that room.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]bool
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*Client]bool),
		clients: make(map[string]*Client),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.connID] = c
}

// Unregister removes a connection from the hub and every room it was in.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c.connID]; !ok {
		return
	}
	delete(h.clients, c.connID)
	for roomID, clients := range h.rooms {
		if clients[c] {
			delete(clients, c)
			if len(clients) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	close(c.send)
}

// Subscribe adds a connection to a room's fanout set.
func (h *Hub) Subscribe(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.rooms[roomID]
	if !ok {
		clients = make(map[*Client]bool)
		h.rooms[roomID] = clients
	}
	clients[c] = true
}

// Unsubscribe removes a connection from a room's fanout set.
func (h *Hub) Unsubscribe(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// Publish delivers an event to all connections subscribed to a room.
// excludeConnID omits exactly one connection, used so a sender does not
// receive an echo of its own edit or cursor event.
func (h *Hub) Publish(roomID, event string, payload interface{}, excludeConnID string) {
	data, err := events.Marshal(event, payload)
	if err != nil {
		log.Printf("Publish: failed to encode %s for room %s: %v", event, roomID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[roomID] {
		if excludeConnID != "" && client.connID == excludeConnID {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Slow or dead connection; skip rather than block the room.
		}
	}
}

// Send delivers an event to a single connection.
func (h *Hub) Send(connID, event string, payload interface{}) {
	data, err := events.Marshal(event, payload)
	if err != nil {
		log.Printf("Send: failed to encode %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// GetRoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) GetRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// GetClientCount returns the number of registered connections.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetActiveRooms returns subscriber counts keyed by room ID.
func (h *Hub) GetActiveRooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	active := make(map[string]int, len(h.rooms))
	for roomID, clients := range h.rooms {
		active[roomID] = len(clients)
	}
	return active
}
