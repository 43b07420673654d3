package api

import (
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/livecodehub/backend/internal/db"
	"github.com/livecodehub/backend/internal/presence"
	"github.com/livecodehub/backend/internal/ws"
)

// Room IDs are client-chosen; keep them URL- and key-safe.
var roomIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{6,}$`)

type API struct {
	hub      *ws.Hub
	database *db.Database
	presence *presence.Store
}

func New(hub *ws.Hub, database *db.Database, pres *presence.Store) *API {
	return &API{
		hub:      hub,
		database: database,
		presence: pres,
	}
}

// Routes mounts the REST surface on a mux router.
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.ListRoomsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms", a.CreateRoomHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/{id}", a.GetRoomHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/rooms/{id}", a.DeleteRoomHandler).Methods(http.MethodDelete)
	r.HandleFunc("/api/rooms/{id}/join", a.JoinRoomHandler).Methods(http.MethodPost)
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":        a.presence.RoomCount(),
		"active_participants": a.presence.TotalParticipants(),
		"active_connections":  a.hub.GetClientCount(),
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats()
		if err == nil {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_participants"] = dbStats["participant_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	Code           string    `json:"code,omitempty"`
	LastModifiedBy string    `json:"last_modified_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	ActiveUsers    int       `json:"active_users"`
}

type CreateRoomRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	OwnerID string `json:"owner_id"`
	Owner   string `json:"owner,omitempty"`
}

type JoinRoomRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	rooms, err := a.database.ListRooms(limit, offset)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			Name:        room.Name,
			CreatedAt:   room.CreatedAt,
			UpdatedAt:   room.UpdatedAt,
			ActiveUsers: a.presence.ParticipantCount(room.ID),
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !roomIDPattern.MatchString(req.ID) {
		errorResponse(w, http.StatusBadRequest, "Room ID must be at least 6 characters of letters, numbers, hyphens, and underscores")
		return
	}

	if err := a.database.CreateRoom(req.ID, req.Name); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	// The creator owns the room and owners always hold the editor role.
	if req.OwnerID != "" {
		if err := a.database.AddParticipant(req.ID, req.OwnerID, req.Owner, "editor"); err != nil {
			errorResponse(w, http.StatusInternalServerError, "Failed to record room owner")
			return
		}
	}

	room, err := a.database.GetRoom(req.ID)
	if err != nil || room == nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		Code:      room.Code,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	jsonResponse(w, http.StatusOK, RoomResponse{
		ID:             room.ID,
		Name:           room.Name,
		Code:           room.Code,
		LastModifiedBy: room.LastModifiedBy,
		CreatedAt:      room.CreatedAt,
		UpdatedAt:      room.UpdatedAt,
		ActiveUsers:    a.presence.ParticipantCount(roomID),
	})
}

func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	if err := a.database.DeleteRoom(roomID); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// JoinRoomHandler records a durable participant for a room. The role stored
// here is what the live session resolves when the same user connects over
// the websocket.
func (a *API) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	var req JoinRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.UserID == "" {
		errorResponse(w, http.StatusBadRequest, "user_id is required")
		return
	}

	room, err := a.database.GetRoom(roomID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	role := req.Role
	if role != "editor" {
		role = "viewer"
	}

	if err := a.database.AddParticipant(roomID, req.UserID, req.Username, role); err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to join room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{
		"message": "Joined room",
		"room_id": roomID,
		"role":    role,
	})
}
