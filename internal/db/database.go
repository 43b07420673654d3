package db

import (
	"database/sql"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultCode is the document text a freshly created room starts with.
const DefaultCode = "// Welcome to LiveCodeHub!\n// Start coding collaboratively."

type Database struct {
	db *sql.DB
}

type Room struct {
	ID             string
	Name           string
	Code           string
	LastModifiedBy string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ParticipantRecord is the durable membership row for a room. The live
// session layer uses it to resolve roles when a user first joins.
type ParticipantRecord struct {
	UserID   string
	Username string
	Role     string
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Printf("Database initialized at %s", dbPath)
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		code_content TEXT NOT NULL DEFAULT '',
		last_modified_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS room_participants (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		username TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'viewer',
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (room_id, user_id),
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_room_participants_room_id ON room_participants(room_id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) CreateRoom(id, name string) error {
	_, err := d.db.Exec(
		"INSERT OR IGNORE INTO rooms (id, name, code_content) VALUES (?, ?, ?)",
		id, name, DefaultCode,
	)
	return err
}

func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow(
		"SELECT id, name, code_content, last_modified_by, created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.Code, &room.LastModifiedBy, &room.CreatedAt, &room.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT id, name, code_content, last_modified_by, created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Code, &room.LastModifiedBy, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// UpdateCode persists the latest document text for a room, tagging the
// editor that produced it. This is the flush target for the edit coalescer.
func (d *Database) UpdateCode(roomID, text, editorID string) error {
	_, err := d.db.Exec(`
		UPDATE rooms
		SET code_content = ?, last_modified_by = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, text, editorID, roomID)
	return err
}

// Participant operations

func (d *Database) AddParticipant(roomID, userID, username, role string) error {
	_, err := d.db.Exec(`
		INSERT INTO room_participants (room_id, user_id, username, role)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id, user_id) DO UPDATE SET
			username = excluded.username,
			role = excluded.role
	`, roomID, userID, username, role)
	return err
}

func (d *Database) RemoveParticipant(roomID, userID string) error {
	_, err := d.db.Exec(
		"DELETE FROM room_participants WHERE room_id = ? AND user_id = ?",
		roomID, userID,
	)
	return err
}

func (d *Database) ListParticipants(roomID string) ([]ParticipantRecord, error) {
	rows, err := d.db.Query(
		"SELECT user_id, username, role FROM room_participants WHERE room_id = ? ORDER BY joined_at ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []ParticipantRecord
	for rows.Next() {
		var p ParticipantRecord
		if err := rows.Scan(&p.UserID, &p.Username, &p.Role); err != nil {
			return nil, err
		}
		participants = append(participants, p)
	}
	return participants, rows.Err()
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var participantCount int
	if err := d.db.QueryRow("SELECT COUNT(*) FROM room_participants").Scan(&participantCount); err != nil {
		return nil, err
	}
	stats["participant_count"] = participantCount

	return stats, nil
}
