package store

import (
	"encoding/json"
	"time"
)

// SessionRecord is one persisted retrospective session. Data holds the full
// board state as an opaque JSON blob; the session sync engine owns its shape.
type SessionRecord struct {
	SessionID string          `json:"sessionId"`
	AdminID   string          `json:"adminId"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
