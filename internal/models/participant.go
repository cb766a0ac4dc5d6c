package models

import "time"

// Participant identity is client-supplied and stable across reconnects.
type Participant struct {
	ID        string    `gorm:"primaryKey" json:"id"`
	SessionID string    `gorm:"not null;index" json:"session_id"`
	Nickname  string    `gorm:"not null" json:"nickname"`
	Runner    string    `gorm:"not null" json:"runner"`
	Model     string    `gorm:"not null" json:"model"`
	Connected bool      `gorm:"not null;default:true" json:"connected"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}
