package models

import "time"

type Round struct {
	ID           string     `gorm:"primaryKey" json:"id"`
	SessionID    string     `gorm:"not null;index" json:"session_id"`
	Index        int        `gorm:"not null;column:index" json:"index"`
	Prompt       string     `gorm:"not null" json:"prompt"`
	MaxTokens    int        `gorm:"not null;default:400" json:"max_tokens"`
	Temperature  float64    `gorm:"not null;default:0.8" json:"temperature"`
	DeadlineMs   int        `gorm:"not null;default:90000" json:"deadline_ms"`
	Seed         *int       `json:"seed"`
	StartedAt    *time.Time `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	VotingClosed bool       `gorm:"not null;default:false" json:"voting_closed"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Started reports whether the round has been started (it may also have ended).
func (r *Round) Started() bool { return r.StartedAt != nil }

// Ended reports whether the round has been stopped.
func (r *Round) Ended() bool { return r.EndedAt != nil }
