package models

import "time"

// Vote stores one score per (round, voter, participant). VoterHash is a
// one-way digest; the raw voter identity is never persisted.
type Vote struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	RoundID       string    `gorm:"not null;uniqueIndex:uq_vote_round_voter_participant" json:"round_id"`
	VoterHash     string    `gorm:"not null;uniqueIndex:uq_vote_round_voter_participant" json:"-"`
	ParticipantID string    `gorm:"not null;uniqueIndex:uq_vote_round_voter_participant" json:"participant_id"`
	Score         int       `gorm:"not null" json:"score"`
	CreatedAt     time.Time `json:"created_at"`
}
