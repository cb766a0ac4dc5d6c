package models

import "time"

// Metrics holds one performance record per (round, participant).
type Metrics struct {
	ID                  string    `gorm:"primaryKey" json:"id"`
	RoundID             string    `gorm:"not null;uniqueIndex:uq_metrics_round_participant" json:"round_id"`
	ParticipantID       string    `gorm:"not null;uniqueIndex:uq_metrics_round_participant" json:"participant_id"`
	Tokens              int       `gorm:"not null" json:"tokens"`
	LatencyFirstTokenMs *int      `json:"latency_first_token_ms"`
	DurationMs          int       `gorm:"not null" json:"duration_ms"`
	TpsAvg              *float64  `json:"tps_avg"`
	ModelInfo           *string   `json:"model_info"` // JSON blob, opaque to the server
	CreatedAt           time.Time `json:"created_at"`
}
