package store

import (
	"context"
	"errors"
	"time"

	"github.com/llmclub/arena-server/internal/models"
)

var ErrNotFound = errors.New("not found")

// VoteAggregate is the per-participant vote rollup for one round.
type VoteAggregate struct {
	ParticipantID string
	VoteCount     int
	AvgScore      float64
}

// SessionStats are the aggregate counters exposed by GET /metrics.
type SessionStats struct {
	TotalRounds       int `json:"total_rounds"`
	CompletedRounds   int `json:"completed_rounds"`
	TotalParticipants int `json:"total_participants"`
	TotalTokens       int `json:"total_tokens"`
	TotalVotes        int `json:"total_votes"`
}

// Store is the durable collaborator behind the hub and the managers. Both
// implementations (postgres via gorm, in-memory) enforce the same uniqueness
// constraints: one Metrics row per (round, participant), one Vote row per
// (round, voter hash, participant).
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	ActiveSession(ctx context.Context) (*models.Session, error)
	EndActiveSessions(ctx context.Context) error

	UpsertParticipant(ctx context.Context, p *models.Participant) error
	Participant(ctx context.Context, id string) (*models.Participant, error)
	SetParticipantDisconnected(ctx context.Context, id string, at time.Time) error
	TouchParticipant(ctx context.Context, id string, at time.Time) error

	CreateRound(ctx context.Context, r *models.Round) error
	UpdateRound(ctx context.Context, r *models.Round) error
	Round(ctx context.Context, id string) (*models.Round, error)
	RoundByIndex(ctx context.Context, sessionID string, index int) (*models.Round, error)
	MaxRoundIndex(ctx context.Context, sessionID string) (int, error) // -1 when the session has no rounds
	CurrentRound(ctx context.Context, sessionID string) (*models.Round, error)
	RoundsBySession(ctx context.Context, sessionID string) ([]models.Round, error)

	SaveMetrics(ctx context.Context, m *models.Metrics) error
	MetricsByRound(ctx context.Context, roundID string) ([]models.Metrics, error)

	UpsertVote(ctx context.Context, v *models.Vote) error
	VoteAggregates(ctx context.Context, roundID string) (map[string]VoteAggregate, error)

	SessionStats(ctx context.Context, sessionID string) (*SessionStats, error)
}
