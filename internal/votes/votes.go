// Package votes collects audience scores and computes the per-round ranking.
package votes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/models"
	"github.com/llmclub/arena-server/internal/store"
)

var (
	ErrScoreOutOfRange = errors.New("score must be between 1 and 5")
	ErrVotingClosed    = errors.New("voting is closed for this round")
	ErrRoundNotFound   = errors.New("round not found")
)

// HashVoterID digests a network-derived voter identity. Voting is anonymous
// by design: only this hash is ever stored.
func HashVoterID(voterID string) string {
	sum := sha256.Sum256([]byte(voterID))
	return hex.EncodeToString(sum[:])
}

// ScoreboardEntry is derived, never stored. AvgScore is nil with zero votes;
// TotalScore is avg × count (0 with no votes).
type ScoreboardEntry struct {
	ParticipantID string   `json:"participant_id"`
	Nickname      string   `json:"nickname"`
	Runner        string   `json:"runner"`
	Model         string   `json:"model"`
	Tokens        *int     `json:"tokens"`
	DurationMs    *int     `json:"duration_ms"`
	TpsAvg        *float64 `json:"tps_avg"`
	VoteCount     int      `json:"vote_count"`
	AvgScore      *float64 `json:"avg_score"`
	TotalScore    float64  `json:"total_score"`
}

type Manager struct {
	store store.Store
	log   *zap.Logger
}

func NewManager(st store.Store, log *zap.Logger) *Manager {
	return &Manager{store: st, log: log}
}

// CastVote upserts one score per (round, voter, participant); a re-vote from
// the same voter overwrites the previous score. Out-of-range scores and
// votes for a closed round are rejected without mutation.
func (m *Manager) CastVote(ctx context.Context, roundID, participantID, voterID string, score int) (*models.Vote, error) {
	if score < 1 || score > 5 {
		return nil, ErrScoreOutOfRange
	}

	round, err := m.store.Round(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoundNotFound
	}
	if err != nil {
		return nil, err
	}
	if round.VotingClosed {
		return nil, ErrVotingClosed
	}

	vote := &models.Vote{
		RoundID:       roundID,
		VoterHash:     HashVoterID(voterID),
		ParticipantID: participantID,
		Score:         score,
	}
	if err := m.store.UpsertVote(ctx, vote); err != nil {
		return nil, err
	}

	m.log.Info("vote cast",
		zap.String("round_id", roundID),
		zap.String("participant_id", participantID),
		zap.Int("score", score))
	return vote, nil
}

// Scoreboard joins metrics with deduplicated vote aggregates for one round.
// Only participants with a metrics row appear. Ordering is descending by
// total score; ties break ascending by participant id, so the result is
// deterministic.
func (m *Manager) Scoreboard(ctx context.Context, roundID string) ([]ScoreboardEntry, error) {
	metrics, err := m.store.MetricsByRound(ctx, roundID)
	if err != nil {
		return nil, err
	}
	aggs, err := m.store.VoteAggregates(ctx, roundID)
	if err != nil {
		return nil, err
	}

	entries := make([]ScoreboardEntry, 0, len(metrics))
	for _, rec := range metrics {
		entry := ScoreboardEntry{
			ParticipantID: rec.ParticipantID,
			Tokens:        intPtr(rec.Tokens),
			DurationMs:    intPtr(rec.DurationMs),
			TpsAvg:        rec.TpsAvg,
		}
		if p, err := m.store.Participant(ctx, rec.ParticipantID); err == nil {
			entry.Nickname = p.Nickname
			entry.Runner = p.Runner
			entry.Model = p.Model
		}
		if agg, ok := aggs[rec.ParticipantID]; ok {
			avg := agg.AvgScore
			entry.VoteCount = agg.VoteCount
			entry.AvgScore = &avg
			entry.TotalScore = avg * float64(agg.VoteCount)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TotalScore != entries[j].TotalScore {
			return entries[i].TotalScore > entries[j].TotalScore
		}
		return entries[i].ParticipantID < entries[j].ParticipantID
	})
	return entries, nil
}

func intPtr(v int) *int { return &v }
