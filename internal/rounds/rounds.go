// Package rounds drives the round lifecycle: created → started → ended,
// single-fire transitions, dense session-scoped indices.
package rounds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/models"
	"github.com/llmclub/arena-server/internal/protocol"
	"github.com/llmclub/arena-server/internal/store"
)

var (
	ErrRoundNotFound   = errors.New("round not found")
	ErrAlreadyStarted  = errors.New("round already started")
	ErrNotStarted      = errors.New("round not started")
	ErrAlreadyEnded    = errors.New("round already ended")
	ErrEmptyPrompt     = errors.New("prompt must not be empty")
	ErrInvalidParams   = errors.New("invalid generation parameters")
	ErrNoCurrentRound  = errors.New("no current round")
	ErrUnknownRoundIdx = errors.New("no round with that index")
	ErrVotingClosed    = errors.New("voting already closed")
)

// ChallengeBroadcaster is the hub seam: on start, the round's parameters are
// pushed to every participant.
type ChallengeBroadcaster interface {
	BroadcastChallenge(ch protocol.Challenge)
}

type CreateParams struct {
	SessionID   string
	Prompt      string
	MaxTokens   int
	Temperature float64
	DeadlineMs  int
	Seed        *int
}

type Manager struct {
	store store.Store
	hub   ChallengeBroadcaster
	log   *zap.Logger
	locks *keyedMutex
}

func NewManager(st store.Store, hub ChallengeBroadcaster, log *zap.Logger) *Manager {
	return &Manager{store: st, hub: hub, log: log, locks: newKeyedMutex()}
}

// Create assigns the next dense index for the session (max+1, or 0 when the
// session has none) and persists the round in the created state.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Round, error) {
	if p.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	if p.MaxTokens < 1 {
		return nil, fmt.Errorf("%w: max_tokens must be >= 1", ErrInvalidParams)
	}
	if p.Temperature < 0 || p.Temperature > 2 {
		return nil, fmt.Errorf("%w: temperature must be in [0,2]", ErrInvalidParams)
	}
	if p.DeadlineMs < 0 {
		return nil, fmt.Errorf("%w: deadline_ms must be >= 0", ErrInvalidParams)
	}

	// Index assignment is a read-modify-write; serialize per session.
	unlock := m.locks.lock("session:" + p.SessionID)
	defer unlock()

	max, err := m.store.MaxRoundIndex(ctx, p.SessionID)
	if err != nil {
		return nil, err
	}

	round := &models.Round{
		SessionID:   p.SessionID,
		Index:       max + 1,
		Prompt:      p.Prompt,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
		DeadlineMs:  p.DeadlineMs,
		Seed:        p.Seed,
	}
	if err := m.store.CreateRound(ctx, round); err != nil {
		return nil, err
	}

	m.log.Info("round created",
		zap.String("round_id", round.ID),
		zap.Int("index", round.Index))
	return round, nil
}

// Start moves a round from created to started, stamps started_at and
// broadcasts the challenge. Exactly one of two racing starts succeeds; the
// other observes ErrAlreadyStarted.
func (m *Manager) Start(ctx context.Context, roundID string) (*models.Round, error) {
	unlock := m.locks.lock("round:" + roundID)
	defer unlock()

	round, err := m.get(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.Started() {
		return nil, ErrAlreadyStarted
	}

	now := time.Now()
	round.StartedAt = &now
	if err := m.store.UpdateRound(ctx, round); err != nil {
		return nil, err
	}

	m.log.Info("round started",
		zap.String("round_id", round.ID),
		zap.Int("index", round.Index))
	m.hub.BroadcastChallenge(protocol.NewChallenge(round))
	return round, nil
}

// Stop moves a round from started to ended. Illegal if never started or
// already ended.
func (m *Manager) Stop(ctx context.Context, roundID string) (*models.Round, error) {
	unlock := m.locks.lock("round:" + roundID)
	defer unlock()

	round, err := m.get(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if !round.Started() {
		return nil, ErrNotStarted
	}
	if round.Ended() {
		return nil, ErrAlreadyEnded
	}

	now := time.Now()
	round.EndedAt = &now
	if err := m.store.UpdateRound(ctx, round); err != nil {
		return nil, err
	}

	m.log.Info("round stopped", zap.String("round_id", round.ID))
	return round, nil
}

// Current returns the unique started-and-not-ended round for the session.
// Absence is reported as ErrNoCurrentRound, a normal outcome.
func (m *Manager) Current(ctx context.Context, sessionID string) (*models.Round, error) {
	round, err := m.store.CurrentRound(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoCurrentRound
	}
	return round, err
}

// Get returns a round by id.
func (m *Manager) Get(ctx context.Context, roundID string) (*models.Round, error) {
	return m.get(ctx, roundID)
}

// CloseVoting flags the round so later votes are rejected.
func (m *Manager) CloseVoting(ctx context.Context, roundID string) (*models.Round, error) {
	unlock := m.locks.lock("round:" + roundID)
	defer unlock()

	round, err := m.get(ctx, roundID)
	if err != nil {
		return nil, err
	}
	if round.VotingClosed {
		return nil, ErrVotingClosed
	}
	round.VotingClosed = true
	if err := m.store.UpdateRound(ctx, round); err != nil {
		return nil, err
	}
	m.log.Info("voting closed", zap.String("round_id", round.ID))
	return round, nil
}

// RecordCompletion is the hub's integration seam: completion reports carry a
// round index, metrics are keyed by round id, so the index is resolved
// against the active session before the upsert. Re-reports overwrite.
func (m *Manager) RecordCompletion(ctx context.Context, participantID string, roundIndex int, tokens int, latencyFirstTokenMs *int, durationMs int, modelInfo map[string]any) error {
	sess, err := m.store.ActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownRoundIdx
	}
	if err != nil {
		return err
	}

	round, err := m.store.RoundByIndex(ctx, sess.ID, roundIndex)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownRoundIdx, roundIndex)
	}
	if err != nil {
		return err
	}

	var tps *float64
	if durationMs > 0 {
		v := float64(tokens) / float64(durationMs) * 1000
		tps = &v
	}

	var info *string
	if modelInfo != nil {
		raw, err := json.Marshal(modelInfo)
		if err != nil {
			return fmt.Errorf("marshal model_info: %w", err)
		}
		s := string(raw)
		info = &s
	}

	return m.store.SaveMetrics(ctx, &models.Metrics{
		RoundID:             round.ID,
		ParticipantID:       participantID,
		Tokens:              tokens,
		LatencyFirstTokenMs: latencyFirstTokenMs,
		DurationMs:          durationMs,
		TpsAvg:              tps,
		ModelInfo:           info,
	})
}

func (m *Manager) get(ctx context.Context, roundID string) (*models.Round, error) {
	round, err := m.store.Round(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoundNotFound
	}
	return round, err
}
