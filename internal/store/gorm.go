package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/llmclub/arena-server/internal/models"
)

// Gorm is the postgres-backed Store.
type Gorm struct {
	db *gorm.DB
}

func Connect(dsn string) (*Gorm, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Session{},
		&models.Participant{},
		&models.Round{},
		&models.Metrics{},
		&models.Vote{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Gorm{db: db}, nil
}

func (g *Gorm) CreateSession(ctx context.Context, s *models.Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return g.db.WithContext(ctx).Create(s).Error
}

func (g *Gorm) ActiveSession(ctx context.Context) (*models.Session, error) {
	var s models.Session
	err := g.db.WithContext(ctx).
		Where("status = ?", models.SessionActive).
		Order("created_at DESC").
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (g *Gorm) EndActiveSessions(ctx context.Context) error {
	return g.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("status = ?", models.SessionActive).
		Update("status", models.SessionEnded).Error
}

func (g *Gorm) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	return g.db.WithContext(ctx).Save(p).Error
}

func (g *Gorm) Participant(ctx context.Context, id string) (*models.Participant, error) {
	var p models.Participant
	err := g.db.WithContext(ctx).First(&p, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (g *Gorm) SetParticipantDisconnected(ctx context.Context, id string, at time.Time) error {
	res := g.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("id = ?", id).
		Updates(map[string]any{"connected": false, "last_seen": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Gorm) TouchParticipant(ctx context.Context, id string, at time.Time) error {
	return g.db.WithContext(ctx).
		Model(&models.Participant{}).
		Where("id = ?", id).
		Update("last_seen", at).Error
}

func (g *Gorm) CreateRound(ctx context.Context, r *models.Round) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return g.db.WithContext(ctx).Create(r).Error
}

func (g *Gorm) UpdateRound(ctx context.Context, r *models.Round) error {
	return g.db.WithContext(ctx).Save(r).Error
}

func (g *Gorm) Round(ctx context.Context, id string) (*models.Round, error) {
	var r models.Round
	err := g.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *Gorm) RoundByIndex(ctx context.Context, sessionID string, index int) (*models.Round, error) {
	var r models.Round
	err := g.db.WithContext(ctx).
		Where(`session_id = ? AND "index" = ?`, sessionID, index).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *Gorm) MaxRoundIndex(ctx context.Context, sessionID string) (int, error) {
	var max *int
	err := g.db.WithContext(ctx).
		Model(&models.Round{}).
		Where("session_id = ?", sessionID).
		Select(`MAX("index")`).
		Scan(&max).Error
	if err != nil {
		return -1, err
	}
	if max == nil {
		return -1, nil
	}
	return *max, nil
}

func (g *Gorm) CurrentRound(ctx context.Context, sessionID string) (*models.Round, error) {
	var r models.Round
	err := g.db.WithContext(ctx).
		Where("session_id = ? AND started_at IS NOT NULL AND ended_at IS NULL", sessionID).
		Order(`"index" DESC`).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (g *Gorm) RoundsBySession(ctx context.Context, sessionID string) ([]models.Round, error) {
	var rounds []models.Round
	err := g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order(`"index" ASC`).
		Find(&rounds).Error
	return rounds, err
}

func (g *Gorm) SaveMetrics(ctx context.Context, m *models.Metrics) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Metrics
		err := tx.Where("round_id = ? AND participant_id = ?", m.RoundID, m.ParticipantID).
			First(&existing).Error
		if err == nil {
			m.ID = existing.ID
			m.CreatedAt = existing.CreatedAt
			return tx.Save(m).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		return tx.Create(m).Error
	})
}

func (g *Gorm) MetricsByRound(ctx context.Context, roundID string) ([]models.Metrics, error) {
	var metrics []models.Metrics
	err := g.db.WithContext(ctx).
		Where("round_id = ?", roundID).
		Find(&metrics).Error
	return metrics, err
}

func (g *Gorm) UpsertVote(ctx context.Context, v *models.Vote) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Vote
		err := tx.Where("round_id = ? AND voter_hash = ? AND participant_id = ?",
			v.RoundID, v.VoterHash, v.ParticipantID).
			First(&existing).Error
		if err == nil {
			v.ID = existing.ID
			v.CreatedAt = existing.CreatedAt
			return tx.Save(v).Error
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		return tx.Create(v).Error
	})
}

func (g *Gorm) VoteAggregates(ctx context.Context, roundID string) (map[string]VoteAggregate, error) {
	var rows []VoteAggregate
	err := g.db.WithContext(ctx).
		Model(&models.Vote{}).
		Select("participant_id, COUNT(id) AS vote_count, AVG(score) AS avg_score").
		Where("round_id = ?", roundID).
		Group("participant_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]VoteAggregate, len(rows))
	for _, row := range rows {
		out[row.ParticipantID] = row
	}
	return out, nil
}

func (g *Gorm) SessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	stats := &SessionStats{}
	db := g.db.WithContext(ctx)

	var total, completed, participants int64
	if err := db.Model(&models.Round{}).Where("session_id = ?", sessionID).Count(&total).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Round{}).
		Where("session_id = ? AND ended_at IS NOT NULL", sessionID).
		Count(&completed).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Participant{}).
		Where("session_id = ?", sessionID).
		Count(&participants).Error; err != nil {
		return nil, err
	}

	var tokens *int
	if err := db.Model(&models.Metrics{}).
		Joins("JOIN rounds ON rounds.id = metrics.round_id").
		Where("rounds.session_id = ?", sessionID).
		Select("SUM(metrics.tokens)").
		Scan(&tokens).Error; err != nil {
		return nil, err
	}

	var votes int64
	if err := db.Model(&models.Vote{}).
		Joins("JOIN rounds ON rounds.id = votes.round_id").
		Where("rounds.session_id = ?", sessionID).
		Count(&votes).Error; err != nil {
		return nil, err
	}

	stats.TotalRounds = int(total)
	stats.CompletedRounds = int(completed)
	stats.TotalParticipants = int(participants)
	if tokens != nil {
		stats.TotalTokens = *tokens
	}
	stats.TotalVotes = int(votes)
	return stats, nil
}
