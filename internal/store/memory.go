package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llmclub/arena-server/internal/models"
)

// Memory is an in-process Store with the same constraint semantics as the
// postgres one. It backs tests and DATABASE_URL-less dev runs.
type Memory struct {
	mu           sync.Mutex
	sessions     map[string]*models.Session
	participants map[string]*models.Participant
	rounds       map[string]*models.Round
	metrics      map[string]*models.Metrics // keyed round_id|participant_id
	votes        map[string]*models.Vote    // keyed round_id|voter_hash|participant_id
}

func NewMemory() *Memory {
	return &Memory{
		sessions:     make(map[string]*models.Session),
		participants: make(map[string]*models.Participant),
		rounds:       make(map[string]*models.Round),
		metrics:      make(map[string]*models.Metrics),
		votes:        make(map[string]*models.Vote),
	}
}

func metricsKey(roundID, participantID string) string { return roundID + "|" + participantID }

func voteKey(roundID, voterHash, participantID string) string {
	return roundID + "|" + voterHash + "|" + participantID
}

func (m *Memory) CreateSession(_ context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) ActiveSession(_ context.Context) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Session
	for _, s := range m.sessions {
		if s.Status != models.SessionActive {
			continue
		}
		if latest == nil || s.CreatedAt.After(latest.CreatedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) EndActiveSessions(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Status == models.SessionActive {
			s.Status = models.SessionEnded
		}
	}
	return nil
}

func (m *Memory) UpsertParticipant(_ context.Context, p *models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *Memory) Participant(_ context.Context, id string) (*models.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SetParticipantDisconnected(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return ErrNotFound
	}
	p.Connected = false
	p.LastSeen = at
	return nil
}

func (m *Memory) TouchParticipant(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[id]; ok {
		p.LastSeen = at
	}
	return nil
}

func (m *Memory) CreateRound(_ context.Context, r *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *Memory) UpdateRound(_ context.Context, r *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	m.rounds[r.ID] = &cp
	return nil
}

func (m *Memory) Round(_ context.Context, id string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) RoundByIndex(_ context.Context, sessionID string, index int) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rounds {
		if r.SessionID == sessionID && r.Index == index {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) MaxRoundIndex(_ context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := -1
	for _, r := range m.rounds {
		if r.SessionID == sessionID && r.Index > max {
			max = r.Index
		}
	}
	return max, nil
}

func (m *Memory) CurrentRound(_ context.Context, sessionID string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *models.Round
	for _, r := range m.rounds {
		if r.SessionID != sessionID || r.StartedAt == nil || r.EndedAt != nil {
			continue
		}
		if current == nil || r.Index > current.Index {
			current = r
		}
	}
	if current == nil {
		return nil, ErrNotFound
	}
	cp := *current
	return &cp, nil
}

func (m *Memory) RoundsBySession(_ context.Context, sessionID string) ([]models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rounds []models.Round
	for _, r := range m.rounds {
		if r.SessionID == sessionID {
			rounds = append(rounds, *r)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Index < rounds[j].Index })
	return rounds, nil
}

func (m *Memory) SaveMetrics(_ context.Context, rec *models.Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := metricsKey(rec.RoundID, rec.ParticipantID)
	if existing, ok := m.metrics[key]; ok {
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
	} else {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now()
		}
	}
	cp := *rec
	m.metrics[key] = &cp
	return nil
}

func (m *Memory) MetricsByRound(_ context.Context, roundID string) ([]models.Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Metrics
	for _, rec := range m.metrics {
		if rec.RoundID == roundID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *Memory) UpsertVote(_ context.Context, v *models.Vote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := voteKey(v.RoundID, v.VoterHash, v.ParticipantID)
	if existing, ok := m.votes[key]; ok {
		v.ID = existing.ID
		v.CreatedAt = existing.CreatedAt
	} else {
		if v.ID == "" {
			v.ID = uuid.NewString()
		}
		if v.CreatedAt.IsZero() {
			v.CreatedAt = time.Now()
		}
	}
	cp := *v
	m.votes[key] = &cp
	return nil
}

func (m *Memory) VoteAggregates(_ context.Context, roundID string) (map[string]VoteAggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sums := make(map[string]int)
	counts := make(map[string]int)
	for _, v := range m.votes {
		if v.RoundID != roundID {
			continue
		}
		sums[v.ParticipantID] += v.Score
		counts[v.ParticipantID]++
	}
	out := make(map[string]VoteAggregate, len(counts))
	for pid, n := range counts {
		out[pid] = VoteAggregate{
			ParticipantID: pid,
			VoteCount:     n,
			AvgScore:      float64(sums[pid]) / float64(n),
		}
	}
	return out, nil
}

func (m *Memory) SessionStats(_ context.Context, sessionID string) (*SessionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &SessionStats{}
	roundIDs := make(map[string]bool)
	for _, r := range m.rounds {
		if r.SessionID != sessionID {
			continue
		}
		stats.TotalRounds++
		if r.EndedAt != nil {
			stats.CompletedRounds++
		}
		roundIDs[r.ID] = true
	}
	for _, p := range m.participants {
		if p.SessionID == sessionID {
			stats.TotalParticipants++
		}
	}
	for _, rec := range m.metrics {
		if roundIDs[rec.RoundID] {
			stats.TotalTokens += rec.Tokens
		}
	}
	for _, v := range m.votes {
		if roundIDs[v.RoundID] {
			stats.TotalVotes++
		}
	}
	return stats, nil
}
