// Package metrics aggregates session counters and renders the CSV export.
package metrics

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/llmclub/arena-server/internal/store"
)

type Manager struct {
	store store.Store
}

func NewManager(st store.Store) *Manager {
	return &Manager{store: st}
}

// SessionStats returns the aggregate counters for one session.
func (m *Manager) SessionStats(ctx context.Context, sessionID string) (*store.SessionStats, error) {
	return m.store.SessionStats(ctx, sessionID)
}

var csvHeader = []string{
	"round",
	"participant_id",
	"nickname",
	"tokens",
	"latency_first_token_ms",
	"duration_ms",
	"tps_avg",
	"votes",
	"avg_score",
}

// ExportCSV writes one row per metrics row, rounds in index order. Optional
// columns render empty rather than zero.
func (m *Manager) ExportCSV(ctx context.Context, sessionID string, out io.Writer) error {
	rounds, err := m.store.RoundsBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	w := csv.NewWriter(out)
	if err := w.Write(csvHeader); err != nil {
		return err
	}

	for _, round := range rounds {
		recs, err := m.store.MetricsByRound(ctx, round.ID)
		if err != nil {
			return err
		}
		aggs, err := m.store.VoteAggregates(ctx, round.ID)
		if err != nil {
			return err
		}

		for _, rec := range recs {
			nickname := ""
			if p, err := m.store.Participant(ctx, rec.ParticipantID); err == nil {
				nickname = p.Nickname
			}

			latency := ""
			if rec.LatencyFirstTokenMs != nil {
				latency = strconv.Itoa(*rec.LatencyFirstTokenMs)
			}
			tps := ""
			if rec.TpsAvg != nil {
				tps = fmt.Sprintf("%.2f", *rec.TpsAvg)
			}
			voteCount := 0
			avgScore := ""
			if agg, ok := aggs[rec.ParticipantID]; ok {
				voteCount = agg.VoteCount
				avgScore = fmt.Sprintf("%.2f", agg.AvgScore)
			}

			row := []string{
				strconv.Itoa(round.Index),
				rec.ParticipantID,
				nickname,
				strconv.Itoa(rec.Tokens),
				latency,
				strconv.Itoa(rec.DurationMs),
				tps,
				strconv.Itoa(voteCount),
				avgScore,
			}
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}

	w.Flush()
	return w.Error()
}
