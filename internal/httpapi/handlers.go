package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/auth"
	"github.com/llmclub/arena-server/internal/hub"
	"github.com/llmclub/arena-server/internal/metrics"
	"github.com/llmclub/arena-server/internal/models"
	"github.com/llmclub/arena-server/internal/rounds"
	"github.com/llmclub/arena-server/internal/store"
	"github.com/llmclub/arena-server/internal/votes"
)

// API bundles the collaborators the thin HTTP surface delegates to.
type API struct {
	Store     store.Store
	Hub       *hub.Hub
	Rounds    *rounds.Manager
	Votes     *votes.Manager
	Metrics   *metrics.Manager
	Log       *zap.Logger
	PinLength int
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type sessionResponse struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
	Pin       string    `json:"pin,omitempty"`
}

// CreateSession ends any active session, generates a fresh PIN and creates a
// new active session. The plaintext PIN appears in this response only.
func CreateSession(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := api.Store.EndActiveSessions(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to end sessions")
			return
		}

		pin, err := auth.GeneratePin(api.PinLength)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate pin")
			return
		}
		hash, err := auth.HashPin(pin)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to hash pin")
			return
		}

		sess := &models.Session{PinHash: hash, Status: models.SessionActive}
		if err := api.Store.CreateSession(r.Context(), sess); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create session")
			return
		}

		api.Log.Info("session created", zap.String("session_id", sess.ID))
		writeJSON(w, http.StatusCreated, sessionResponse{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
			Status:    sess.Status,
			Pin:       pin,
		})
	}
}

func GetSession(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := api.Store.ActiveSession(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}
		writeJSON(w, http.StatusOK, sessionResponse{
			ID:        sess.ID,
			CreatedAt: sess.CreatedAt,
			Status:    sess.Status,
		})
	}
}

type createRoundRequest struct {
	SessionID   string   `json:"session_id"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens"`
	Temperature *float64 `json:"temperature"`
	DeadlineMs  *int     `json:"deadline_ms"`
	Seed        *int     `json:"seed"`
}

func CreateRound(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRoundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		params := rounds.CreateParams{
			SessionID:   req.SessionID,
			Prompt:      req.Prompt,
			MaxTokens:   400,
			Temperature: 0.8,
			DeadlineMs:  90000,
			Seed:        req.Seed,
		}
		if req.MaxTokens != nil {
			params.MaxTokens = *req.MaxTokens
		}
		if req.Temperature != nil {
			params.Temperature = *req.Temperature
		}
		if req.DeadlineMs != nil {
			params.DeadlineMs = *req.DeadlineMs
		}

		round, err := api.Rounds.Create(r.Context(), params)
		if errors.Is(err, rounds.ErrEmptyPrompt) || errors.Is(err, rounds.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to create round")
			return
		}
		writeJSON(w, http.StatusCreated, round)
	}
}

type roundIDRequest struct {
	RoundID string `json:"round_id"`
}

func StartRound(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roundIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		round, err := api.Rounds.Start(r.Context(), req.RoundID)
		switch {
		case errors.Is(err, rounds.ErrRoundNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, rounds.ErrAlreadyStarted):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to start round")
		default:
			writeJSON(w, http.StatusOK, round)
		}
	}
}

func StopRound(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roundIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		round, err := api.Rounds.Stop(r.Context(), req.RoundID)
		switch {
		case errors.Is(err, rounds.ErrRoundNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, rounds.ErrNotStarted), errors.Is(err, rounds.ErrAlreadyEnded):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to stop round")
		default:
			writeJSON(w, http.StatusOK, round)
		}
	}
}

type currentRoundResponse struct {
	Round  *models.Round       `json:"round"`
	Tokens map[string][]string `json:"tokens"`
}

// CurrentRound merges the round record with the live token snapshot so a
// late-joining viewer gets "tokens so far".
func CurrentRound(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := api.Store.ActiveSession(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}

		round, err := api.Rounds.Current(r.Context(), sess.ID)
		if errors.Is(err, rounds.ErrNoCurrentRound) {
			writeError(w, http.StatusNotFound, "no current round")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load round")
			return
		}

		writeJSON(w, http.StatusOK, currentRoundResponse{
			Round:  round,
			Tokens: api.Hub.Buffers().RoundSnapshot(round.Index),
		})
	}
}

type castVoteRequest struct {
	RoundID       string `json:"round_id"`
	ParticipantID string `json:"participant_id"`
	Score         int    `json:"score"`
}

func CastVote(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req castVoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		vote, err := api.Votes.CastVote(r.Context(), req.RoundID, req.ParticipantID, clientIP(r), req.Score)
		switch {
		case errors.Is(err, votes.ErrScoreOutOfRange), errors.Is(err, votes.ErrVotingClosed):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, votes.ErrRoundNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to cast vote")
		default:
			writeJSON(w, http.StatusOK, vote)
		}
	}
}

func CloseVotes(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req roundIDRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		_, err := api.Rounds.CloseVoting(r.Context(), req.RoundID)
		switch {
		case errors.Is(err, rounds.ErrRoundNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, rounds.ErrVotingClosed):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to close voting")
		default:
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		}
	}
}

type scoreboardResponse struct {
	RoundID    string                  `json:"round_id"`
	RoundIndex int                     `json:"round_index"`
	Entries    []votes.ScoreboardEntry `json:"entries"`
}

func Scoreboard(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := api.Store.ActiveSession(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}

		round, err := api.Rounds.Current(r.Context(), sess.ID)
		if errors.Is(err, rounds.ErrNoCurrentRound) {
			writeError(w, http.StatusNotFound, "no current round")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load round")
			return
		}

		entries, err := api.Votes.Scoreboard(r.Context(), round.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to build scoreboard")
			return
		}
		writeJSON(w, http.StatusOK, scoreboardResponse{
			RoundID:    round.ID,
			RoundIndex: round.Index,
			Entries:    entries,
		})
	}
}

func SessionMetrics(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := api.Store.ActiveSession(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}

		stats, err := api.Metrics.SessionStats(r.Context(), sess.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load metrics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func ExportCSV(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := api.Store.ActiveSession(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no active session")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session")
			return
		}

		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session_"+sess.ID+".csv"))
		if err := api.Metrics.ExportCSV(r.Context(), sess.ID, w); err != nil {
			api.Log.Error("csv export", zap.Error(err))
		}
	}
}

type kickRequest struct {
	ParticipantID string `json:"participant_id"`
}

func KickParticipant(api *API) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req kickRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ParticipantID == "" {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		err := api.Hub.Kick(r.Context(), req.ParticipantID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "participant not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to kick participant")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// clientIP is the voter identity source: the proxy-forwarded address when
// present, otherwise the connection's remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
