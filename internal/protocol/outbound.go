package protocol

import "github.com/llmclub/arena-server/internal/models"

// Registered acks a successful participant registration.
type Registered struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

func NewRegistered(participantID string) Registered {
	return Registered{Type: TypeRegistered, ParticipantID: participantID}
}

// TelaoRegistered acks an observer registration.
type TelaoRegistered struct {
	Type string `json:"type"`
}

func NewTelaoRegistered() TelaoRegistered {
	return TelaoRegistered{Type: TypeTelaoRegistered}
}

// Challenge tells every participant a round has started. Round is the index.
type Challenge struct {
	Type        string  `json:"type"`
	SessionID   string  `json:"session_id"`
	Round       int     `json:"round"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	DeadlineMs  int     `json:"deadline_ms"`
	Seed        *int    `json:"seed,omitempty"`
}

func NewChallenge(r *models.Round) Challenge {
	return Challenge{
		Type:        TypeChallenge,
		SessionID:   r.SessionID,
		Round:       r.Index,
		Prompt:      r.Prompt,
		MaxTokens:   r.MaxTokens,
		Temperature: r.Temperature,
		DeadlineMs:  r.DeadlineMs,
		Seed:        r.Seed,
	}
}

// Heartbeat is a pure liveness signal. Ts is unix milliseconds.
type Heartbeat struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

func NewHeartbeat(ts int64) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, Ts: ts}
}

// ErrorReply is sent inline on a connection when an action is rejected.
type ErrorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewErrorReply(message string) ErrorReply {
	return ErrorReply{Type: TypeError, Message: message}
}

// ParticipantRegistered is broadcast to observers on registration.
type ParticipantRegistered struct {
	Type        string             `json:"type"`
	Participant models.Participant `json:"participant"`
}

func NewParticipantRegistered(p models.Participant) ParticipantRegistered {
	return ParticipantRegistered{Type: TypeParticipantRegistered, Participant: p}
}

// TokenUpdate is broadcast to observers for every accepted fragment.
type TokenUpdate struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Round         int    `json:"round"`
	Seq           int    `json:"seq"`
	Content       string `json:"content"`
	TotalTokens   int    `json:"total_tokens"`
}

// Completion is broadcast to observers when a participant finishes a round.
type Completion struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Round         int    `json:"round"`
	Tokens        int    `json:"tokens"`
	DurationMs    int    `json:"duration_ms"`
}

// ParticipantDisconnected is broadcast to observers when a registered
// participant's connection drops. Ts is unix milliseconds.
type ParticipantDisconnected struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Ts            int64  `json:"ts"`
}
