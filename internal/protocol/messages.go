// Package protocol defines the closed set of tagged messages exchanged over
// the persistent connection. Every frame is a JSON object with a "type"
// discriminant; inbound frames are decoded explicitly by tag and validated
// before they touch any shared state.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type tags.
const (
	TypeRegister      = "register"
	TypeToken         = "token"
	TypeComplete      = "complete"
	TypeError         = "error"
	TypeTelaoRegister = "telao_register"

	TypeRegistered      = "registered"
	TypeTelaoRegistered = "telao_registered"
	TypeChallenge       = "challenge"
	TypeHeartbeat       = "heartbeat"

	TypeParticipantRegistered   = "participant_registered"
	TypeTokenUpdate             = "token_update"
	TypeCompletion              = "completion"
	TypeParticipantDisconnected = "participant_disconnected"
)

var (
	ErrUnknownType  = errors.New("unknown message type")
	ErrMissingField = errors.New("missing field")
	ErrOutOfRange   = errors.New("out of range")
)

// Inbound is a client→hub message.
type Inbound interface {
	Validate() error
	isInbound()
}

// Register announces a generator client. PIN failures are fatal to the
// connection; everything else on this message is plain validation.
type Register struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Nickname      string `json:"nickname"`
	Pin           string `json:"pin"`
	Runner        string `json:"runner"`
	Model         string `json:"model"`
}

func (Register) isInbound() {}

func (m Register) Validate() error {
	switch {
	case m.ParticipantID == "":
		return fmt.Errorf("%w: participant_id", ErrMissingField)
	case m.Nickname == "":
		return fmt.Errorf("%w: nickname", ErrMissingField)
	case m.Pin == "":
		return fmt.Errorf("%w: pin", ErrMissingField)
	case m.Runner == "":
		return fmt.Errorf("%w: runner", ErrMissingField)
	case m.Model == "":
		return fmt.Errorf("%w: model", ErrMissingField)
	}
	return nil
}

// Token carries one streamed fragment. Round is the round *index*, not id.
type Token struct {
	Type          string `json:"type"`
	Round         int    `json:"round"`
	ParticipantID string `json:"participant_id"`
	Seq           int    `json:"seq"`
	Content       string `json:"content"`
}

func (Token) isInbound() {}

func (m Token) Validate() error {
	switch {
	case m.Round < 0:
		return fmt.Errorf("%w: round", ErrOutOfRange)
	case m.ParticipantID == "":
		return fmt.Errorf("%w: participant_id", ErrMissingField)
	case m.Seq < 0:
		return fmt.Errorf("%w: seq", ErrOutOfRange)
	}
	return nil
}

// Complete reports final generation metrics for one participant/round.
type Complete struct {
	Type                string         `json:"type"`
	Round               int            `json:"round"`
	ParticipantID       string         `json:"participant_id"`
	Tokens              int            `json:"tokens"`
	LatencyFirstTokenMs *int           `json:"latency_ms_first_token,omitempty"`
	DurationMs          int            `json:"duration_ms"`
	ModelInfo           map[string]any `json:"model_info,omitempty"`
}

func (Complete) isInbound() {}

func (m Complete) Validate() error {
	switch {
	case m.Round < 0:
		return fmt.Errorf("%w: round", ErrOutOfRange)
	case m.ParticipantID == "":
		return fmt.Errorf("%w: participant_id", ErrMissingField)
	case m.Tokens < 0:
		return fmt.Errorf("%w: tokens", ErrOutOfRange)
	case m.LatencyFirstTokenMs != nil && *m.LatencyFirstTokenMs < 0:
		return fmt.Errorf("%w: latency_ms_first_token", ErrOutOfRange)
	case m.DurationMs < 0:
		return fmt.Errorf("%w: duration_ms", ErrOutOfRange)
	}
	return nil
}

// ClientError reports a client-side failure; logged, no state change.
type ClientError struct {
	Type          string `json:"type"`
	Round         int    `json:"round"`
	ParticipantID string `json:"participant_id"`
	Code          string `json:"code"`
	Message       string `json:"message"`
}

func (ClientError) isInbound() {}

func (m ClientError) Validate() error {
	switch {
	case m.Round < 0:
		return fmt.Errorf("%w: round", ErrOutOfRange)
	case m.ParticipantID == "":
		return fmt.Errorf("%w: participant_id", ErrMissingField)
	case m.Code == "":
		return fmt.Errorf("%w: code", ErrMissingField)
	case m.Message == "":
		return fmt.Errorf("%w: message", ErrMissingField)
	}
	return nil
}

// TelaoRegister adds the connection to the observer set. No auth.
type TelaoRegister struct {
	Type string `json:"type"`
	View string `json:"view,omitempty"`
}

func (TelaoRegister) isInbound() {}

func (TelaoRegister) Validate() error { return nil }

// Decode parses one inbound frame by its type tag and validates it.
func Decode(data []byte) (Inbound, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	var msg Inbound
	switch probe.Type {
	case TypeRegister:
		var m Register
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode register: %w", err)
		}
		msg = m
	case TypeToken:
		var m Token
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		msg = m
	case TypeComplete:
		var m Complete
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode complete: %w", err)
		}
		msg = m
	case TypeError:
		var m ClientError
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		msg = m
	case TypeTelaoRegister:
		var m TelaoRegister
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode telao_register: %w", err)
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, probe.Type)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
