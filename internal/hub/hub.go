// Package hub owns the process-wide connection registry: participant and
// observer peers, the token buffers, broadcast fan-out and the heartbeat.
// Raw collections are never exposed; everything goes through atomic ops.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/auth"
	"github.com/llmclub/arena-server/internal/models"
	"github.com/llmclub/arena-server/internal/protocol"
	"github.com/llmclub/arena-server/internal/store"
	"github.com/llmclub/arena-server/internal/tokenbuf"
)

var (
	ErrNoActiveSession = errors.New("no active session")
	ErrNotConnected    = errors.New("participant not connected")
)

// CompletionRecorder resolves a completion report (which references the round
// by index) to a stored round id and records the metrics. Implemented by the
// rounds manager.
type CompletionRecorder interface {
	RecordCompletion(ctx context.Context, participantID string, roundIndex int, tokens int, latencyFirstTokenMs *int, durationMs int, modelInfo map[string]any) error
}

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	store    store.Store
	buffers  *tokenbuf.Buffer
	recorder CompletionRecorder
	log      *zap.Logger

	heartbeatEvery time.Duration

	mu           sync.Mutex
	participants map[string]*Peer
	observers    map[*Peer]struct{}
}

func New(parent context.Context, st store.Store, log *zap.Logger, heartbeatEvery time.Duration) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		ctx:            ctx,
		cancel:         cancel,
		store:          st,
		buffers:        tokenbuf.New(),
		log:            log,
		heartbeatEvery: heartbeatEvery,
		participants:   make(map[string]*Peer),
		observers:      make(map[*Peer]struct{}),
	}
	h.wg.Add(1)
	go h.heartbeatLoop()
	return h
}

// SetRecorder wires the completion path. Must be called before serving
// connections; kept separate from New because the rounds manager needs the
// hub for challenge broadcasts.
func (h *Hub) SetRecorder(r CompletionRecorder) { h.recorder = r }

// Buffers exposes the token store for read-side queries (current-round
// hydration). Appends still only happen through HandleToken.
func (h *Hub) Buffers() *tokenbuf.Buffer { return h.buffers }

// Shutdown stops the heartbeat and closes every peer.
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, p := range h.participants {
		p.done = true
		p.close()
		delete(h.participants, id)
	}
	for p := range h.observers {
		p.done = true
		p.close()
		delete(h.observers, p)
	}
}

func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			beat := protocol.NewHeartbeat(time.Now().UnixMilli())
			h.Broadcast(beat)
			h.BroadcastToObservers(beat)
		}
	}
}

// Register admits a participant connection. It requires an active session and
// a valid PIN; both failures are fatal to the registration attempt and leave
// the registry untouched. A registration for an id that already has a live
// connection replaces it (last-registration-wins, enabling reconnects).
func (h *Hub) Register(ctx context.Context, msg protocol.Register, p *Peer) (*models.Participant, error) {
	sess, err := h.store.ActiveSession(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}

	if err := auth.VerifyPin(msg.Pin, sess.PinHash); err != nil {
		return nil, err
	}

	now := time.Now()
	participant := &models.Participant{
		ID:        msg.ParticipantID,
		SessionID: sess.ID,
		Nickname:  msg.Nickname,
		Runner:    msg.Runner,
		Model:     msg.Model,
		Connected: true,
		LastSeen:  now,
	}
	if existing, err := h.store.Participant(ctx, msg.ParticipantID); err == nil {
		participant.CreatedAt = existing.CreatedAt
	}
	if err := h.store.UpsertParticipant(ctx, participant); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if prior, ok := h.participants[msg.ParticipantID]; ok && prior != p {
		// Reconnect: retire the old handle without the disconnect side effects.
		prior.done = true
		prior.close()
	}
	p.id = msg.ParticipantID
	h.participants[msg.ParticipantID] = p
	h.mu.Unlock()

	h.log.Info("participant registered",
		zap.String("participant_id", participant.ID),
		zap.String("nickname", participant.Nickname))

	h.sendTo(p, protocol.NewRegistered(participant.ID))
	h.BroadcastToObservers(protocol.NewParticipantRegistered(*participant))
	return participant, nil
}

// RegisterObserver adds a telao connection to the observer set.
func (h *Hub) RegisterObserver(p *Peer) {
	h.mu.Lock()
	h.observers[p] = struct{}{}
	h.mu.Unlock()
	h.log.Info("observer registered")
	h.sendTo(p, protocol.NewTelaoRegistered())
}

// HandleToken runs the admission rule and, on acceptance, refreshes the
// participant's last_seen and fans the fragment out to observers. An
// out-of-order fragment is dropped silently; the sender is never told.
func (h *Hub) HandleToken(ctx context.Context, msg protocol.Token) {
	total, ok := h.buffers.Append(msg.ParticipantID, msg.Round, msg.Seq, msg.Content)
	if !ok {
		h.log.Warn("token dropped: sequence mismatch",
			zap.String("participant_id", msg.ParticipantID),
			zap.Int("round", msg.Round),
			zap.Int("seq", msg.Seq),
			zap.Int("expected", total))
		return
	}

	if err := h.store.TouchParticipant(ctx, msg.ParticipantID, time.Now()); err != nil {
		h.log.Warn("touch participant", zap.Error(err))
	}

	h.BroadcastToObservers(protocol.TokenUpdate{
		Type:          protocol.TypeTokenUpdate,
		ParticipantID: msg.ParticipantID,
		Round:         msg.Round,
		Seq:           msg.Seq,
		Content:       msg.Content,
		TotalTokens:   total,
	})
}

// HandleComplete records final metrics through the rounds manager and
// broadcasts the completion. A failure is reported back to the sender but is
// not fatal to the connection.
func (h *Hub) HandleComplete(ctx context.Context, msg protocol.Complete) error {
	err := h.recorder.RecordCompletion(ctx, msg.ParticipantID, msg.Round,
		msg.Tokens, msg.LatencyFirstTokenMs, msg.DurationMs, msg.ModelInfo)
	if err != nil {
		h.log.Warn("completion rejected",
			zap.String("participant_id", msg.ParticipantID),
			zap.Int("round", msg.Round),
			zap.Error(err))
		return err
	}

	h.BroadcastToObservers(protocol.Completion{
		Type:          protocol.TypeCompletion,
		ParticipantID: msg.ParticipantID,
		Round:         msg.Round,
		Tokens:        msg.Tokens,
		DurationMs:    msg.DurationMs,
	})
	return nil
}

// HandleClientError logs a client-reported failure. No state changes.
func (h *Hub) HandleClientError(msg protocol.ClientError) {
	h.log.Warn("client error",
		zap.String("participant_id", msg.ParticipantID),
		zap.Int("round", msg.Round),
		zap.String("code", msg.Code),
		zap.String("message", msg.Message))
}

// Disconnect removes a peer from whichever set it belongs to. For a
// registered participant it flips connected=false, stamps last_seen and
// notifies observers. Calling it twice is a no-op the second time.
func (h *Hub) Disconnect(ctx context.Context, p *Peer) {
	h.mu.Lock()
	if p.done {
		h.mu.Unlock()
		return
	}
	p.done = true
	wasParticipant := false
	if p.id != "" && h.participants[p.id] == p {
		delete(h.participants, p.id)
		wasParticipant = true
	}
	delete(h.observers, p)
	h.mu.Unlock()

	p.close()

	if !wasParticipant {
		return
	}

	now := time.Now()
	if err := h.store.SetParticipantDisconnected(ctx, p.id, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.Warn("mark disconnected", zap.Error(err))
	}
	h.log.Info("participant disconnected", zap.String("participant_id", p.id))
	h.BroadcastToObservers(protocol.ParticipantDisconnected{
		Type:          protocol.TypeParticipantDisconnected,
		ParticipantID: p.id,
		Ts:            now.UnixMilli(),
	})
}

// Kick force-disconnects a participant's live connection, if any, and marks
// the record disconnected either way.
func (h *Hub) Kick(ctx context.Context, participantID string) error {
	h.mu.Lock()
	p, ok := h.participants[participantID]
	h.mu.Unlock()
	if ok {
		h.Disconnect(ctx, p)
		return nil
	}
	return h.store.SetParticipantDisconnected(ctx, participantID, time.Now())
}

// BroadcastChallenge pushes a round-start challenge to every participant.
func (h *Hub) BroadcastChallenge(ch protocol.Challenge) {
	h.Broadcast(ch)
}

// Broadcast sends to every participant, best effort. Peers whose outbox is
// full are pruned as part of the same operation; their failure never fails
// the broadcast for the rest.
func (h *Hub) Broadcast(msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal broadcast", zap.Error(err))
		return
	}

	var dead []*Peer
	h.mu.Lock()
	for _, p := range h.participants {
		if !p.send(frame) {
			dead = append(dead, p)
		}
	}
	h.mu.Unlock()

	for _, p := range dead {
		h.log.Warn("pruning unresponsive participant", zap.String("participant_id", p.id))
		h.Disconnect(context.Background(), p)
	}
}

// BroadcastToObservers fans a derived event out to the telao set, with the
// same prune-on-failure rule.
func (h *Hub) BroadcastToObservers(msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal observer broadcast", zap.Error(err))
		return
	}

	var dead []*Peer
	h.mu.Lock()
	for p := range h.observers {
		if !p.send(frame) {
			dead = append(dead, p)
		}
	}
	h.mu.Unlock()

	for _, p := range dead {
		h.log.Warn("pruning unresponsive observer")
		h.Disconnect(context.Background(), p)
	}
}

func (h *Hub) sendTo(p *Peer, msg any) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal message", zap.Error(err))
		return
	}
	// A concurrent prune or shutdown closes the outbox after marking the peer
	// done; the send is only safe while the peer is live under the lock.
	h.mu.Lock()
	ok := !p.done && p.send(frame)
	h.mu.Unlock()
	if !ok {
		h.Disconnect(context.Background(), p)
	}
}
