package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/llmclub/arena-server/internal/auth"
	"github.com/llmclub/arena-server/internal/models"
	"github.com/llmclub/arena-server/internal/protocol"
	"github.com/llmclub/arena-server/internal/store"
)

const testPin = "123456"

func newTestHub(t *testing.T, heartbeat time.Duration) (*Hub, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	h := New(context.Background(), st, zap.NewNop(), heartbeat)
	t.Cleanup(h.Shutdown)
	return h, st
}

func activeSession(t *testing.T, st *store.Memory) *models.Session {
	t.Helper()
	hash, err := auth.HashPin(testPin)
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	sess := &models.Session{PinHash: hash, Status: models.SessionActive}
	if err := st.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func registerMsg(id string) protocol.Register {
	return protocol.Register{
		Type:          protocol.TypeRegister,
		ParticipantID: id,
		Nickname:      "nick-" + id,
		Pin:           testPin,
		Runner:        "ollama",
		Model:         "llama3",
	}
}

// recvFrame pops the next frame off a peer's outbox, decoded into a generic
// map so tests can assert on the wire shape.
func recvFrame(t *testing.T, p *Peer) map[string]any {
	t.Helper()
	select {
	case frame, ok := <-p.Outbox():
		if !ok {
			t.Fatal("outbox closed while waiting for frame")
		}
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func recvNoFrame(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case frame, ok := <-p.Outbox():
		if ok {
			t.Fatalf("unexpected frame: %s", frame)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, p *Peer) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-p.Outbox():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("outbox never closed")
		}
	}
}

func TestRegister_NoActiveSession(t *testing.T) {
	h, _ := newTestHub(t, time.Hour)

	_, err := h.Register(context.Background(), registerMsg("p1"), NewPeer())
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("want ErrNoActiveSession, got %v", err)
	}
}

func TestRegister_BadPin(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)

	msg := registerMsg("p1")
	msg.Pin = "000000"
	_, err := h.Register(context.Background(), msg, NewPeer())
	if !errors.Is(err, auth.ErrInvalidPin) {
		t.Fatalf("want ErrInvalidPin, got %v", err)
	}

	if _, err := st.Participant(context.Background(), "p1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatal("failed registration must not create a participant")
	}
}

func TestRegister_AcksAndNotifiesObservers(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	sess := activeSession(t, st)
	ctx := context.Background()

	observer := NewPeer()
	h.RegisterObserver(observer)
	if got := recvFrame(t, observer)["type"]; got != protocol.TypeTelaoRegistered {
		t.Fatalf("want %s, got %v", protocol.TypeTelaoRegistered, got)
	}

	peer := NewPeer()
	p, err := h.Register(ctx, registerMsg("p1"), peer)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if p.SessionID != sess.ID || !p.Connected {
		t.Fatalf("unexpected participant: %+v", p)
	}

	ack := recvFrame(t, peer)
	if ack["type"] != protocol.TypeRegistered || ack["participant_id"] != "p1" {
		t.Fatalf("unexpected ack: %v", ack)
	}

	event := recvFrame(t, observer)
	if event["type"] != protocol.TypeParticipantRegistered {
		t.Fatalf("unexpected observer event: %v", event)
	}
	participant := event["participant"].(map[string]any)
	if participant["id"] != "p1" || participant["nickname"] != "nick-p1" {
		t.Fatalf("unexpected participant payload: %v", participant)
	}

	stored, err := st.Participant(ctx, "p1")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if !stored.Connected {
		t.Fatal("participant should be marked connected")
	}
}

func TestRegister_ReconnectKeepsCreatedAt(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	first, err := h.Register(ctx, registerMsg("p1"), NewPeer())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	second, err := h.Register(ctx, registerMsg("p1"), NewPeer())
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed across reconnect: %v != %v", second.CreatedAt, first.CreatedAt)
	}
}

func TestReconnect_RetiresOldPeerSilently(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	old := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), old); err != nil {
		t.Fatalf("register: %v", err)
	}
	recvFrame(t, old) // ack

	observer := NewPeer()
	h.RegisterObserver(observer)
	recvFrame(t, observer) // telao_registered

	fresh := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), fresh); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	recvFrame(t, fresh) // ack
	if got := recvFrame(t, observer)["type"]; got != protocol.TypeParticipantRegistered {
		t.Fatalf("want %s, got %v", protocol.TypeParticipantRegistered, got)
	}

	waitClosed(t, old)

	// The transport defer fires for the old connection after replacement; it
	// must not announce a disconnect while the fresh connection is live.
	h.Disconnect(ctx, old)
	recvNoFrame(t, observer)

	stored, err := st.Participant(ctx, "p1")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if !stored.Connected {
		t.Fatal("participant should still be connected through the fresh peer")
	}

	// Broadcasts only reach the live peer now.
	h.Broadcast(protocol.NewHeartbeat(1))
	if got := recvFrame(t, fresh)["type"]; got != protocol.TypeHeartbeat {
		t.Fatalf("want heartbeat, got %v", got)
	}
}

func TestHandleToken_AdmissionAndFanOut(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	peer := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), peer); err != nil {
		t.Fatalf("register: %v", err)
	}
	recvFrame(t, peer)

	observer := NewPeer()
	h.RegisterObserver(observer)
	recvFrame(t, observer)

	token := func(seq int, content string) protocol.Token {
		return protocol.Token{Type: protocol.TypeToken, ParticipantID: "p1", Round: 0, Seq: seq, Content: content}
	}

	h.HandleToken(ctx, token(0, "hello"))
	update := recvFrame(t, observer)
	if update["type"] != protocol.TypeTokenUpdate || update["total_tokens"].(float64) != 1 {
		t.Fatalf("unexpected update: %v", update)
	}

	// Out-of-order fragment: dropped, nothing fanned out.
	h.HandleToken(ctx, token(2, "skipped"))
	recvNoFrame(t, observer)

	h.HandleToken(ctx, token(1, "world"))
	update = recvFrame(t, observer)
	if update["seq"].(float64) != 1 || update["total_tokens"].(float64) != 2 {
		t.Fatalf("unexpected update: %v", update)
	}

	if got := h.Buffers().Tokens("p1", 0); len(got) != 2 {
		t.Fatalf("want 2 buffered tokens, got %v", got)
	}
}

type recorderStub struct {
	err   error
	calls int
}

func (r *recorderStub) RecordCompletion(context.Context, string, int, int, *int, int, map[string]any) error {
	r.calls++
	return r.err
}

func TestHandleComplete(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	rec := &recorderStub{}
	h.SetRecorder(rec)

	observer := NewPeer()
	h.RegisterObserver(observer)
	recvFrame(t, observer)

	msg := protocol.Complete{Type: protocol.TypeComplete, ParticipantID: "p1", Round: 0, Tokens: 42, DurationMs: 1000}
	if err := h.HandleComplete(context.Background(), msg); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if rec.calls != 1 {
		t.Fatalf("want 1 recorder call, got %d", rec.calls)
	}

	event := recvFrame(t, observer)
	if event["type"] != protocol.TypeCompletion || event["tokens"].(float64) != 42 {
		t.Fatalf("unexpected completion event: %v", event)
	}
}

func TestHandleComplete_RecorderFailure(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	boom := errors.New("boom")
	h.SetRecorder(&recorderStub{err: boom})

	observer := NewPeer()
	h.RegisterObserver(observer)
	recvFrame(t, observer)

	msg := protocol.Complete{Type: protocol.TypeComplete, ParticipantID: "p1", Round: 0, Tokens: 1, DurationMs: 1}
	if err := h.HandleComplete(context.Background(), msg); !errors.Is(err, boom) {
		t.Fatalf("want recorder error, got %v", err)
	}
	recvNoFrame(t, observer)
}

func TestDisconnect_NotifiesOnce(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	peer := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), peer); err != nil {
		t.Fatalf("register: %v", err)
	}
	recvFrame(t, peer)

	observer := NewPeer()
	h.RegisterObserver(observer)
	recvFrame(t, observer)

	h.Disconnect(ctx, peer)

	event := recvFrame(t, observer)
	if event["type"] != protocol.TypeParticipantDisconnected || event["participant_id"] != "p1" {
		t.Fatalf("unexpected event: %v", event)
	}

	stored, err := st.Participant(ctx, "p1")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if stored.Connected {
		t.Fatal("participant should be marked disconnected")
	}

	// Second call (the transport defer) is a no-op.
	h.Disconnect(ctx, peer)
	recvNoFrame(t, observer)
}

func TestBroadcast_PrunesSlowPeer(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	slow := NewPeer()
	if _, err := h.Register(ctx, registerMsg("slow"), slow); err != nil {
		t.Fatalf("register slow: %v", err)
	}

	fast := NewPeer()
	if _, err := h.Register(ctx, registerMsg("fast"), fast); err != nil {
		t.Fatalf("register fast: %v", err)
	}
	recvFrame(t, fast) // ack

	// Never drain slow; its outbox fills and the hub prunes it mid-broadcast.
	for i := 0; i < outboxSize+2; i++ {
		h.Broadcast(protocol.NewHeartbeat(int64(i)))
		recvFrame(t, fast)
	}

	waitClosed(t, slow)

	stored, err := st.Participant(ctx, "slow")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if stored.Connected {
		t.Fatal("pruned peer should be marked disconnected")
	}

	h.Broadcast(protocol.NewHeartbeat(99))
	if got := recvFrame(t, fast)["ts"].(float64); got != 99 {
		t.Fatalf("want ts 99, got %v", got)
	}
}

func TestHeartbeatLoop(t *testing.T) {
	h, st := newTestHub(t, 10*time.Millisecond)
	activeSession(t, st)
	ctx := context.Background()

	peer := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), peer); err != nil {
		t.Fatalf("register: %v", err)
	}
	// A tick may land between registry insertion and the ack, so frame order
	// is not fixed; scan until the first heartbeat shows up.
	for i := 0; i < 10; i++ {
		frame := recvFrame(t, peer)
		if frame["type"] != protocol.TypeHeartbeat {
			continue
		}
		if frame["ts"].(float64) <= 0 {
			t.Fatalf("heartbeat ts not set: %v", frame)
		}
		return
	}
	t.Fatal("no heartbeat within 10 frames")
}

func TestSendTo_RacingDisconnect(t *testing.T) {
	h, _ := newTestHub(t, time.Hour)
	ctx := context.Background()

	// A prune, kick or shutdown may close the outbox while an ack is still in
	// flight; the send must never hit a closed channel.
	for i := 0; i < 500; i++ {
		p := NewPeer()
		h.RegisterObserver(p)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.sendTo(p, protocol.NewHeartbeat(1))
		}()
		go func() {
			defer wg.Done()
			h.Disconnect(ctx, p)
		}()
		wg.Wait()
	}
}

func TestHeartbeatLoop_ReachesObservers(t *testing.T) {
	h, _ := newTestHub(t, 10*time.Millisecond)

	observer := NewPeer()
	h.RegisterObserver(observer)

	for i := 0; i < 10; i++ {
		if recvFrame(t, observer)["type"] == protocol.TypeHeartbeat {
			return
		}
	}
	t.Fatal("no heartbeat within 10 frames")
}

func TestKick(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	peer := NewPeer()
	if _, err := h.Register(ctx, registerMsg("p1"), peer); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := h.Kick(ctx, "p1"); err != nil {
		t.Fatalf("kick: %v", err)
	}
	waitClosed(t, peer)

	stored, err := st.Participant(ctx, "p1")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if stored.Connected {
		t.Fatal("kicked participant should be marked disconnected")
	}

	// Kicking a stored-but-offline participant just re-stamps the record.
	if err := h.Kick(ctx, "p1"); err != nil {
		t.Fatalf("kick offline: %v", err)
	}

	if err := h.Kick(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown participant, got %v", err)
	}
}

func TestBroadcastChallenge_ReachesAllParticipants(t *testing.T) {
	h, st := newTestHub(t, time.Hour)
	activeSession(t, st)
	ctx := context.Background()

	peers := make([]*Peer, 3)
	for i := range peers {
		peers[i] = NewPeer()
		if _, err := h.Register(ctx, registerMsg(fmt.Sprintf("p%d", i)), peers[i]); err != nil {
			t.Fatalf("register p%d: %v", i, err)
		}
		recvFrame(t, peers[i]) // ack
	}

	h.BroadcastChallenge(protocol.Challenge{
		Type:      protocol.TypeChallenge,
		SessionID: "s1",
		Round:     0,
		Prompt:    "go",
		MaxTokens: 400,
	})

	for i, p := range peers {
		frame := recvFrame(t, p)
		if frame["type"] != protocol.TypeChallenge || frame["prompt"] != "go" {
			t.Fatalf("peer %d: unexpected frame %v", i, frame)
		}
	}
}
