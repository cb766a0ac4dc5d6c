package hub

import "sync"

// outboxSize bounds how far a peer may fall behind before it is dropped.
const outboxSize = 32

// Peer is one live connection. The transport layer drains Outbox with a
// single writer, so per-receiver delivery preserves submission order.
type Peer struct {
	id   string // participant id once registered; empty for observers
	out  chan []byte
	once sync.Once
	done bool // guarded by Hub.mu
}

func NewPeer() *Peer {
	return &Peer{out: make(chan []byte, outboxSize)}
}

// ID returns the participant id, or "" before registration / for observers.
func (p *Peer) ID() string { return p.id }

// Outbox is the frame stream the transport writer drains. It is closed when
// the peer is disconnected.
func (p *Peer) Outbox() <-chan []byte { return p.out }

// send enqueues a frame without blocking. A full outbox means the peer is
// slow or dead; the caller prunes it.
func (p *Peer) send(frame []byte) bool {
	select {
	case p.out <- frame:
		return true
	default:
		return false
	}
}

func (p *Peer) close() {
	p.once.Do(func() { close(p.out) })
}
