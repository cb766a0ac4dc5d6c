// Package tokenbuf keeps the per-participant, per-round ordered token
// sequences streamed during a round. Buffers live for the process lifetime;
// retention is bounded by active-session cardinality.
package tokenbuf

import "sync"

type key struct {
	participantID string
	roundIndex    int
}

type entry struct {
	mu     sync.Mutex
	tokens []string
}

// Buffer admits fragments strictly in sequence order: a fragment is accepted
// iff its seq equals the current length for that (participant, round) key.
// Anything else is dropped — the sender must resend in order or the gap is
// permanent for that round.
type Buffer struct {
	mu      sync.Mutex
	entries map[key]*entry
}

func New() *Buffer {
	return &Buffer{entries: make(map[key]*entry)}
}

func (b *Buffer) entryFor(participantID string, roundIndex int) *entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := key{participantID, roundIndex}
	e, ok := b.entries[k]
	if !ok {
		e = &entry{}
		b.entries[k] = e
	}
	return e
}

// Append admits one fragment. It returns the new buffer length and whether
// the fragment was accepted.
func (b *Buffer) Append(participantID string, roundIndex, seq int, content string) (int, bool) {
	e := b.entryFor(participantID, roundIndex)
	e.mu.Lock()
	defer e.mu.Unlock()
	if seq != len(e.tokens) {
		return len(e.tokens), false
	}
	e.tokens = append(e.tokens, content)
	return len(e.tokens), true
}

// Tokens returns a copy of the ordered sequence for one key.
func (b *Buffer) Tokens(participantID string, roundIndex int) []string {
	b.mu.Lock()
	e, ok := b.entries[key{participantID, roundIndex}]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.tokens))
	copy(out, e.tokens)
	return out
}

// RoundSnapshot maps every participant with buffered tokens for the given
// round index to a copy of its sequence. Used to hydrate late-joining viewers.
func (b *Buffer) RoundSnapshot(roundIndex int) map[string][]string {
	b.mu.Lock()
	keys := make([]key, 0)
	ents := make([]*entry, 0)
	for k, e := range b.entries {
		if k.roundIndex == roundIndex {
			keys = append(keys, k)
			ents = append(ents, e)
		}
	}
	b.mu.Unlock()

	out := make(map[string][]string, len(keys))
	for i, k := range keys {
		e := ents[i]
		e.mu.Lock()
		tokens := make([]string, len(e.tokens))
		copy(tokens, e.tokens)
		e.mu.Unlock()
		out[k.participantID] = tokens
	}
	return out
}
