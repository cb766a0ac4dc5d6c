package tokenbuf

import "testing"

func TestAppend_InOrder(t *testing.T) {
	b := New()

	for i, content := range []string{"a", "b", "c"} {
		total, ok := b.Append("p1", 0, i, content)
		if !ok {
			t.Fatalf("seq %d: expected accept", i)
		}
		if total != i+1 {
			t.Fatalf("seq %d: want total %d, got %d", i, i+1, total)
		}
	}

	tokens := b.Tokens("p1", 0)
	if len(tokens) != 3 || tokens[0] != "a" || tokens[1] != "b" || tokens[2] != "c" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
}

func TestAppend_GapDroppedThenRecovered(t *testing.T) {
	b := New()

	if _, ok := b.Append("p1", 0, 0, "a"); !ok {
		t.Fatal("seq 0 should be accepted")
	}
	// seq 2 while length is 1: dropped, permanent until resent in order
	if _, ok := b.Append("p1", 0, 2, "c"); ok {
		t.Fatal("seq 2 should be dropped")
	}
	// seq 1 matches the length again
	total, ok := b.Append("p1", 0, 1, "b")
	if !ok || total != 2 {
		t.Fatalf("seq 1 should be accepted with total 2, got ok=%v total=%d", ok, total)
	}

	tokens := b.Tokens("p1", 0)
	if len(tokens) != 2 || tokens[1] != "b" {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
}

func TestAppend_DuplicateSeqDropped(t *testing.T) {
	b := New()
	b.Append("p1", 0, 0, "a")
	if _, ok := b.Append("p1", 0, 0, "a"); ok {
		t.Fatal("duplicate seq should be dropped")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	b := New()
	b.Append("p1", 0, 0, "a")
	b.Append("p1", 1, 0, "x")
	b.Append("p2", 0, 0, "y")

	if got := b.Tokens("p1", 0); len(got) != 1 || got[0] != "a" {
		t.Fatalf("p1/0: %v", got)
	}
	if got := b.Tokens("p1", 1); len(got) != 1 || got[0] != "x" {
		t.Fatalf("p1/1: %v", got)
	}
	if got := b.Tokens("p2", 0); len(got) != 1 || got[0] != "y" {
		t.Fatalf("p2/0: %v", got)
	}
}

func TestRoundSnapshot(t *testing.T) {
	b := New()
	b.Append("p1", 0, 0, "a")
	b.Append("p1", 0, 1, "b")
	b.Append("p2", 0, 0, "x")
	b.Append("p1", 1, 0, "other round")

	snap := b.RoundSnapshot(0)
	if len(snap) != 2 {
		t.Fatalf("want 2 participants, got %d", len(snap))
	}
	if len(snap["p1"]) != 2 || len(snap["p2"]) != 1 {
		t.Fatalf("unexpected snapshot: %v", snap)
	}

	// Snapshot is a copy; mutating it must not touch the buffer.
	snap["p1"][0] = "mutated"
	if b.Tokens("p1", 0)[0] != "a" {
		t.Fatal("snapshot mutation leaked into buffer")
	}
}

func TestTokens_UnknownKey(t *testing.T) {
	b := New()
	if got := b.Tokens("nobody", 9); got != nil {
		t.Fatalf("want nil for unknown key, got %v", got)
	}
}
