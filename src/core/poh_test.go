package main

import (
	"errors"
	"fmt"
	"testing"
)

func TestPohSequencerAdvance(t *testing.T) {
	p := NewPohSequencer()
	if p.Len() != 1 || p.Latest() != PohGenesisDigest {
		t.Fatal("Expected a sequence holding only the genesis digest")
	}

	const n = 10
	for i := 1; i <= n; i++ {
		idx := p.Advance(fmt.Sprintf("block-%d", i))
		if idx != uint64(i) {
			t.Errorf("Expected index %d, got %d", i, idx)
		}
	}
	if p.Len() != n+1 {
		t.Errorf("Expected length %d after %d blocks, got %d", n+1, n, p.Len())
	}

	entry, ok := p.Entry(3)
	if !ok || entry != PohDigest("block-3") {
		t.Error("Expected entry 3 to be the digest of block-3")
	}
	if _, ok := p.Entry(n + 1); ok {
		t.Error("Expected no entry past the end")
	}
}

func TestPohSequencerDeterministic(t *testing.T) {
	hashes := []string{"h1", "h2", "h3", "h4"}
	a := NewPohSequencer()
	b := NewPohSequencer()
	for _, h := range hashes {
		a.Advance(h)
		b.Advance(h)
	}

	ea, eb := a.Entries(), b.Entries()
	if len(ea) != len(eb) {
		t.Fatalf("Expected equal lengths, got %d and %d", len(ea), len(eb))
	}
	for i := range ea {
		if ea[i] != eb[i] {
			t.Errorf("Entries differ at %d", i)
		}
	}

	// Each entry depends only on its own block hash
	c := NewPohSequencer()
	c.Advance("other")
	c.Advance("h2")
	if e, _ := c.Entry(2); e != ea[2] {
		t.Error("Expected entry to depend only on the block hash")
	}
}

func TestPohSequencerReplace(t *testing.T) {
	p := NewPohSequencer()
	p.Advance("h1")
	p.Advance("h2")

	if err := p.Replace(2, "h2-rival"); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if e, _ := p.Entry(2); e != PohDigest("h2-rival") {
		t.Error("Expected latest entry to be the digest of the new hash")
	}
	if p.Len() != 3 {
		t.Errorf("Expected length 3, got %d", p.Len())
	}

	for _, index := range []uint64{0, 1, 3} {
		if err := p.Replace(index, "x"); !errors.Is(err, ErrSequenceIndex) {
			t.Errorf("Expected ErrSequenceIndex for index %d, got %v", index, err)
		}
	}
}
