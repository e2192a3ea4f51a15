package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrSequenceIndex is returned when replacing an entry other than the latest block's
var ErrSequenceIndex = errors.New("sequence index is not the latest block entry")

// PohGenesisDigest seeds every chain-of-custody sequence
var PohGenesisDigest = func() string {
	digest := sha256.Sum256([]byte("shardline-poh-genesis"))
	return hex.EncodeToString(digest[:])
}()

// PohSequencer is an append-only hash sequence recording the order in which
// this node produced or accepted blocks. Entry i (i > 0) is SHA-256 of the
// i-th block's hash and nothing else.
type PohSequencer struct {
	mu      sync.RWMutex
	entries []string
}

// NewPohSequencer creates a sequence holding only the genesis digest
func NewPohSequencer() *PohSequencer {
	return &PohSequencer{entries: []string{PohGenesisDigest}}
}

// PohDigest returns the sequence entry recorded for a block hash
func PohDigest(blockHash string) string {
	digest := sha256.Sum256([]byte(blockHash))
	return hex.EncodeToString(digest[:])
}

// Advance appends the digest of blockHash and returns its index
func (p *PohSequencer) Advance(blockHash string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, PohDigest(blockHash))
	UpdatePohLengthGauge(len(p.entries))
	return uint64(len(p.entries) - 1)
}

// Replace rewrites the latest entry with the digest of blockHash. Only the
// entry of the current tip can change, and never the genesis digest.
func (p *PohSequencer) Replace(index uint64, blockHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := uint64(len(p.entries) - 1)
	if index == 0 || index != last {
		return fmt.Errorf("%w: index %d, latest %d", ErrSequenceIndex, index, last)
	}
	p.entries[index] = PohDigest(blockHash)
	return nil
}

// Len returns the number of entries, including the genesis digest
func (p *PohSequencer) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Latest returns the most recent digest
func (p *PohSequencer) Latest() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.entries[len(p.entries)-1]
}

// Entry returns the digest at index
func (p *PohSequencer) Entry(index uint64) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if index >= uint64(len(p.entries)) {
		return "", false
	}
	return p.entries[index], true
}

// Entries returns a copy of the whole sequence
func (p *PohSequencer) Entries() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.entries))
	copy(out, p.entries)
	return out
}
