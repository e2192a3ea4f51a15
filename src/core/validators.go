package main

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"
)

// Validator set errors
var (
	ErrEmptyValidatorSet  = errors.New("empty validator set")
	ErrStakeBelowMinimum  = errors.New("validator stake below minimum")
	ErrDuplicateValidator = errors.New("duplicate validator")
	ErrEmptyValidatorID   = errors.New("validator has empty id")
	ErrTotalStakeOverflow = errors.New("total stake overflow")
)

// Leader selection modes
const (
	LeaderSelectionDeterministic = "deterministic"
	LeaderSelectionRandom        = "random"
)

// ValidatorSet is the fixed, ordered roster of a shard instance. Members are
// never added or removed after construction.
type ValidatorSet struct {
	mu         sync.RWMutex
	validators []Validator
	byID       map[string]int
	totalStake uint64
}

// NewValidatorSet builds a roster, rejecting empty rosters, duplicates and
// stakes below minStake.
func NewValidatorSet(validators []Validator, minStake uint64) (*ValidatorSet, error) {
	if len(validators) == 0 {
		return nil, ErrEmptyValidatorSet
	}

	vs := &ValidatorSet{
		validators: make([]Validator, 0, len(validators)),
		byID:       make(map[string]int, len(validators)),
	}

	for i, v := range validators {
		if v.ID == "" {
			return nil, fmt.Errorf("%w: validator %d", ErrEmptyValidatorID, i)
		}
		if _, exists := vs.byID[v.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateValidator, v.ID)
		}
		if v.Stake < minStake || v.Stake == 0 {
			return nil, fmt.Errorf("%w: %s has %d, minimum %d", ErrStakeBelowMinimum, v.ID, v.Stake, minStake)
		}
		if vs.totalStake > math.MaxUint64-v.Stake {
			return nil, ErrTotalStakeOverflow
		}
		vs.byID[v.ID] = len(vs.validators)
		vs.validators = append(vs.validators, v)
		vs.totalStake += v.Stake
	}

	return vs, nil
}

// Contains reports whether id is a member of the roster
func (vs *ValidatorSet) Contains(id string) bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	_, exists := vs.byID[id]
	return exists
}

// Get returns the validator with the given id
func (vs *ValidatorSet) Get(id string) (Validator, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	idx, exists := vs.byID[id]
	if !exists {
		return Validator{}, false
	}
	return vs.validators[idx], true
}

// Validators returns a copy of the roster in order
func (vs *ValidatorSet) Validators() []Validator {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	out := make([]Validator, len(vs.validators))
	copy(out, vs.validators)
	return out
}

// TotalStake returns the sum of all stakes
func (vs *ValidatorSet) TotalStake() uint64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.totalStake
}

// Size returns the number of validators
func (vs *ValidatorSet) Size() int {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return len(vs.validators)
}

// SelectByDraw returns the first validator, in roster order, whose cumulative
// stake meets or exceeds draw. draw must be in [0, TotalStake()).
func (vs *ValidatorSet) SelectByDraw(draw uint64) string {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	var cumulative uint64
	for _, v := range vs.validators {
		cumulative += v.Stake
		if cumulative >= draw {
			return v.ID
		}
	}
	return vs.validators[len(vs.validators)-1].ID
}

// LeaderSelector picks the block producer for a round. prevHash and height
// identify the round; implementations may ignore them.
type LeaderSelector interface {
	Select(prevHash string, height uint64) string
}

// RandomLeaderSelector draws from a node-local random source. Two nodes using
// it will generally disagree about the producer of a round.
type RandomLeaderSelector struct {
	validators *ValidatorSet
	mu         sync.Mutex
	rng        *rand.Rand
}

// NewRandomLeaderSelector creates a selector seeded from the clock
func NewRandomLeaderSelector(validators *ValidatorSet) *RandomLeaderSelector {
	return &RandomLeaderSelector{
		validators: validators,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Select draws uniformly in [0, total stake)
func (s *RandomLeaderSelector) Select(prevHash string, height uint64) string {
	total := s.validators.TotalStake()
	s.mu.Lock()
	draw := s.rng.Uint64() % total
	s.mu.Unlock()
	return s.validators.SelectByDraw(draw)
}

// DeterministicLeaderSelector derives the draw from the previous block hash
// and the height, so every node computes the same producer for a round.
type DeterministicLeaderSelector struct {
	validators *ValidatorSet
}

// NewDeterministicLeaderSelector creates a seeded selector
func NewDeterministicLeaderSelector(validators *ValidatorSet) *DeterministicLeaderSelector {
	return &DeterministicLeaderSelector{validators: validators}
}

// Select maps SHA-256(prevHash || height) onto the stake range
func (s *DeterministicLeaderSelector) Select(prevHash string, height uint64) string {
	seed := sha256.Sum256([]byte(prevHash + strconv.FormatUint(height, 10)))
	draw := binary.BigEndian.Uint64(seed[:8]) % s.validators.TotalStake()
	return s.validators.SelectByDraw(draw)
}

// NewLeaderSelector returns the selector for a configured mode
func NewLeaderSelector(mode string, validators *ValidatorSet) (LeaderSelector, error) {
	switch mode {
	case "", LeaderSelectionDeterministic:
		return NewDeterministicLeaderSelector(validators), nil
	case LeaderSelectionRandom:
		return NewRandomLeaderSelector(validators), nil
	default:
		return nil, fmt.Errorf("unknown leader selection mode: %s", mode)
	}
}
