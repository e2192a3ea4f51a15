package main

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Ledger errors
var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrBalanceOverflow   = errors.New("balance overflow")
	ErrBatchClosed       = errors.New("ledger batch already committed or aborted")
)

// CalculateFee returns round(amount * feeRate)
func CalculateFee(amount uint64, feeRate float64) uint64 {
	if feeRate <= 0 {
		return 0
	}
	return uint64(math.Round(float64(amount) * feeRate))
}

// LedgerState maps account identities to spendable balances. Producer rewards
// are kept in a separate map so that transfers between accounts always net to
// zero apart from fees.
type LedgerState struct {
	mu       sync.RWMutex
	balances map[string]uint64
	rewards  map[string]uint64
	settled  map[string]map[uint64]struct{}
}

// NewLedgerState creates an empty ledger
func NewLedgerState() *LedgerState {
	return &LedgerState{
		balances: make(map[string]uint64),
		rewards:  make(map[string]uint64),
		settled:  make(map[string]map[uint64]struct{}),
	}
}

// Balance returns the spendable balance of an account; unknown accounts hold zero
func (l *LedgerState) Balance(id string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[id]
}

// RewardBalance returns the accumulated producer rewards of a validator
func (l *LedgerState) RewardBalance(id string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rewards[id]
}

// HasFunds reports whether id can currently cover total. The writer lock is
// taken so the account is created on first reference.
func (l *LedgerState) HasFunds(id string, total uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, exists := l.balances[id]
	if !exists {
		l.balances[id] = 0
	}
	return balance >= total
}

// Credit adds amount to an account balance. Used for genesis allocations.
func (l *LedgerState) Credit(id string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	current := l.balances[id]
	if current > math.MaxUint64-amount {
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, id)
	}
	l.balances[id] = current + amount
	return nil
}

// IsSettled reports whether (sender, id) was already included in a block
func (l *LedgerState) IsSettled(sender string, id uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, found := l.settled[sender][id]
	return found
}

// TotalBalance sums every account balance, excluding producer rewards
func (l *LedgerState) TotalBalance() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, balance := range l.balances {
		total += balance
	}
	return total
}

// AccountCount returns the number of accounts referenced so far
func (l *LedgerState) AccountCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.balances)
}

// LedgerSnapshot is the serializable form of the ledger, tagged with the
// store height it was taken at.
type LedgerSnapshot struct {
	Height   uint64              `json:"height"`
	Balances map[string]uint64   `json:"balances"`
	Rewards  map[string]uint64   `json:"rewards"`
	Settled  map[string][]uint64 `json:"settled"`
}

// Snapshot copies the ledger contents
func (l *LedgerState) Snapshot() LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := LedgerSnapshot{
		Balances: make(map[string]uint64, len(l.balances)),
		Rewards:  make(map[string]uint64, len(l.rewards)),
		Settled:  make(map[string][]uint64, len(l.settled)),
	}
	for id, balance := range l.balances {
		snap.Balances[id] = balance
	}
	for id, amount := range l.rewards {
		snap.Rewards[id] = amount
	}
	for sender, ids := range l.settled {
		list := make([]uint64, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		snap.Settled[sender] = list
	}
	return snap
}

// Restore replaces the ledger contents with snap
func (l *LedgerState) Restore(snap LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]uint64, len(snap.Balances))
	for id, balance := range snap.Balances {
		l.balances[id] = balance
	}
	l.rewards = make(map[string]uint64, len(snap.Rewards))
	for id, amount := range snap.Rewards {
		l.rewards[id] = amount
	}
	l.settled = make(map[string]map[uint64]struct{}, len(snap.Settled))
	for sender, list := range snap.Settled {
		ids := make(map[uint64]struct{}, len(list))
		for _, id := range list {
			ids[id] = struct{}{}
		}
		l.settled[sender] = ids
	}
}

// Begin opens a settlement batch. The ledger writer lock is held until the
// batch is committed or aborted, so readers never observe a partially settled
// round.
func (l *LedgerState) Begin() *LedgerBatch {
	l.mu.Lock()
	return &LedgerBatch{
		ledger:  l,
		staged:  make(map[string]uint64),
		rewards: make(map[string]uint64),
	}
}

type settledKey struct {
	sender string
	id     uint64
}

// LedgerBatch stages balance mutations on top of the ledger. Nothing is
// visible in the ledger until Commit.
type LedgerBatch struct {
	ledger  *LedgerState
	staged  map[string]uint64
	rewards map[string]uint64
	settled []settledKey
	closed  bool
}

// Balance returns the staged balance of id, falling back to the ledger
func (b *LedgerBatch) Balance(id string) uint64 {
	if balance, ok := b.staged[id]; ok {
		return balance
	}
	return b.ledger.balances[id]
}

// Transfer debits sender by amount+fee and credits receiver by amount, only if
// the sender's staged balance covers the debit.
func (b *LedgerBatch) Transfer(sender, receiver string, amount, fee uint64) error {
	if b.closed {
		return ErrBatchClosed
	}
	if amount > math.MaxUint64-fee {
		return fmt.Errorf("%w: amount plus fee overflows", ErrInsufficientFunds)
	}
	total := amount + fee

	senderBalance := b.Balance(sender)
	if senderBalance < total {
		return fmt.Errorf("%w: balance %d, required %d", ErrInsufficientFunds, senderBalance, total)
	}
	previousSender := senderBalance
	b.staged[sender] = senderBalance - total

	receiverBalance := b.Balance(receiver)
	if receiverBalance > math.MaxUint64-amount {
		b.staged[sender] = previousSender
		return fmt.Errorf("%w: account %s", ErrBalanceOverflow, receiver)
	}
	b.staged[receiver] = receiverBalance + amount
	return nil
}

// CreditReward stages a producer reward credit
func (b *LedgerBatch) CreditReward(id string, amount uint64) error {
	if b.closed {
		return ErrBatchClosed
	}
	current := b.ledger.rewards[id] + b.rewards[id]
	if current > math.MaxUint64-amount {
		return fmt.Errorf("%w: reward account %s", ErrBalanceOverflow, id)
	}
	b.rewards[id] += amount
	return nil
}

// MarkSettled records (sender, id) as included by this batch
func (b *LedgerBatch) MarkSettled(sender string, id uint64) {
	b.settled = append(b.settled, settledKey{sender: sender, id: id})
}

// IsSettled checks both the ledger and the batch for (sender, id)
func (b *LedgerBatch) IsSettled(sender string, id uint64) bool {
	if _, found := b.ledger.settled[sender][id]; found {
		return true
	}
	for _, key := range b.settled {
		if key.sender == sender && key.id == id {
			return true
		}
	}
	return false
}

// Commit applies the staged mutations and releases the ledger lock
func (b *LedgerBatch) Commit() {
	if b.closed {
		return
	}
	b.closed = true
	l := b.ledger
	for id, balance := range b.staged {
		l.balances[id] = balance
	}
	for id, amount := range b.rewards {
		l.rewards[id] += amount
	}
	for _, key := range b.settled {
		ids, exists := l.settled[key.sender]
		if !exists {
			ids = make(map[uint64]struct{})
			l.settled[key.sender] = ids
		}
		ids[key.id] = struct{}{}
	}
	l.mu.Unlock()
}

// Abort discards the staged mutations and releases the ledger lock
func (b *LedgerBatch) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	b.ledger.mu.Unlock()
}
