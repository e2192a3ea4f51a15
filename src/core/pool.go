package main

import "sync"

// TxPool holds admitted but unconfirmed transactions in arrival order
type TxPool struct {
	mu      sync.RWMutex
	pending []Transaction
}

// NewTxPool creates an empty pool
func NewTxPool() *TxPool {
	return &TxPool{pending: []Transaction{}}
}

// Add appends a transaction to the tail of the pool
func (p *TxPool) Add(tx Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, tx)
	UpdatePendingTransactionsGauge(len(p.pending))
}

// AddUnique appends tx unless a transaction with the same sender and id is
// already pending. The check and the append happen under one lock.
func (p *TxPool) AddUnique(tx Transaction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pending := range p.pending {
		if pending.Sender == tx.Sender && pending.ID == tx.ID {
			return false
		}
	}
	p.pending = append(p.pending, tx)
	UpdatePendingTransactionsGauge(len(p.pending))
	return true
}

// Drain removes and returns up to max transactions, oldest first.
// A non-positive max drains nothing.
func (p *TxPool) Drain(max int) []Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max <= 0 || len(p.pending) == 0 {
		return nil
	}
	if max > len(p.pending) {
		max = len(p.pending)
	}

	drained := make([]Transaction, max)
	copy(drained, p.pending[:max])

	remaining := make([]Transaction, len(p.pending)-max)
	copy(remaining, p.pending[max:])
	p.pending = remaining

	UpdatePendingTransactionsGauge(len(p.pending))
	return drained
}

// Contains reports whether a transaction with the same sender and id is pending
func (p *TxPool) Contains(sender string, id uint64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, tx := range p.pending {
		if tx.Sender == sender && tx.ID == id {
			return true
		}
	}
	return false
}

// Len returns the number of pending transactions
func (p *TxPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Snapshot returns a copy of the pending transactions
func (p *TxPool) Snapshot() []Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snapshot := make([]Transaction, len(p.pending))
	copy(snapshot, p.pending)
	return snapshot
}

// Requeue puts txs back at the head of the pool in their original order
func (p *TxPool) Requeue(txs []Transaction) {
	if len(txs) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := make([]Transaction, 0, len(txs)+len(p.pending))
	pending = append(pending, txs...)
	pending = append(pending, p.pending...)
	p.pending = pending
	UpdatePendingTransactionsGauge(len(p.pending))
}
