package main

import (
	"errors"
	"math"
	"testing"
)

func TestCalculateFee(t *testing.T) {
	tests := []struct {
		amount uint64
		rate   float64
		want   uint64
	}{
		{100, 0.01, 1},
		{1000, 0.01, 10},
		{49, 0.01, 0},
		{149, 0.01, 1},
		{151, 0.01, 2},
		{100, 0, 0},
		{100, -0.5, 0},
		{0, 0.01, 0},
	}
	for _, tc := range tests {
		if got := CalculateFee(tc.amount, tc.rate); got != tc.want {
			t.Errorf("CalculateFee(%d, %v) = %d, want %d", tc.amount, tc.rate, got, tc.want)
		}
	}
}

func TestLedgerHasFundsCreatesAccount(t *testing.T) {
	ledger := NewLedgerState()
	if ledger.HasFunds("alice", 1) {
		t.Error("Expected unknown account to have no funds")
	}
	if ledger.AccountCount() != 1 {
		t.Errorf("Expected account to be created on first reference, got %d accounts", ledger.AccountCount())
	}
	if !ledger.HasFunds("alice", 0) {
		t.Error("Expected zero total to be covered")
	}
}

func TestLedgerCreditOverflow(t *testing.T) {
	ledger := NewLedgerState()
	if err := ledger.Credit("alice", math.MaxUint64); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if err := ledger.Credit("alice", 1); !errors.Is(err, ErrBalanceOverflow) {
		t.Errorf("Expected ErrBalanceOverflow, got %v", err)
	}
	if ledger.Balance("alice") != math.MaxUint64 {
		t.Error("Expected balance unchanged after overflow")
	}
}

func TestLedgerBatchCommit(t *testing.T) {
	ledger := NewLedgerState()
	ledger.Credit("alice", 1000)

	batch := ledger.Begin()
	if err := batch.Transfer("alice", "bob", 100, 1); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := batch.CreditReward("producer", 11); err != nil {
		t.Fatalf("CreditReward failed: %v", err)
	}
	batch.MarkSettled("alice", 1)

	if batch.Balance("alice") != 899 || batch.Balance("bob") != 100 {
		t.Errorf("Expected staged balances 899/100, got %d/%d", batch.Balance("alice"), batch.Balance("bob"))
	}
	if !batch.IsSettled("alice", 1) {
		t.Error("Expected batch to report staged settlement")
	}
	batch.Commit()

	if ledger.Balance("alice") != 899 {
		t.Errorf("Expected alice 899, got %d", ledger.Balance("alice"))
	}
	if ledger.Balance("bob") != 100 {
		t.Errorf("Expected bob 100, got %d", ledger.Balance("bob"))
	}
	if ledger.RewardBalance("producer") != 11 {
		t.Errorf("Expected reward 11, got %d", ledger.RewardBalance("producer"))
	}
	if ledger.Balance("producer") != 0 {
		t.Error("Expected rewards to stay out of spendable balances")
	}
	if !ledger.IsSettled("alice", 1) {
		t.Error("Expected (alice, 1) to be settled")
	}
	if ledger.TotalBalance() != 999 {
		t.Errorf("Expected total balance 999, got %d", ledger.TotalBalance())
	}

	if err := batch.Transfer("alice", "bob", 1, 0); !errors.Is(err, ErrBatchClosed) {
		t.Errorf("Expected ErrBatchClosed after commit, got %v", err)
	}
}

func TestLedgerBatchAbort(t *testing.T) {
	ledger := NewLedgerState()
	ledger.Credit("alice", 1000)

	batch := ledger.Begin()
	batch.Transfer("alice", "bob", 500, 5)
	batch.CreditReward("producer", 15)
	batch.MarkSettled("alice", 7)
	batch.Abort()

	if ledger.Balance("alice") != 1000 || ledger.Balance("bob") != 0 {
		t.Errorf("Expected prior balances after abort, got %d/%d", ledger.Balance("alice"), ledger.Balance("bob"))
	}
	if ledger.RewardBalance("producer") != 0 {
		t.Error("Expected no reward after abort")
	}
	if ledger.IsSettled("alice", 7) {
		t.Error("Expected no settlement record after abort")
	}

	// The writer lock was released
	if !ledger.HasFunds("alice", 1000) {
		t.Error("Expected ledger usable after abort")
	}
}

func TestLedgerBatchTransferBoundary(t *testing.T) {
	tests := []struct {
		name    string
		balance uint64
		wantErr error
	}{
		{"exact amount plus fee", 101, nil},
		{"short by one", 100, ErrInsufficientFunds},
		{"empty account", 0, ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewLedgerState()
			ledger.Credit("alice", tc.balance)
			batch := ledger.Begin()
			defer batch.Abort()

			err := batch.Transfer("alice", "bob", 100, 1)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Expected %v, got %v", tc.wantErr, err)
			}
			if tc.wantErr != nil && batch.Balance("alice") != tc.balance {
				t.Error("Expected failed transfer to leave the staged balance untouched")
			}
		})
	}
}

func TestLedgerBatchSequentialTransfersUseStagedBalance(t *testing.T) {
	ledger := NewLedgerState()
	ledger.Credit("alice", 150)
	batch := ledger.Begin()
	defer batch.Abort()

	if err := batch.Transfer("alice", "bob", 100, 1); err != nil {
		t.Fatalf("First transfer failed: %v", err)
	}
	if err := batch.Transfer("alice", "carol", 100, 1); !errors.Is(err, ErrInsufficientFunds) {
		t.Errorf("Expected second transfer to see the staged debit, got %v", err)
	}
}

func TestLedgerBatchReceiverOverflow(t *testing.T) {
	ledger := NewLedgerState()
	ledger.Credit("alice", 10)
	ledger.Credit("bob", math.MaxUint64)
	batch := ledger.Begin()
	defer batch.Abort()

	if err := batch.Transfer("alice", "bob", 5, 0); !errors.Is(err, ErrBalanceOverflow) {
		t.Fatalf("Expected ErrBalanceOverflow, got %v", err)
	}
	if batch.Balance("alice") != 10 {
		t.Errorf("Expected sender debit rolled back, got %d", batch.Balance("alice"))
	}
}
