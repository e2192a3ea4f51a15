package main

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
)

func TestBlockJSONFieldNames(t *testing.T) {
	block := Block{
		ShardID:      2,
		Height:       5,
		PrevHash:     GenesisHash,
		Transactions: []Transaction{{Sender: "a", Receiver: "b", Amount: 3, ID: 1, Signature: "sig"}},
		Timestamp:    1700000000,
		Hash:         "hash",
		PohIndex:     5,
		Producer:     "validator-1",
		TotalFees:    1,
	}

	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, name := range []string{"shardId", "height", "prevHash", "transactions", "timestamp", "hash", "pohIndex", "producer", "totalFees"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("Expected field %s in encoded block", name)
		}
	}

	decoded, err := DecodeBlock(data)
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, block) {
		t.Errorf("Expected decoded block %+v, got %+v", block, decoded)
	}
}

func TestTransactionJSONRoundTrip(t *testing.T) {
	alice := newTestAccount(t)
	tx := signedTx(t, alice, "bob", 12345, 42)

	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded Transaction
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if !reflect.DeepEqual(decoded, tx) {
		t.Errorf("Expected decoded transaction %+v, got %+v", tx, decoded)
	}
	if !VerifyTransaction(decoded) {
		t.Error("Expected decoded transaction to still verify")
	}
}

func TestProducedBlockJSONRoundTrip(t *testing.T) {
	node := newTestNode(t)
	alice := newTestAccount(t)
	fundAccount(t, node, alice.id, 1000)
	for id := uint64(1); id <= 3; id++ {
		if err := node.AddTransaction(signedTx(t, alice, "bob", 10*id, id)); err != nil {
			t.Fatalf("AddTransaction failed: %v", err)
		}
	}
	block, err := node.ProduceBlock(context.Background())
	if err != nil || block == nil {
		t.Fatalf("Expected a block, got %v (err=%v)", block, err)
	}

	data, err := EncodeBlock(*block)
	if err != nil {
		t.Fatalf("EncodeBlock failed: %v", err)
	}
	decoded, err := DecodeBlock(data)
	if err != nil {
		t.Fatalf("DecodeBlock failed: %v", err)
	}
	if !reflect.DeepEqual(decoded, *block) {
		t.Errorf("Expected decoded block %+v, got %+v", *block, decoded)
	}
	if calculateBlockHash(decoded) != decoded.Hash {
		t.Error("Expected decoded block hash to still match its content")
	}
}

func TestBlockAcceptance(t *testing.T) {
	tests := []struct {
		acceptance BlockAcceptance
		label      string
		persisted  bool
	}{
		{BlockAccepted, "accepted", true},
		{BlockReplacedTip, "replaced_tip", true},
		{BlockWrongShard, "wrong_shard", false},
		{BlockUnknownProducer, "unknown_producer", false},
		{BlockRejected, "rejected", false},
		{BlockStoreFailed, "store_failed", false},
		{BlockAcceptance(99), "unknown", false},
	}
	for _, tc := range tests {
		if got := tc.acceptance.String(); got != tc.label {
			t.Errorf("Expected label %s, got %s", tc.label, got)
		}
		if got := tc.acceptance.Persisted(); got != tc.persisted {
			t.Errorf("Expected Persisted()=%v for %s", tc.persisted, tc.label)
		}
	}
}

func TestRoundStateString(t *testing.T) {
	want := map[RoundState]string{
		RoundIdle:      "idle",
		RoundDraining:  "draining",
		RoundSettling:  "settling",
		RoundSealing:   "sealing",
		RoundPersisted: "persisted",
	}
	for state, label := range want {
		if state.String() != label {
			t.Errorf("Expected %s, got %s", label, state.String())
		}
	}
}
