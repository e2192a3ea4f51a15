package main

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestRecordBlockReceivedLabels(t *testing.T) {
	before := counterValue(t, blocksTotal.WithLabelValues("7", "received_wrong_shard"))
	RecordBlockReceived("7", BlockWrongShard)
	RecordBlockReceived("7", BlockWrongShard)
	after := counterValue(t, blocksTotal.WithLabelValues("7", "received_wrong_shard"))

	if after-before != 2 {
		t.Errorf("Expected counter to grow by 2, got %v", after-before)
	}
}

func TestRecordTransactionProcessed(t *testing.T) {
	accepted := transactionsTotal.WithLabelValues("metrics-test", "accepted")
	rejected := transactionsTotal.WithLabelValues("metrics-test", "rejected")
	a0, r0 := counterValue(t, accepted), counterValue(t, rejected)

	RecordTransactionProcessed("metrics-test", true)
	RecordTransactionProcessed("metrics-test", false)
	RecordTransactionProcessed("metrics-test", false)

	if got := counterValue(t, accepted) - a0; got != 1 {
		t.Errorf("Expected 1 accepted, got %v", got)
	}
	if got := counterValue(t, rejected) - r0; got != 2 {
		t.Errorf("Expected 2 rejected, got %v", got)
	}
}

func TestProduceBlockUpdatesMetrics(t *testing.T) {
	node := newTestNode(t)
	alice := newTestAccount(t)
	fundAccount(t, node, alice.id, 1000)
	if err := node.AddTransaction(signedTx(t, alice, "bob", 100, 1)); err != nil {
		t.Fatalf("AddTransaction failed: %v", err)
	}

	fees0 := counterValue(t, feesCollectedTotal)

	block, err := node.ProduceBlock(context.Background())
	if err != nil || block == nil {
		t.Fatalf("Expected a block, got %v (err=%v)", block, err)
	}

	if got := counterValue(t, feesCollectedTotal) - fees0; got != float64(block.TotalFees) {
		t.Errorf("Expected fees counter to grow by %d, got %v", block.TotalFees, got)
	}
	if got := gaugeValue(t, chainHeightGauge); got != 1 {
		t.Errorf("Expected chain height gauge 1, got %v", got)
	}
	if got := gaugeValue(t, pohLengthGauge); got != 2 {
		t.Errorf("Expected poh length gauge 2, got %v", got)
	}
	if got := gaugeValue(t, pendingTransactionsGauge); got != 0 {
		t.Errorf("Expected pending gauge 0, got %v", got)
	}
}
