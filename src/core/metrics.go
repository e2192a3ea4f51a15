package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Block metrics
	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_blocks_total",
		Help: "Total number of blocks produced or received",
	}, []string{"shard", "status"})

	// Transaction metrics
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_transactions_total",
		Help: "Total number of transactions processed",
	}, []string{"phase", "status"})

	feesCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shardline_fees_collected_total",
		Help: "Total fees credited to block producers",
	})

	roundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardline_round_duration_seconds",
		Help:    "Duration of block production rounds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"outcome"})

	peerSendFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_peer_send_failures_total",
		Help: "Total number of failed block sends per peer",
	}, []string{"peer"})

	// Gauge metrics
	pendingTransactionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardline_pending_transactions",
		Help: "Current number of pending transactions",
	})

	pohLengthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardline_poh_length",
		Help: "Current length of the chain-of-custody sequence",
	})

	chainHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shardline_chain_height",
		Help: "Height of the latest stored block",
	})

	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shardline_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shardline_http_request_duration_seconds",
		Help:    "Duration of HTTP requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordBlockProduced records a locally produced block and the fees it paid out
func RecordBlockProduced(shard string, fees uint64) {
	blocksTotal.WithLabelValues(shard, "produced").Inc()
	feesCollectedTotal.Add(float64(fees))
}

// RecordBlockReceived records an inbound block with its acceptance verdict
func RecordBlockReceived(shard string, acceptance BlockAcceptance) {
	blocksTotal.WithLabelValues(shard, "received_"+acceptance.String()).Inc()
}

// RecordTransactionProcessed records a transaction outcome in the given phase
func RecordTransactionProcessed(phase string, accepted bool) {
	status := "accepted"
	if !accepted {
		status = "rejected"
	}
	transactionsTotal.WithLabelValues(phase, status).Inc()
}

// RecordRound records the duration of a production round by outcome
func RecordRound(outcome string, seconds float64) {
	roundDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordPeerSendFailure records a failed block send to peer
func RecordPeerSendFailure(peer string) {
	peerSendFailuresTotal.WithLabelValues(peer).Inc()
}

// UpdatePendingTransactionsGauge updates the pending transactions gauge
func UpdatePendingTransactionsGauge(count int) {
	pendingTransactionsGauge.Set(float64(count))
}

// UpdatePohLengthGauge updates the chain-of-custody length gauge
func UpdatePohLengthGauge(length int) {
	pohLengthGauge.Set(float64(length))
}

// UpdateChainHeightGauge updates the chain height gauge
func UpdateChainHeightGauge(height uint64) {
	chainHeightGauge.Set(float64(height))
}
