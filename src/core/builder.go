package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RoundState is the phase of the current block production round
type RoundState int32

const (
	RoundIdle RoundState = iota
	RoundDraining
	RoundSettling
	RoundSealing
	RoundPersisted
)

func (s RoundState) String() string {
	switch s {
	case RoundIdle:
		return "idle"
	case RoundDraining:
		return "draining"
	case RoundSettling:
		return "settling"
	case RoundSealing:
		return "sealing"
	case RoundPersisted:
		return "persisted"
	default:
		return "unknown"
	}
}

// RoundState returns the phase of the round in progress, or RoundIdle
func (node *ShardNode) RoundState() RoundState {
	return RoundState(node.roundState.Load())
}

func (node *ShardNode) setRoundState(state RoundState) {
	node.roundState.Store(int32(state))
}

// ProduceBlock runs one production round. It returns (nil, nil) when no
// pending transaction survives settlement. If the block cannot be persisted
// the staged settlement is discarded and the included transactions return to
// the pool; store errors wrap ErrStorageFailure.
func (node *ShardNode) ProduceBlock(ctx context.Context) (*Block, error) {
	ctx, span := tracer.Start(ctx, "ShardNode.ProduceBlock",
		trace.WithAttributes(attribute.Int("shard.id", node.Config.ShardID)))
	defer span.End()

	start := time.Now()
	node.chainMu.Lock()
	defer node.chainMu.Unlock()
	defer node.setRoundState(RoundIdle)

	// Draining
	node.setRoundState(RoundDraining)
	drained := node.Pool.Drain(node.Config.MaxTxsPerBlock)
	span.SetAttributes(attribute.Int("round.drained", len(drained)))
	if len(drained) == 0 {
		RecordRound("empty", time.Since(start).Seconds())
		return nil, nil
	}

	// Settling: the batch holds the ledger writer lock until Commit or Abort
	node.setRoundState(RoundSettling)
	batch := node.Ledger.Begin()
	included, totalFees := node.settleTransactions(batch, drained)
	span.SetAttributes(attribute.Int("round.included", len(included)))
	if len(included) == 0 {
		batch.Abort()
		logger.Info("Production round settled no transactions", "drained", len(drained))
		RecordRound("empty", time.Since(start).Seconds())
		return nil, nil
	}

	// Sealing
	node.setRoundState(RoundSealing)
	tipHeight, tipHash, err := ChainTip(node.Store)
	if err != nil {
		return nil, node.abortRound(span, batch, included, start, err)
	}

	height := tipHeight + 1
	producer := node.Selector.Select(tipHash, height)
	block := Block{
		ShardID:      node.Config.ShardID,
		Height:       height,
		PrevHash:     tipHash,
		Transactions: included,
		Timestamp:    time.Now().Unix(),
		Producer:     producer,
		TotalFees:    totalFees,
		// Advance runs only under chainMu, so the next index is the current length
		PohIndex: uint64(node.Sequencer.Len()),
	}
	block.Hash = calculateBlockHash(block)

	// Persisted
	if err := batch.CreditReward(producer, node.Config.BlockReward+totalFees); err != nil {
		return nil, node.abortRound(span, batch, included, start, err)
	}

	data, err := EncodeBlock(block)
	if err != nil {
		return nil, node.abortRound(span, batch, included, start, err)
	}
	if err := node.Store.Put(height, data); err != nil {
		return nil, node.abortRound(span, batch, included, start, fmt.Errorf("%w: %v", ErrStorageFailure, err))
	}

	batch.Commit()
	node.Sequencer.Advance(block.Hash)
	node.setRoundState(RoundPersisted)

	for range included {
		RecordTransactionProcessed("settlement", true)
	}
	RecordBlockProduced(strconv.Itoa(node.Config.ShardID), totalFees)
	UpdateChainHeightGauge(height)
	RecordRound("produced", time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int64("block.height", int64(height)),
		attribute.String("block.hash", block.Hash),
		attribute.String("block.producer", producer))

	logger.Info("Produced block",
		"shardId", block.ShardID,
		"height", height,
		"hash", block.Hash,
		"producer", producer,
		"transactions", len(included),
		"fees", totalFees,
		"pohIndex", block.PohIndex)

	node.BroadcastBlock(ctx, block)
	return &block, nil
}

// settleTransactions re-validates each drained transaction against the staged
// ledger and applies the survivors in pool order. It returns the included
// transactions and their total fee.
func (node *ShardNode) settleTransactions(batch *LedgerBatch, drained []Transaction) ([]Transaction, uint64) {
	included := make([]Transaction, 0, len(drained))
	var totalFees uint64

	for _, tx := range drained {
		if !VerifyTransaction(tx) {
			logger.Warn("Dropping transaction with invalid signature at settlement", "txId", tx.ID)
			RecordTransactionProcessed("settlement", false)
			continue
		}
		if batch.IsSettled(tx.Sender, tx.ID) {
			logger.Warn("Dropping replayed transaction at settlement", "sender", shortID(tx.Sender), "txId", tx.ID)
			RecordTransactionProcessed("settlement", false)
			continue
		}

		fee := CalculateFee(tx.Amount, node.Config.FeeRate)
		if err := batch.Transfer(tx.Sender, tx.Receiver, tx.Amount, fee); err != nil {
			logger.Warn("Dropping transaction at settlement",
				"sender", shortID(tx.Sender),
				"txId", tx.ID,
				"error", err)
			RecordTransactionProcessed("settlement", false)
			continue
		}

		batch.MarkSettled(tx.Sender, tx.ID)
		included = append(included, tx)
		totalFees += fee
	}
	return included, totalFees
}

// abortRound discards the staged settlement and returns the included
// transactions to the pool so a later round can retry them.
func (node *ShardNode) abortRound(span trace.Span, batch *LedgerBatch, included []Transaction, start time.Time, err error) error {
	batch.Abort()
	node.Pool.Requeue(included)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	RecordRound("failed", time.Since(start).Seconds())

	logger.Error("Production round aborted, settlement discarded",
		"requeued", len(included),
		"error", err)
	return err
}
