package main

import (
	"errors"
	"fmt"
	"math"
)

// Admission errors
var (
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrWrongShard           = errors.New("sender belongs to another shard")
)

// ValidateTransaction performs the admission checks for tx against the
// current ledger and pool. It does not reserve funds.
func (node *ShardNode) ValidateTransaction(tx Transaction) error {
	if tx.Sender == "" || tx.Receiver == "" {
		logger.Warn("Transaction missing sender or receiver", "txId", tx.ID)
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidTransaction)
	}

	if !ValidateStringField(tx.Receiver, MaxIdentityLength) {
		logger.Warn("Invalid receiver identity", "txId", tx.ID)
		return fmt.Errorf("%w: malformed receiver", ErrInvalidTransaction)
	}

	if len(tx.Signature) > MaxSignatureLength {
		logger.Warn("Transaction signature too long", "txId", tx.ID)
		return fmt.Errorf("%w: signature too long", ErrInvalidSignature)
	}

	if !VerifyTransaction(tx) {
		logger.Warn("Invalid transaction signature", "sender", shortID(tx.Sender), "txId", tx.ID)
		return ErrInvalidSignature
	}

	if !node.OwnsAccount(tx.Sender) {
		logger.Warn("Transaction sender owned by another shard",
			"sender", shortID(tx.Sender),
			"senderShard", AccountShard(tx.Sender, node.Config.ShardCount),
			"shardId", node.Config.ShardID,
			"txId", tx.ID)
		return ErrWrongShard
	}

	if node.Pool.Contains(tx.Sender, tx.ID) || node.Ledger.IsSettled(tx.Sender, tx.ID) {
		logger.Warn("Duplicate transaction id for sender", "sender", shortID(tx.Sender), "txId", tx.ID)
		return ErrDuplicateTransaction
	}

	fee := CalculateFee(tx.Amount, node.Config.FeeRate)
	if tx.Amount > math.MaxUint64-fee {
		logger.Warn("Transaction amount overflows with fee", "amount", tx.Amount, "fee", fee, "txId", tx.ID)
		return fmt.Errorf("%w: amount plus fee overflows", ErrInsufficientFunds)
	}
	if !node.Ledger.HasFunds(tx.Sender, tx.Amount+fee) {
		logger.Warn("Insufficient funds for transaction",
			"sender", shortID(tx.Sender),
			"amount", tx.Amount,
			"fee", fee,
			"txId", tx.ID)
		return ErrInsufficientFunds
	}

	return nil
}

// ValidateInboundBlock checks a received block from the validator set against
// the local tip. The caller must hold chainMu. The verdict is BlockAccepted
// when the block extends the tip, BlockReplacedTip when it wins a same-height
// tie-break against the tip, and BlockRejected otherwise.
func (node *ShardNode) ValidateInboundBlock(block Block) (BlockAcceptance, error) {
	if calculateBlockHash(block) != block.Hash {
		logger.Warn("Inbound block hash mismatch", "height", block.Height, "hash", block.Hash)
		return BlockRejected, nil
	}

	if len(block.Transactions) == 0 {
		logger.Warn("Inbound block has no transactions", "height", block.Height, "hash", block.Hash)
		return BlockRejected, nil
	}

	var fees uint64
	for _, tx := range block.Transactions {
		if !VerifyTransaction(tx) {
			logger.Warn("Inbound block contains invalid transaction", "height", block.Height, "txId", tx.ID)
			return BlockRejected, nil
		}
		fees += CalculateFee(tx.Amount, node.Config.FeeRate)
	}
	if fees != block.TotalFees {
		logger.Warn("Inbound block fee total mismatch",
			"height", block.Height,
			"claimed", block.TotalFees,
			"computed", fees)
		return BlockRejected, nil
	}

	if node.Config.LeaderSelection == LeaderSelectionDeterministic {
		expected := node.Selector.Select(block.PrevHash, block.Height)
		if expected != block.Producer {
			logger.Warn("Inbound block from unexpected producer",
				"height", block.Height,
				"producer", block.Producer,
				"expected", expected)
			return BlockRejected, nil
		}
	}

	tipHeight, tipHash, err := ChainTip(node.Store)
	if err != nil {
		return BlockStoreFailed, err
	}

	if block.Height == tipHeight+1 {
		if block.PrevHash != tipHash {
			logger.Warn("Inbound block does not extend local tip",
				"height", block.Height,
				"prevHash", block.PrevHash,
				"tipHash", tipHash)
			return BlockRejected, nil
		}
		return BlockAccepted, nil
	}

	if block.Height == tipHeight && tipHeight > 0 {
		tip, found, err := LoadBlock(node.Store, tipHeight)
		if err != nil {
			return BlockStoreFailed, err
		}
		if !found {
			return BlockStoreFailed, fmt.Errorf("%w: tip block %d missing", ErrStorageFailure, tipHeight)
		}
		if block.Hash == tip.Hash {
			logger.Debug("Inbound block already stored", "height", block.Height, "hash", block.Hash)
			return BlockRejected, nil
		}
		if block.PrevHash == tip.PrevHash && block.Hash < tip.Hash {
			if node.settledLocally(tip) {
				logger.Warn("Keeping locally settled tip against lower-hash rival",
					"height", block.Height,
					"hash", block.Hash,
					"tipHash", tip.Hash)
				return BlockRejected, nil
			}
			logger.Info("Inbound block wins same-height tie-break",
				"height", block.Height,
				"hash", block.Hash,
				"replacedHash", tip.Hash)
			return BlockReplacedTip, nil
		}
		logger.Debug("Inbound block loses same-height tie-break", "height", block.Height, "hash", block.Hash)
		return BlockRejected, nil
	}

	logger.Warn("Inbound block height not contiguous with local tip",
		"height", block.Height,
		"tipHeight", tipHeight)
	return BlockRejected, nil
}

// settledLocally reports whether block was produced and settled by this node.
// Inbound blocks never touch the ledger, so any settled transaction marks it.
func (node *ShardNode) settledLocally(block Block) bool {
	for _, tx := range block.Transactions {
		if node.Ledger.IsSettled(tx.Sender, tx.ID) {
			return true
		}
	}
	return false
}
