package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Package-level logger
var logger *slog.Logger

// tracer for production rounds and inbound acceptance
var tracer = otel.Tracer("github.com/shardline/shardline")

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// ShardNode runs one shard: admission, block production and the inbound gate
type ShardNode struct {
	NodeID      string
	ValidatorID string
	PrivateKey  *ecdsa.PrivateKey
	PublicKey   *ecdsa.PublicKey
	Config      *Config
	StartTime   time.Time

	Ledger     *LedgerState
	Pool       *TxPool
	Validators *ValidatorSet
	Selector   LeaderSelector
	Sequencer  *PohSequencer
	Store      BlockStore

	// HTTP client for peer communication
	httpClient *http.Client

	// chainMu serializes everything that appends to the store: production
	// rounds and inbound acceptance.
	chainMu    sync.Mutex
	roundState atomic.Int32
}

func main() {
	cfg := LoadConfig()

	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	store, err := openBlockStore(cfg)
	if err != nil {
		logger.Error("Failed to open block store", "error", err)
		os.Exit(1)
	}

	node, err := NewShardNode(cfg, store)
	if err != nil {
		logger.Error("Failed to initialize shard node", "error", err)
		os.Exit(1)
	}

	persistLedger := cfg.StoreType == StoreTypeFile
	if persistLedger {
		if _, err := node.LoadLedgerSnapshot(cfg.DataDir); err != nil {
			logger.Warn("Failed to load ledger snapshot", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go node.RunBlockProduction(ctx)

	serverErr := node.StartServer(ctx)

	if persistLedger {
		if err := node.SaveLedgerSnapshot(cfg.DataDir); err != nil {
			logger.Error("Failed to save ledger snapshot", "error", err)
		}
	}

	if serverErr != nil {
		logger.Error("Server failed", "error", serverErr)
		os.Exit(1)
	}
	logger.Info("Shard node stopped")
}

func openBlockStore(cfg *Config) (BlockStore, error) {
	switch cfg.StoreType {
	case StoreTypeMemory:
		return NewMemoryBlockStore(), nil
	case StoreTypeFile, "":
		return NewFileBlockStore(cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.StoreType)
	}
}

// NewShardNode initializes a shard node on top of store. When no validators are
// configured the node runs as the sole validator of its shard.
func NewShardNode(cfg *Config, store BlockStore) (*ShardNode, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if store == nil {
		store = NewMemoryBlockStore()
	}

	privateKey, err := LoadOrCreateKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	nodeID := NodeIDFromPublicKey(&privateKey.PublicKey)

	validatorID := cfg.ValidatorID
	if validatorID == "" {
		validatorID = nodeID
	}

	roster := cfg.Validators
	if len(roster) == 0 {
		stake := cfg.MinStake
		if stake == 0 {
			stake = 1
		}
		roster = []Validator{{ID: validatorID, Stake: stake, Address: "localhost:" + cfg.Port}}
	}

	validators, err := NewValidatorSet(roster, cfg.MinStake)
	if err != nil {
		return nil, fmt.Errorf("failed to build validator set: %w", err)
	}

	selector, err := NewLeaderSelector(cfg.LeaderSelection, validators)
	if err != nil {
		return nil, err
	}

	ledger := NewLedgerState()
	for account, balance := range cfg.GenesisBalances {
		if err := ledger.Credit(account, balance); err != nil {
			return nil, fmt.Errorf("failed to credit genesis balance: %w", err)
		}
	}

	node := &ShardNode{
		NodeID:      nodeID,
		ValidatorID: validatorID,
		PrivateKey:  privateKey,
		PublicKey:   &privateKey.PublicKey,
		Config:      cfg,
		StartTime:   time.Now(),
		Ledger:      ledger,
		Pool:        NewTxPool(),
		Validators:  validators,
		Selector:    selector,
		Sequencer:   NewPohSequencer(),
		Store:       store,
		httpClient: &http.Client{
			Timeout:   cfg.HTTPClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	if err := node.replaySequencer(); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("Initialized shard node",
			"nodeId", nodeID,
			"validatorId", validatorID,
			"shardId", cfg.ShardID,
			"validators", validators.Size(),
			"leaderSelection", cfg.LeaderSelection,
			"pohLength", node.Sequencer.Len())
	}
	return node, nil
}

// replaySequencer rebuilds the chain-of-custody sequence from stored blocks so
// its length matches the stored height after a restart.
func (node *ShardNode) replaySequencer() error {
	height, err := node.Store.Height()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	for h := uint64(1); h <= height; h++ {
		block, found, err := LoadBlock(node.Store, h)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: block at height %d missing", ErrStorageFailure, h)
		}
		node.Sequencer.Advance(block.Hash)
	}
	return nil
}

// AddTransaction admits a transaction to the pending pool. Admission is an
// optimistic check: funds are not reserved and are checked again at settlement.
func (node *ShardNode) AddTransaction(tx Transaction) error {
	if err := node.ValidateTransaction(tx); err != nil {
		RecordTransactionProcessed("admission", false)
		return err
	}

	// a concurrent admission of the same (sender, id) may have won the race
	if !node.Pool.AddUnique(tx) {
		RecordTransactionProcessed("admission", false)
		logger.Warn("Duplicate transaction id for sender", "sender", shortID(tx.Sender), "txId", tx.ID)
		return ErrDuplicateTransaction
	}
	RecordTransactionProcessed("admission", true)

	logger.Info("Added transaction to pending pool",
		"sender", shortID(tx.Sender),
		"receiver", shortID(tx.Receiver),
		"amount", tx.Amount,
		"txId", tx.ID)
	return nil
}

// ExpectedProducer returns the producer the leader selector picks for the next height
func (node *ShardNode) ExpectedProducer() (string, uint64, error) {
	tipHeight, tipHash, err := ChainTip(node.Store)
	if err != nil {
		return "", 0, err
	}
	return node.Selector.Select(tipHash, tipHeight+1), tipHeight + 1, nil
}

// IsExpectedLeader reports whether this node should produce the next block.
// With random selection every node produces, as each draws independently.
func (node *ShardNode) IsExpectedLeader() (bool, error) {
	if node.Config.LeaderSelection == LeaderSelectionRandom {
		return true, nil
	}
	producer, _, err := node.ExpectedProducer()
	if err != nil {
		return false, err
	}
	return producer == node.ValidatorID, nil
}

// RunBlockProduction runs a production round every block interval until ctx is done
func (node *ShardNode) RunBlockProduction(ctx context.Context) {
	ticker := time.NewTicker(node.Config.BlockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		leader, err := node.IsExpectedLeader()
		if err != nil {
			logger.Error("Failed to determine round leader", "error", err)
			continue
		}
		if !leader {
			logger.Debug("Not the expected producer for this round", "validatorId", node.ValidatorID)
			continue
		}

		block, err := node.ProduceBlock(ctx)
		if err != nil {
			if errors.Is(err, ErrStorageFailure) {
				logger.Error("Production round failed", "error", err)
			} else {
				logger.Warn("Production round aborted", "error", err)
			}
			continue
		}
		if block == nil {
			logger.Debug("Production round produced no block")
		}
	}
}

// shortID trims long hex identities for logs
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
