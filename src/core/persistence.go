package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ledgerSnapshotFilename = "ledger_snapshot.json"

// SaveLedgerSnapshot writes the ledger to dataDir together with the current
// store height. It takes chainMu so the snapshot never splits a round.
func (node *ShardNode) SaveLedgerSnapshot(dataDir string) error {
	node.chainMu.Lock()
	defer node.chainMu.Unlock()

	height, err := node.Store.Height()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}

	snap := node.Ledger.Snapshot()
	snap.Height = height

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger snapshot: %w", err)
	}

	filePath := filepath.Join(dataDir, ledgerSnapshotFilename)
	if err := writeFileAtomic(filePath, data); err != nil {
		return fmt.Errorf("failed to write ledger snapshot: %w", err)
	}

	logger.Info("Saved ledger snapshot", "height", height, "accounts", len(snap.Balances), "file", filePath)
	return nil
}

// LoadLedgerSnapshot restores the ledger saved by SaveLedgerSnapshot. A
// snapshot taken at a different height than the store's is ignored and the
// ledger keeps its genesis balances. It reports whether a snapshot was applied.
func (node *ShardNode) LoadLedgerSnapshot(dataDir string) (bool, error) {
	filePath := filepath.Join(dataDir, ledgerSnapshotFilename)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}

	var snap LedgerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return false, fmt.Errorf("failed to unmarshal ledger snapshot: %w", err)
	}

	node.chainMu.Lock()
	defer node.chainMu.Unlock()

	height, err := node.Store.Height()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if snap.Height != height {
		logger.Warn("Ignoring stale ledger snapshot",
			"snapshotHeight", snap.Height,
			"storeHeight", height,
			"file", filePath)
		return false, nil
	}

	node.Ledger.Restore(snap)
	logger.Info("Loaded ledger snapshot", "height", height, "accounts", len(snap.Balances), "file", filePath)
	return true, nil
}
