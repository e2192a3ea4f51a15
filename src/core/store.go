package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Package-level errors for block storage
var (
	ErrStorageFailure   = errors.New("storage failure")
	ErrNonSequentialPut = errors.New("non-sequential block height")
)

// BlockStore is durable append-only storage of serialized blocks keyed by height.
// Heights start at 1; Height returns 0 for an empty store.
type BlockStore interface {
	// Put stores data at height. height must be at most Height()+1.
	Put(height uint64, data []byte) error
	// Get returns the data stored at height
	Get(height uint64) (data []byte, found bool, err error)
	// Height returns the highest stored height
	Height() (uint64, error)
}

// EncodeBlock serializes a block into its wire form
func EncodeBlock(block Block) ([]byte, error) {
	return json.Marshal(block)
}

// DecodeBlock parses a block from its wire form
func DecodeBlock(data []byte) (Block, error) {
	var block Block
	if err := json.Unmarshal(data, &block); err != nil {
		return Block{}, fmt.Errorf("failed to decode block: %w", err)
	}
	return block, nil
}

// LoadBlock reads and decodes the block at height
func LoadBlock(store BlockStore, height uint64) (Block, bool, error) {
	data, found, err := store.Get(height)
	if err != nil {
		return Block{}, false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if !found {
		return Block{}, false, nil
	}
	block, err := DecodeBlock(data)
	if err != nil {
		return Block{}, false, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	return block, true, nil
}

// ChainTip returns the height and hash of the latest stored block, or
// (0, GenesisHash) for an empty store.
func ChainTip(store BlockStore) (uint64, string, error) {
	height, err := store.Height()
	if err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if height == 0 {
		return 0, GenesisHash, nil
	}
	block, found, err := LoadBlock(store, height)
	if err != nil {
		return 0, "", err
	}
	if !found {
		return 0, "", fmt.Errorf("%w: block at height %d missing", ErrStorageFailure, height)
	}
	return height, block.Hash, nil
}

// MemoryBlockStore keeps blocks in memory
type MemoryBlockStore struct {
	mu     sync.RWMutex
	blocks map[uint64][]byte
	height uint64
}

// NewMemoryBlockStore creates an empty in-memory store
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{blocks: make(map[uint64][]byte)}
}

// Put stores a copy of data at height
func (s *MemoryBlockStore) Put(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height == 0 || height > s.height+1 {
		return fmt.Errorf("%w: put %d, current %d", ErrNonSequentialPut, height, s.height)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.blocks[height] = stored
	if height > s.height {
		s.height = height
	}
	return nil
}

// Get returns the data stored at height
func (s *MemoryBlockStore) Get(height uint64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, exists := s.blocks[height]
	if !exists {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Height returns the highest stored height
func (s *MemoryBlockStore) Height() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height, nil
}

const (
	blocksDirname  = "blocks"
	heightFilename = "HEIGHT"
)

// FileBlockStore stores one JSON file per height under dataDir/blocks and keeps
// an explicit height counter in dataDir/HEIGHT.
type FileBlockStore struct {
	mu      sync.Mutex
	dataDir string
	height  uint64
}

// NewFileBlockStore opens or creates a file store rooted at dataDir
func NewFileBlockStore(dataDir string) (*FileBlockStore, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, blocksDirname), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store := &FileBlockStore{dataDir: dataDir}

	data, err := os.ReadFile(filepath.Join(dataDir, heightFilename))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read height file: %w", err)
	}
	if err == nil {
		height, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse height file: %w", err)
		}
		store.height = height
	}

	if logger != nil {
		logger.Info("Opened block store", "dataDir", dataDir, "height", store.height)
	}
	return store, nil
}

func (s *FileBlockStore) blockPath(height uint64) string {
	return filepath.Join(s.dataDir, blocksDirname, strconv.FormatUint(height, 10)+".json")
}

// writeFileAtomic writes data to a temporary file in the same directory,
// syncs it and renames it into place. The directory is synced afterwards so
// the rename itself survives a crash.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Put writes the block file first and bumps the height counter after it
func (s *FileBlockStore) Put(height uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height == 0 || height > s.height+1 {
		return fmt.Errorf("%w: put %d, current %d", ErrNonSequentialPut, height, s.height)
	}

	if err := writeFileAtomic(s.blockPath(height), data); err != nil {
		return fmt.Errorf("failed to write block file: %w", err)
	}

	if height > s.height {
		counter := []byte(strconv.FormatUint(height, 10))
		if err := writeFileAtomic(filepath.Join(s.dataDir, heightFilename), counter); err != nil {
			return fmt.Errorf("failed to write height file: %w", err)
		}
		s.height = height
	}
	return nil
}

// Get reads the block file at height
func (s *FileBlockStore) Get(height uint64) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if height == 0 || height > s.height {
		return nil, false, nil
	}
	data, err := os.ReadFile(s.blockPath(height))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read block file: %w", err)
	}
	return data, true, nil
}

// Height returns the persisted height counter
func (s *FileBlockStore) Height() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}
