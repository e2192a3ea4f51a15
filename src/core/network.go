package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrPeerSend is returned when a block could not be delivered to a peer
var ErrPeerSend = errors.New("peer send failed")

// SendBlockToPeers sends block to every configured peer concurrently and waits
// for all sends. A failing peer does not affect delivery to the others. The
// result maps each failed peer address to its error.
func (node *ShardNode) SendBlockToPeers(ctx context.Context, block Block) map[string]error {
	data, err := EncodeBlock(block)
	if err != nil {
		logger.Error("Failed to marshal block", "height", block.Height, "error", err)
		failures := make(map[string]error, len(node.Config.Peers))
		for _, peer := range node.Config.Peers {
			failures[peer] = fmt.Errorf("%w: %v", ErrPeerSend, err)
		}
		return failures
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures = make(map[string]error)
	)
	for _, peer := range node.Config.Peers {
		wg.Add(1)
		go func(address string) {
			defer wg.Done()
			if err := node.sendBlockToPeer(ctx, address, data); err != nil {
				logger.Warn("Failed to send block to peer",
					"peer", address,
					"height", block.Height,
					"error", err)
				RecordPeerSendFailure(address)
				mu.Lock()
				failures[address] = err
				mu.Unlock()
				return
			}
			logger.Debug("Sent block to peer", "peer", address, "height", block.Height)
		}(peer)
	}
	wg.Wait()
	return failures
}

// BroadcastBlock hands block to every peer without waiting for delivery
func (node *ShardNode) BroadcastBlock(ctx context.Context, block Block) {
	if len(node.Config.Peers) == 0 {
		return
	}
	// Sends must outlive the round that produced the block
	sendCtx := context.WithoutCancel(ctx)
	go node.SendBlockToPeers(sendCtx, block)
}

func (node *ShardNode) sendBlockToPeer(ctx context.Context, address string, data []byte) error {
	url := fmt.Sprintf("http://%s/api/blocks", address)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerSend, err)
	}
	req.Header.Set("Content-Type", "application/json")
	signPeerRequest(req, data, node.Config.NodeAuthSecret)

	resp, err := node.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPeerSend, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrPeerSend, resp.StatusCode)
	}
	return nil
}

// ReceiveBlock runs an inbound block through the acceptance gate and persists
// it when accepted. The verdict is for local bookkeeping only; the sender is
// never told the outcome.
func (node *ShardNode) ReceiveBlock(ctx context.Context, block Block) BlockAcceptance {
	_, span := tracer.Start(ctx, "ShardNode.ReceiveBlock", trace.WithAttributes(
		attribute.Int("block.shard", block.ShardID),
		attribute.Int64("block.height", int64(block.Height)),
		attribute.String("block.producer", block.Producer)))
	defer span.End()

	acceptance := node.receiveBlock(block)
	span.SetAttributes(attribute.String("block.acceptance", acceptance.String()))
	RecordBlockReceived(strconv.Itoa(node.Config.ShardID), acceptance)
	return acceptance
}

func (node *ShardNode) receiveBlock(block Block) BlockAcceptance {
	if block.ShardID != node.Config.ShardID {
		logger.Debug("Discarding block for another shard",
			"blockShard", block.ShardID,
			"shardId", node.Config.ShardID)
		return BlockWrongShard
	}

	if !node.Validators.Contains(block.Producer) {
		logger.Warn("Discarding block from producer outside validator set",
			"producer", block.Producer,
			"height", block.Height)
		return BlockUnknownProducer
	}

	node.chainMu.Lock()
	defer node.chainMu.Unlock()

	acceptance, err := node.ValidateInboundBlock(block)
	if err != nil {
		logger.Error("Failed to validate inbound block", "height", block.Height, "error", err)
		return BlockStoreFailed
	}
	if !acceptance.Persisted() {
		return acceptance
	}

	data, err := EncodeBlock(block)
	if err != nil {
		logger.Error("Failed to encode inbound block", "height", block.Height, "error", err)
		return BlockStoreFailed
	}
	if err := node.Store.Put(block.Height, data); err != nil {
		logger.Error("Failed to persist inbound block",
			"height", block.Height,
			"error", fmt.Errorf("%w: %v", ErrStorageFailure, err))
		return BlockStoreFailed
	}

	switch acceptance {
	case BlockAccepted:
		node.Sequencer.Advance(block.Hash)
		UpdateChainHeightGauge(block.Height)
	case BlockReplacedTip:
		// the length stays height+1; only the entry for the tip changes
		if err := node.Sequencer.Replace(block.Height, block.Hash); err != nil {
			logger.Error("Failed to rewrite sequence entry for replaced tip", "height", block.Height, "error", err)
		}
	}

	logger.Info("Accepted inbound block",
		"height", block.Height,
		"hash", block.Hash,
		"producer", block.Producer,
		"acceptance", acceptance.String())
	return acceptance
}
