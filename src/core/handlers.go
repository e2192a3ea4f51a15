package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIVersion is reported in the X-API-Version header of every API response
const APIVersion = "1.0"

// Pagination defaults
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// NewRouter builds the API router with its middleware chain
func (node *ShardNode) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.Use(RequestIDMiddleware)
	router.Use(MetricsMiddleware)
	router.Use(node.rateLimitMiddleware(node.newRateLimiter()))
	router.Use(node.bodyLimitMiddleware)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")
	api.HandleFunc("/info", node.InfoHandler).Methods("GET")

	// Transaction endpoints
	api.HandleFunc("/transactions", node.GetTransactionsHandler).Methods("GET")
	api.HandleFunc("/transactions", node.CreateTransactionHandler).Methods("POST").Name(routeSubmitTransaction)

	// Block endpoints
	api.HandleFunc("/blocks", node.GetBlocksHandler).Methods("GET")
	api.HandleFunc("/blocks", node.ReceiveBlockHandler).Methods("POST").Name(routeReceiveBlock)
	api.HandleFunc("/blocks/{height}", node.GetBlockHandler).Methods("GET")

	// Ledger and validator endpoints
	api.HandleFunc("/accounts/{id}", node.GetAccountHandler).Methods("GET")
	api.HandleFunc("/validators", node.GetValidatorsHandler).Methods("GET")
	api.HandleFunc("/validators/leader", node.GetLeaderHandler).Methods("GET")
	api.HandleFunc("/poh", node.GetPohHandler).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return router
}

// StartServer serves the API until ctx is done, then shuts down gracefully
func (node *ShardNode) StartServer(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + node.Config.Port,
		Handler:           otelhttp.NewHandler(node.NewRouter(), "shardline"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting shardline node server",
			"port", node.Config.Port,
			"nodeId", node.NodeID,
			"shardId", node.Config.ShardID)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down server", "timeout", node.Config.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), node.Config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// WriteSuccess writes a {"success": true, "data": ...} response
func WriteSuccess(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// WriteError writes a {"success": false, "error": {...}} response
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

// PaginationParams holds limit/offset query parameters
type PaginationParams struct {
	Limit  int
	Offset int
}

// ParsePaginationParams reads limit and offset, falling back to defaults for
// missing, invalid or non-positive values and capping limit at maxLimit.
func ParsePaginationParams(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	params := PaginationParams{Limit: defaultLimit}

	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		params.Limit = limit
	}
	if params.Limit > maxLimit {
		params.Limit = maxLimit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && offset > 0 {
		params.Offset = offset
	}
	return params
}

func paginated(data interface{}, params PaginationParams, total int) map[string]interface{} {
	return map[string]interface{}{
		"data": data,
		"pagination": map[string]interface{}{
			"limit":  params.Limit,
			"offset": params.Offset,
			"total":  total,
		},
	}
}

// HealthCheckHandler handles health check requests
func (node *ShardNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": node.NodeID,
		"uptime":  int64(time.Since(node.StartTime).Seconds()),
		"version": APIVersion,
	})
}

// InfoHandler reports shard identity and chain progress
func (node *ShardNode) InfoHandler(w http.ResponseWriter, r *http.Request) {
	height, tipHash, err := ChainTip(node.Store)
	if err != nil {
		logger.Error("Failed to read chain tip", "error", err, "requestId", GetRequestID(r.Context()))
		WriteError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "Failed to read chain tip")
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"node_id":              node.NodeID,
		"validator_id":         node.ValidatorID,
		"public_key":           PublicKeyHex(node.PublicKey),
		"shard_id":             node.Config.ShardID,
		"shard_count":          node.Config.ShardCount,
		"height":               height,
		"tip_hash":             tipHash,
		"poh_length":           node.Sequencer.Len(),
		"pending_transactions": node.Pool.Len(),
		"round_state":          node.RoundState().String(),
		"leader_selection":     node.Config.LeaderSelection,
		"fee_rate":             node.Config.FeeRate,
		"block_reward":         node.Config.BlockReward,
	})
}

// GetTransactionsHandler returns pending transactions
func (node *ShardNode) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, DefaultPageLimit, MaxPageLimit)
	pending := node.Pool.Snapshot()

	start := params.Offset
	if start > len(pending) {
		start = len(pending)
	}
	end := start + params.Limit
	if end > len(pending) {
		end = len(pending)
	}

	WriteSuccess(w, http.StatusOK, paginated(pending[start:end], params, len(pending)))
}

// CreateTransactionHandler admits a signed transaction to the pending pool
func (node *ShardNode) CreateTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var tx Transaction
	if err := DecodeJSONBody(w, r, &tx); err != nil {
		return
	}

	if err := node.AddTransaction(tx); err != nil {
		status, code := http.StatusBadRequest, "INVALID_TRANSACTION"
		switch {
		case errors.Is(err, ErrInvalidSignature):
			code = "INVALID_SIGNATURE"
		case errors.Is(err, ErrInsufficientFunds):
			code = "INSUFFICIENT_FUNDS"
		case errors.Is(err, ErrDuplicateTransaction):
			status, code = http.StatusConflict, "DUPLICATE_TRANSACTION"
		case errors.Is(err, ErrWrongShard):
			status, code = http.StatusMisdirectedRequest, "WRONG_SHARD"
		}
		WriteError(w, status, code, err.Error())
		return
	}

	WriteSuccess(w, http.StatusAccepted, map[string]interface{}{
		"sender":  tx.Sender,
		"id":      tx.ID,
		"message": "Transaction added to pending pool",
	})
}

// ReceiveBlockHandler is the inbound side of the propagation gate. The sender
// gets 202 whatever the verdict; only failed node authentication is reported.
func (node *ShardNode) ReceiveBlockHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			WriteError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
			return
		}
		WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Failed to read request body")
		return
	}

	if !verifyPeerRequest(r, body, node.Config.NodeAuthSecret, node.Config.RequireNodeAuth) {
		logger.Warn("Rejected block with invalid node authentication",
			"clientIp", clientAddress(r, node.Config.TrustProxyHeaders),
			"requestId", GetRequestID(r.Context()))
		WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid node authentication")
		return
	}

	block, err := DecodeBlock(body)
	if err != nil {
		logger.Warn("Discarding undecodable block", "error", err, "requestId", GetRequestID(r.Context()))
	} else {
		node.ReceiveBlock(r.Context(), block)
	}

	WriteSuccess(w, http.StatusAccepted, map[string]interface{}{"received": true})
}

// GetBlocksHandler returns stored blocks in height order
func (node *ShardNode) GetBlocksHandler(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, DefaultPageLimit, MaxPageLimit)

	height, err := node.Store.Height()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "Failed to read store height")
		return
	}

	blocks := []Block{}
	for h := uint64(params.Offset) + 1; h <= height && len(blocks) < params.Limit; h++ {
		block, found, err := LoadBlock(node.Store, h)
		if err != nil {
			logger.Error("Failed to load block", "height", h, "error", err)
			WriteError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "Failed to load block")
			return
		}
		if found {
			blocks = append(blocks, block)
		}
	}

	WriteSuccess(w, http.StatusOK, paginated(blocks, params, int(height)))
}

// GetBlockHandler returns the block at a height
func (node *ShardNode) GetBlockHandler(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil || height == 0 {
		WriteError(w, http.StatusBadRequest, "INVALID_HEIGHT", "Height must be a positive integer")
		return
	}

	block, found, err := LoadBlock(node.Store, height)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "Failed to load block")
		return
	}
	if !found {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "Block not found")
		return
	}

	WriteSuccess(w, http.StatusOK, block)
}

// GetAccountHandler returns the balances of an account
func (node *ShardNode) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !ValidateStringField(id, MaxIdentityLength) {
		WriteError(w, http.StatusBadRequest, "INVALID_ACCOUNT", "Malformed account identity")
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"id":             id,
		"balance":        node.Ledger.Balance(id),
		"reward_balance": node.Ledger.RewardBalance(id),
		"shard_id":       AccountShard(id, node.Config.ShardCount),
		"local":          node.OwnsAccount(id),
	})
}

// GetValidatorsHandler returns the validator roster
func (node *ShardNode) GetValidatorsHandler(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"validators":  node.Validators.Validators(),
		"total_stake": node.Validators.TotalStake(),
	})
}

// GetLeaderHandler returns the expected producer of the next block
func (node *ShardNode) GetLeaderHandler(w http.ResponseWriter, r *http.Request) {
	producer, height, err := node.ExpectedProducer()
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "STORAGE_FAILURE", "Failed to read chain tip")
		return
	}

	WriteSuccess(w, http.StatusOK, map[string]interface{}{
		"height":           height,
		"producer":         producer,
		"leader_selection": node.Config.LeaderSelection,
		"is_local":         producer == node.ValidatorID,
	})
}

// GetPohHandler returns the chain-of-custody sequence
func (node *ShardNode) GetPohHandler(w http.ResponseWriter, r *http.Request) {
	params := ParsePaginationParams(r, DefaultPageLimit, MaxPageLimit)
	entries := node.Sequencer.Entries()

	start := params.Offset
	if start > len(entries) {
		start = len(entries)
	}
	end := start + params.Limit
	if end > len(entries) {
		end = len(entries)
	}

	WriteSuccess(w, http.StatusOK, paginated(entries[start:end], params, len(entries)))
}
