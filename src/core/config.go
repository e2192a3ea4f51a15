package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration. All values are fixed at shard start.
type Config struct {
	Port                   string            `json:"port"`
	Peers                  []string          `json:"peers"`
	LogLevel               string            `json:"logLevel"`
	BlockInterval          time.Duration     `json:"blockInterval"`
	RateLimitPerMinute     int               `json:"rateLimitPerMinute"`
	PeerRateLimitPerMinute int               `json:"peerRateLimitPerMinute"`
	TrustProxyHeaders      bool              `json:"trustProxyHeaders"`
	MaxBodySizeBytes       int64             `json:"maxBodySizeBytes"`
	DataDir                string            `json:"dataDir"`
	StoreType              string            `json:"storeType"`
	ShutdownTimeout        time.Duration     `json:"shutdownTimeout"`
	HTTPClientTimeout      time.Duration     `json:"httpClientTimeout"`
	NodeAuthSecret         string            `json:"-"`
	RequireNodeAuth        bool              `json:"requireNodeAuth"`
	KeyFile                string            `json:"keyFile"`
	ValidatorID            string            `json:"validatorId"`
	ShardID                int               `json:"shardId"`
	ShardCount             int               `json:"shardCount"`
	MaxTxsPerBlock         int               `json:"maxTxsPerBlock"`
	MinStake               uint64            `json:"minStake"`
	FeeRate                float64           `json:"feeRate"`
	BlockReward            uint64            `json:"blockReward"`
	LeaderSelection        string            `json:"leaderSelection"`
	Validators             []Validator       `json:"validators"`
	GenesisBalances        map[string]uint64 `json:"genesisBalances"`
}

// Default values
const (
	DefaultPort                   = "8080"
	DefaultLogLevel               = "info"
	DefaultBlockInterval          = 5 * time.Second
	DefaultRateLimitPerMinute     = 100
	DefaultPeerRateLimitPerMinute = 600
	DefaultMaxBodySizeBytes       = 1 << 20 // 1MB
	DefaultDataDir                = "./data"
	DefaultStoreType              = "file"
	DefaultShutdownTimeout        = 30 * time.Second
	DefaultHTTPClientTimeout      = 5 * time.Second
	DefaultShardCount             = 1
	DefaultMaxTxsPerBlock         = 100
	DefaultMinStake               = 100
	DefaultFeeRate                = 0.01
	DefaultBlockReward            = 10
)

// Store types
const (
	StoreTypeFile   = "file"
	StoreTypeMemory = "memory"
)

// fileConfig mirrors Config for YAML/JSON files; durations are strings like "45s"
type fileConfig struct {
	Port                   *string           `yaml:"port" json:"port"`
	Peers                  []string          `yaml:"peers" json:"peers"`
	LogLevel               *string           `yaml:"log_level" json:"logLevel"`
	BlockInterval          *string           `yaml:"block_interval" json:"blockInterval"`
	RateLimitPerMinute     *int              `yaml:"rate_limit_per_minute" json:"rateLimitPerMinute"`
	PeerRateLimitPerMinute *int              `yaml:"peer_rate_limit_per_minute" json:"peerRateLimitPerMinute"`
	TrustProxyHeaders      *bool             `yaml:"trust_proxy_headers" json:"trustProxyHeaders"`
	MaxBodySizeBytes       *int64            `yaml:"max_body_size_bytes" json:"maxBodySizeBytes"`
	DataDir                *string           `yaml:"data_dir" json:"dataDir"`
	StoreType              *string           `yaml:"store_type" json:"storeType"`
	ShutdownTimeout        *string           `yaml:"shutdown_timeout" json:"shutdownTimeout"`
	HTTPClientTimeout      *string           `yaml:"http_client_timeout" json:"httpClientTimeout"`
	NodeAuthSecret         *string           `yaml:"node_auth_secret" json:"nodeAuthSecret"`
	RequireNodeAuth        *bool             `yaml:"require_node_auth" json:"requireNodeAuth"`
	KeyFile                *string           `yaml:"key_file" json:"keyFile"`
	ValidatorID            *string           `yaml:"validator_id" json:"validatorId"`
	ShardID                *int              `yaml:"shard_id" json:"shardId"`
	ShardCount             *int              `yaml:"shard_count" json:"shardCount"`
	MaxTxsPerBlock         *int              `yaml:"max_txs_per_block" json:"maxTxsPerBlock"`
	MinStake               *uint64           `yaml:"min_stake" json:"minStake"`
	FeeRate                *float64          `yaml:"fee_rate" json:"feeRate"`
	BlockReward            *uint64           `yaml:"block_reward" json:"blockReward"`
	LeaderSelection        *string           `yaml:"leader_selection" json:"leaderSelection"`
	Validators             []Validator       `yaml:"validators" json:"validators"`
	GenesisBalances        map[string]uint64 `yaml:"genesis_balances" json:"genesisBalances"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Port:                   DefaultPort,
		Peers:                  []string{},
		LogLevel:               DefaultLogLevel,
		BlockInterval:          DefaultBlockInterval,
		RateLimitPerMinute:     DefaultRateLimitPerMinute,
		PeerRateLimitPerMinute: DefaultPeerRateLimitPerMinute,
		MaxBodySizeBytes:       DefaultMaxBodySizeBytes,
		DataDir:                DefaultDataDir,
		StoreType:              DefaultStoreType,
		ShutdownTimeout:        DefaultShutdownTimeout,
		HTTPClientTimeout:      DefaultHTTPClientTimeout,
		ShardCount:             DefaultShardCount,
		MaxTxsPerBlock:         DefaultMaxTxsPerBlock,
		MinStake:               DefaultMinStake,
		FeeRate:                DefaultFeeRate,
		BlockReward:            DefaultBlockReward,
		LeaderSelection:        LeaderSelectionDeterministic,
		GenesisBalances:        map[string]uint64{},
	}
}

// LoadConfig builds the configuration from defaults, then the file named by
// CONFIG_FILE (if any), then environment variables.
func LoadConfig() *Config {
	cfg := DefaultConfig()

	if configFile := os.Getenv("CONFIG_FILE"); configFile != "" {
		fileCfg, err := LoadConfigFromFile(configFile)
		if err != nil {
			if logger != nil {
				logger.Warn("Failed to load config file, using defaults", "file", configFile, "error", err)
			}
		} else {
			cfg = fileCfg
		}
	}

	applyEnvOverrides(cfg)
	return cfg
}

// LoadConfigFromFile reads a YAML or JSON config file on top of the defaults.
// Files ending in .json are parsed as JSON, everything else as YAML.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := fc.apply(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	if fc.Port != nil {
		cfg.Port = *fc.Port
	}
	if len(fc.Peers) > 0 {
		cfg.Peers = fc.Peers
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}
	if fc.RateLimitPerMinute != nil && *fc.RateLimitPerMinute > 0 {
		cfg.RateLimitPerMinute = *fc.RateLimitPerMinute
	}
	if fc.PeerRateLimitPerMinute != nil && *fc.PeerRateLimitPerMinute > 0 {
		cfg.PeerRateLimitPerMinute = *fc.PeerRateLimitPerMinute
	}
	if fc.TrustProxyHeaders != nil {
		cfg.TrustProxyHeaders = *fc.TrustProxyHeaders
	}
	if fc.MaxBodySizeBytes != nil && *fc.MaxBodySizeBytes > 0 {
		cfg.MaxBodySizeBytes = *fc.MaxBodySizeBytes
	}
	if fc.DataDir != nil {
		cfg.DataDir = *fc.DataDir
	}
	if fc.StoreType != nil {
		cfg.StoreType = *fc.StoreType
	}
	if fc.NodeAuthSecret != nil {
		cfg.NodeAuthSecret = *fc.NodeAuthSecret
	}
	if fc.RequireNodeAuth != nil {
		cfg.RequireNodeAuth = *fc.RequireNodeAuth
	}
	if fc.KeyFile != nil {
		cfg.KeyFile = *fc.KeyFile
	}
	if fc.ValidatorID != nil {
		cfg.ValidatorID = *fc.ValidatorID
	}
	if fc.ShardID != nil {
		cfg.ShardID = *fc.ShardID
	}
	if fc.ShardCount != nil {
		cfg.ShardCount = *fc.ShardCount
	}
	if fc.MaxTxsPerBlock != nil {
		cfg.MaxTxsPerBlock = *fc.MaxTxsPerBlock
	}
	if fc.MinStake != nil {
		cfg.MinStake = *fc.MinStake
	}
	if fc.FeeRate != nil {
		cfg.FeeRate = *fc.FeeRate
	}
	if fc.BlockReward != nil {
		cfg.BlockReward = *fc.BlockReward
	}
	if fc.LeaderSelection != nil {
		cfg.LeaderSelection = *fc.LeaderSelection
	}
	if len(fc.Validators) > 0 {
		cfg.Validators = fc.Validators
	}
	if len(fc.GenesisBalances) > 0 {
		cfg.GenesisBalances = fc.GenesisBalances
	}

	durations := []struct {
		name  string
		value *string
		dst   *time.Duration
	}{
		{"block_interval", fc.BlockInterval, &cfg.BlockInterval},
		{"shutdown_timeout", fc.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"http_client_timeout", fc.HTTPClientTimeout, &cfg.HTTPClientTimeout},
	}
	for _, d := range durations {
		if d.value == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, *d.value, err)
		}
		*d.dst = parsed
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}

	if peersEnv := os.Getenv("PEERS"); peersEnv != "" {
		var peers []string
		if err := json.Unmarshal([]byte(peersEnv), &peers); err == nil {
			cfg.Peers = peers
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if blockInterval := os.Getenv("BLOCK_INTERVAL"); blockInterval != "" {
		if duration, err := time.ParseDuration(blockInterval); err == nil && duration > 0 {
			cfg.BlockInterval = duration
		}
	}

	if rateLimitEnv := os.Getenv("RATE_LIMIT_PER_MINUTE"); rateLimitEnv != "" {
		if rateLimit, err := strconv.Atoi(rateLimitEnv); err == nil && rateLimit > 0 {
			cfg.RateLimitPerMinute = rateLimit
		}
	}

	if peerRateEnv := os.Getenv("PEER_RATE_LIMIT_PER_MINUTE"); peerRateEnv != "" {
		if peerRate, err := strconv.Atoi(peerRateEnv); err == nil && peerRate > 0 {
			cfg.PeerRateLimitPerMinute = peerRate
		}
	}

	if trustProxy := os.Getenv("TRUST_PROXY_HEADERS"); trustProxy != "" {
		cfg.TrustProxyHeaders = trustProxy == "true"
	}

	if maxBodyEnv := os.Getenv("MAX_BODY_SIZE_BYTES"); maxBodyEnv != "" {
		if maxBody, err := strconv.ParseInt(maxBodyEnv, 10, 64); err == nil && maxBody > 0 {
			cfg.MaxBodySizeBytes = maxBody
		}
	}

	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		cfg.DataDir = dataDir
	}

	if storeType := os.Getenv("STORE_TYPE"); storeType != "" {
		cfg.StoreType = storeType
	}

	if shutdownTimeout := os.Getenv("SHUTDOWN_TIMEOUT"); shutdownTimeout != "" {
		if duration, err := time.ParseDuration(shutdownTimeout); err == nil {
			cfg.ShutdownTimeout = duration
		}
	}

	if clientTimeout := os.Getenv("HTTP_CLIENT_TIMEOUT"); clientTimeout != "" {
		if duration, err := time.ParseDuration(clientTimeout); err == nil && duration > 0 {
			cfg.HTTPClientTimeout = duration
		}
	}

	if secret := os.Getenv("NODE_AUTH_SECRET"); secret != "" {
		cfg.NodeAuthSecret = secret
	}

	if required := os.Getenv("REQUIRE_NODE_AUTH"); required != "" {
		cfg.RequireNodeAuth = required == "true"
	}

	if keyFile := os.Getenv("KEY_FILE"); keyFile != "" {
		cfg.KeyFile = keyFile
	}

	if validatorID := os.Getenv("VALIDATOR_ID"); validatorID != "" {
		cfg.ValidatorID = validatorID
	}

	if shardID := os.Getenv("SHARD_ID"); shardID != "" {
		if id, err := strconv.Atoi(shardID); err == nil && id >= 0 {
			cfg.ShardID = id
		}
	}

	if shardCount := os.Getenv("SHARD_COUNT"); shardCount != "" {
		if count, err := strconv.Atoi(shardCount); err == nil && count > 0 {
			cfg.ShardCount = count
		}
	}

	if maxTxs := os.Getenv("MAX_TXS_PER_BLOCK"); maxTxs != "" {
		if n, err := strconv.Atoi(maxTxs); err == nil && n > 0 {
			cfg.MaxTxsPerBlock = n
		}
	}

	if minStake := os.Getenv("MIN_STAKE"); minStake != "" {
		if n, err := strconv.ParseUint(minStake, 10, 64); err == nil {
			cfg.MinStake = n
		}
	}

	if feeRate := os.Getenv("FEE_RATE"); feeRate != "" {
		if rate, err := strconv.ParseFloat(feeRate, 64); err == nil && rate >= 0 {
			cfg.FeeRate = rate
		}
	}

	if blockReward := os.Getenv("BLOCK_REWARD"); blockReward != "" {
		if n, err := strconv.ParseUint(blockReward, 10, 64); err == nil {
			cfg.BlockReward = n
		}
	}

	if mode := os.Getenv("LEADER_SELECTION"); mode != "" {
		cfg.LeaderSelection = mode
	}

	if validatorsEnv := os.Getenv("VALIDATORS"); validatorsEnv != "" {
		var validators []Validator
		if err := json.Unmarshal([]byte(validatorsEnv), &validators); err == nil && len(validators) > 0 {
			cfg.Validators = validators
		}
	}

	if balancesEnv := os.Getenv("GENESIS_BALANCES"); balancesEnv != "" {
		var balances map[string]uint64
		if err := json.Unmarshal([]byte(balancesEnv), &balances); err == nil {
			cfg.GenesisBalances = balances
		}
	}
}

// Validate checks the shard constants for consistency
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.ShardCount < 1 {
		errs = append(errs, fmt.Errorf("shard count must be positive, got %d", cfg.ShardCount))
	}
	if cfg.ShardID < 0 || cfg.ShardID >= cfg.ShardCount {
		errs = append(errs, fmt.Errorf("shard id %d out of range [0,%d)", cfg.ShardID, cfg.ShardCount))
	}
	if cfg.MaxTxsPerBlock < 1 {
		errs = append(errs, fmt.Errorf("max transactions per block must be positive, got %d", cfg.MaxTxsPerBlock))
	}
	if cfg.BlockInterval <= 0 {
		errs = append(errs, fmt.Errorf("block interval must be positive, got %v", cfg.BlockInterval))
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("fee rate must be in [0,1), got %v", cfg.FeeRate))
	}
	if cfg.StoreType != StoreTypeFile && cfg.StoreType != StoreTypeMemory {
		errs = append(errs, fmt.Errorf("unknown store type %q", cfg.StoreType))
	}
	if cfg.LeaderSelection != LeaderSelectionDeterministic && cfg.LeaderSelection != LeaderSelectionRandom {
		errs = append(errs, fmt.Errorf("unknown leader selection mode %q", cfg.LeaderSelection))
	}
	if cfg.RequireNodeAuth && cfg.NodeAuthSecret == "" {
		errs = append(errs, errors.New("require_node_auth set without node_auth_secret"))
	}
	return errors.Join(errs...)
}
