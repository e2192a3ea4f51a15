package main

// GenesisHash is the hash of the virtual block at height 0. The first stored
// block of every shard points at it.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Transaction is a signed transfer of funds between two accounts
type Transaction struct {
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Amount    uint64 `json:"amount"`
	ID        uint64 `json:"id"`
	Signature string `json:"signature"`
}

// Block represents a block in the shard chain
type Block struct {
	ShardID      int           `json:"shardId"`
	Height       uint64        `json:"height"`
	PrevHash     string        `json:"prevHash"`
	Transactions []Transaction `json:"transactions"`
	Timestamp    int64         `json:"timestamp"`
	Hash         string        `json:"hash"`
	PohIndex     uint64        `json:"pohIndex"`
	Producer     string        `json:"producer"`
	TotalFees    uint64        `json:"totalFees"`
}

// Validator is a member of the shard's fixed validator roster
type Validator struct {
	ID          string `json:"id" yaml:"id"`
	Stake       uint64 `json:"stake" yaml:"stake"`
	Reliability int64  `json:"reliability" yaml:"reliability"`
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
}

// BlockAcceptance is the verdict of the inbound gate for a received block
type BlockAcceptance int

const (
	// BlockAccepted means the block was appended to the local store
	BlockAccepted BlockAcceptance = iota
	// BlockReplacedTip means the block won a same-height tie-break and replaced the tip
	BlockReplacedTip
	// BlockWrongShard means the block belongs to another shard and was discarded
	BlockWrongShard
	// BlockUnknownProducer means the producer is not in the validator set
	BlockUnknownProducer
	// BlockRejected means the block failed integrity, continuity or leader checks
	BlockRejected
	// BlockStoreFailed means the block was acceptable but could not be persisted
	BlockStoreFailed
)

// String returns the metric/log label for an acceptance verdict
func (a BlockAcceptance) String() string {
	switch a {
	case BlockAccepted:
		return "accepted"
	case BlockReplacedTip:
		return "replaced_tip"
	case BlockWrongShard:
		return "wrong_shard"
	case BlockUnknownProducer:
		return "unknown_producer"
	case BlockRejected:
		return "rejected"
	case BlockStoreFailed:
		return "store_failed"
	default:
		return "unknown"
	}
}

// Persisted reports whether the verdict left the block in the local store
func (a BlockAcceptance) Persisted() bool {
	return a == BlockAccepted || a == BlockReplacedTip
}
