package main

import "hash/fnv"

// AccountShard maps an account identity onto one of shardCount shards
func AccountShard(identity string, shardCount int) int {
	if shardCount <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(identity))
	return int(h.Sum32() % uint32(shardCount))
}

// OwnsAccount reports whether this node's shard owns identity
func (node *ShardNode) OwnsAccount(identity string) bool {
	return AccountShard(identity, node.Config.ShardCount) == node.Config.ShardID
}
