package sharding

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ShardFor maps a key onto one of n partitions. The mapping is stable across
// processes, so every event for one correlation id lands on the same worker.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// ShardID names the partition a key belongs to.
func ShardID(key string, n int) string {
	return fmt.Sprintf("shard-%d", ShardFor(key, n)+1)
}
