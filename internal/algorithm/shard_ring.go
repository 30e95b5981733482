package algorithm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ShardRing places entity sets without an explicit data source onto a shard
// using consistent hashing with virtual nodes
type ShardRing struct {
	ring        []uint64          // sorted vnode hashes
	ringMap     map[uint64]string // vnode hash -> shard name
	shardVNodes map[string][]uint64
	mu          sync.RWMutex
}

// NewShardRing creates a ring holding shards, each with virtualNodes points
func NewShardRing(shards []string, virtualNodes int) *ShardRing {
	r := &ShardRing{
		ringMap:     make(map[uint64]string),
		shardVNodes: make(map[string][]uint64),
	}
	for _, shard := range shards {
		r.AddShard(shard, virtualNodes)
	}
	return r
}

// AddShard adds a shard with virtual nodes
func (r *ShardRing) AddShard(name string, virtualNodes int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.shardVNodes[name]; exists {
		return
	}

	hashes := make([]uint64, 0, virtualNodes)
	for i := 0; i < virtualNodes; i++ {
		h := xxhash.Sum64String(fmt.Sprintf("%s-vnode-%d", name, i))
		if _, taken := r.ringMap[h]; taken {
			continue
		}
		r.ring = append(r.ring, h)
		r.ringMap[h] = name
		hashes = append(hashes, h)
	}

	r.shardVNodes[name] = hashes
	sort.Slice(r.ring, func(i, j int) bool { return r.ring[i] < r.ring[j] })
}

// RemoveShard removes a shard and its virtual nodes
func (r *ShardRing) RemoveShard(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	hashes, exists := r.shardVNodes[name]
	if !exists {
		return
	}

	removed := make(map[uint64]bool, len(hashes))
	for _, h := range hashes {
		removed[h] = true
		delete(r.ringMap, h)
	}

	ring := make([]uint64, 0, len(r.ring)-len(hashes))
	for _, h := range r.ring {
		if !removed[h] {
			ring = append(ring, h)
		}
	}
	r.ring = ring
	delete(r.shardVNodes, name)
}

// Locate returns the shard owning key, or false for an empty ring
func (r *ShardRing) Locate(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.ring) == 0 {
		return "", false
	}

	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.ring), func(i int) bool {
		return r.ring[i] >= h
	})
	if idx >= len(r.ring) {
		idx = 0
	}
	return r.ringMap[r.ring[idx]], true
}

// ShardCount returns the number of shards on the ring
func (r *ShardRing) ShardCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.shardVNodes)
}
