package cache

import (
	"github.com/hupe1980/mvstore/internal/resource"
)

const numShards = 16

// Sharded spreads int64-keyed entries over several LRU shards to reduce lock
// contention between concurrent readers.
type Sharded[V any] struct {
	shards [numShards]*LRU[int64, V]
}

// NewSharded creates a sharded cache. The capacity is divided evenly across
// the shards.
func NewSharded[V any](capacity int64, rc *resource.Controller) *Sharded[V] {
	shardCapacity := max(capacity/numShards, 1)
	s := &Sharded[V]{}
	for i := range numShards {
		s.shards[i] = NewLRU[int64, V](shardCapacity, rc)
	}
	return s
}

func (s *Sharded[V]) shard(key int64) *LRU[int64, V] {
	return s.shards[splitmix64(uint64(key))%numShards]
}

// Get returns the cached value for key.
func (s *Sharded[V]) Get(key int64) (V, bool) {
	return s.shard(key).Get(key)
}

// Set caches value under key.
func (s *Sharded[V]) Set(key int64, value V, weight int64) {
	s.shard(key).Set(key, value, weight)
}

// Invalidate removes matching entries from all shards.
func (s *Sharded[V]) Invalidate(predicate func(key int64) bool) {
	for _, sh := range s.shards {
		sh.Invalidate(predicate)
	}
}

// Clear removes every entry.
func (s *Sharded[V]) Clear() {
	for _, sh := range s.shards {
		sh.Clear()
	}
}

// Stats returns the aggregated hits and misses.
func (s *Sharded[V]) Stats() (hits, misses int64) {
	for _, sh := range s.shards {
		h, m := sh.Stats()
		hits += h
		misses += m
	}
	return hits, misses
}

// Size returns the total cached weight.
func (s *Sharded[V]) Size() int64 {
	var size int64
	for _, sh := range s.shards {
		size += sh.Size()
	}
	return size
}

// Len returns the number of cached entries.
func (s *Sharded[V]) Len() int {
	var n int
	for _, sh := range s.shards {
		n += sh.Len()
	}
	return n
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
