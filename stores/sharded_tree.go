// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stores

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/btree"
)

type HashFunc[T any] func(T) uint64
type LessFunc[T any] btree.LessFunc[T]

// For string keys, use this for hashFunc argument to NewShardedTree
// Uses "github.com/cespare/xxhash/v2".Sum64String
func StringHash(s string) uint64 {
	return xxhash.Sum64String(s)
}

func StringLess(a, b string) bool {
	return a < b
}

type shard[T any] struct {
	mux  sync.RWMutex
	tree *btree.BTreeG[T]
}

// ShardedTree spreads items across 2 << exponent btrees, each guarded by its own lock, so that writers
// for different keys rarely contend. Ordering only holds within a shard.
type ShardedTree[K any, T any] struct {
	shards   []*shard[T]
	hashFunc HashFunc[K]
	mod      uint64
}

/*
Return a ShardedTree with 2 << exponent shards. The shard count is a power of 2 so that a shard is found with a
bitwise AND:

	shard := shards[hashFunc(key)&mod]

Shard counts between 32-512 (exponents of 4-8) suit most workloads.
The trees share a common btree.FreeListG[T]. The free list is itself synchronized.
*/
func NewShardedTree[K any, T any](exponent int, hashFunc HashFunc[K], lessFunc LessFunc[T]) *ShardedTree[K, T] {
	count := 2 << exponent
	shards := make([]*shard[T], count)
	freeList := btree.NewFreeListG[T](16)
	for i := 0; i < count; i++ {
		shards[i] = &shard[T]{tree: btree.NewWithFreeListG(64, (btree.LessFunc[T])(lessFunc), freeList)}
	}
	return &ShardedTree[K, T]{
		shards:   shards,
		hashFunc: hashFunc,
		mod:      uint64(count - 1),
	}
}

func (st *ShardedTree[K, T]) shardFor(key K) *shard[T] {
	return st.shards[st.hashFunc(key)&st.mod]
}

/*
Update invokes fn with the tree for key while holding the shard's write lock. Multiple operations on the same
tree are atomic with respect to other callers:

	st.Update(item.key, func(tree *btree.BTreeG[Item]) {
		if _, exists := tree.Get(item); !exists {
			tree.ReplaceOrInsert(item)
		}
	})
*/
func (st *ShardedTree[K, T]) Update(key K, fn func(tree *btree.BTreeG[T])) {
	s := st.shardFor(key)
	s.mux.Lock()
	defer s.mux.Unlock()
	fn(s.tree)
}

// View invokes fn with the tree for key while holding the shard's read lock. fn must not modify the tree.
func (st *ShardedTree[K, T]) View(key K, fn func(tree *btree.BTreeG[T])) {
	s := st.shardFor(key)
	s.mux.RLock()
	defer s.mux.RUnlock()
	fn(s.tree)
}

func (st *ShardedTree[K, T]) Get(key K, item T) (T, bool) {
	var found T
	var ok bool
	st.View(key, func(tree *btree.BTreeG[T]) {
		found, ok = tree.Get(item)
	})
	return found, ok
}

// Iterates through all shards and sums their lengths. O(n) performance where n = 2 << exponent.
func (st *ShardedTree[K, T]) Len() (l int) {
	for _, s := range st.shards {
		s.mux.RLock()
		l += s.tree.Len()
		s.mux.RUnlock()
	}
	return
}
