// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package dht

import (
	"sort"
	"sync"
)

// BucketSize is K, the maximum number of nodes held per k-bucket.
const BucketSize = 8

// numBuckets is one per bit of the 160-bit ID space.
const numBuckets = 160

type bucket struct {
	nodes []*Node
}

// RoutingTable is our view of the Kademlia network: 160 k-buckets keyed by
// the length of the shared ID prefix with our own node ID, each holding up
// to BucketSize nodes.
//
// Insertion discipline (spec invariant): inserting into a full bucket of
// all-good nodes fails outright; inserting into a full bucket containing
// any bad node evicts exactly one bad node (the oldest bad one) to make
// room.
type RoutingTable struct {
	self ID

	mu      sync.Mutex
	buckets [numBuckets]bucket
}

// NewRoutingTable creates an empty RoutingTable for the given local ID.
func NewRoutingTable(self ID) *RoutingTable {
	return &RoutingTable{self: self}
}

func (t *RoutingTable) bucketIndex(id ID) int {
	// Nodes sharing all 160 bits with self (itself) fall in the last bucket;
	// this only matters if self is ever inserted, which callers avoid.
	i := t.self.Distance(id).prefixLen()
	if i >= numBuckets {
		i = numBuckets - 1
	}
	return i
}

// Insert adds or refreshes n in the table. Returns false if n was rejected
// because its bucket is full of good nodes.
func (t *RoutingTable) Insert(n *Node) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.bucketIndex(n.ID)
	b := &t.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes[i] = n
			return true
		}
	}

	if len(b.nodes) < BucketSize {
		b.nodes = append(b.nodes, n)
		return true
	}

	// Bucket full: only evict if some resident is bad.
	evictIdx := -1
	for i, existing := range b.nodes {
		if !existing.Good {
			if evictIdx == -1 || existing.LastSeen < b.nodes[evictIdx].LastSeen {
				evictIdx = i
			}
		}
	}
	if evictIdx == -1 {
		return false
	}
	b.nodes[evictIdx] = n
	return true
}

// Remove deletes id from the table, if present.
func (t *RoutingTable) Remove(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[t.bucketIndex(id)]
	for i, existing := range b.nodes {
		if existing.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// MarkGood records a successful exchange with id, if id is in the table.
func (t *RoutingTable) MarkGood(id ID, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[t.bucketIndex(id)]
	for _, existing := range b.nodes {
		if existing.ID == id {
			existing.RecordSuccess(now)
			return
		}
	}
}

// MarkBad records a failed query to id, if id is in the table.
func (t *RoutingTable) MarkBad(id ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := &t.buckets[t.bucketIndex(id)]
	for _, existing := range b.nodes {
		if existing.ID == id {
			existing.RecordFailure()
			return
		}
	}
}

// Closest returns up to k nodes closest to target by XOR distance, across
// the whole table.
func (t *RoutingTable) Closest(target ID, k int) []*Node {
	t.mu.Lock()
	var all []*Node
	for i := range t.buckets {
		all = append(all, t.buckets[i].nodes...)
	}
	t.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := target.Distance(all[i].ID)
		dj := target.Distance(all[j].ID)
		return di.Less(dj)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// NonEmptyBuckets returns the index of every bucket currently holding at
// least one node, for periodic refresh.
func (t *RoutingTable) NonEmptyBuckets() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var idxs []int
	for i := range t.buckets {
		if len(t.buckets[i].nodes) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// Len returns the total number of nodes across all buckets.
func (t *RoutingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].nodes)
	}
	return n
}
