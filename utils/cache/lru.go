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

// Package cache provides a small TTL'd LRU set, used to bound memory for
// "have we seen this before" membership tracking, such as the pex
// package's record of peers already sent to a connection.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// LRUCacheConfig configures an LRUCache.
type LRUCacheConfig struct {
	Size int
	TTL  time.Duration
}

func (c LRUCacheConfig) applyDefaults() LRUCacheConfig {
	if c.Size == 0 {
		c.Size = 300
	}
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	return c
}

type entry struct {
	key     string
	addedAt time.Time
}

// LRUCache is a fixed-capacity, TTL-expiring set of keys. Adding a key
// that is already present moves it to the front of the eviction order
// and restarts its TTL.
type LRUCache struct {
	config LRUCacheConfig
	mu     sync.Mutex
	ll     *list.List
	index  map[string]*list.Element
}

// NewLRUCache creates an LRUCache from config.
func NewLRUCache(config LRUCacheConfig) *LRUCache {
	return &LRUCache{
		config: config.applyDefaults(),
		ll:     list.New(),
		index:  make(map[string]*list.Element),
	}
}

// Add inserts key, evicting the least-recently-added key if the cache is
// at capacity. Re-adding an existing key moves it to the front.
func (c *LRUCache) Add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*entry).addedAt = time.Now()
		return
	}

	el := c.ll.PushFront(&entry{key: key, addedAt: time.Now()})
	c.index[key] = el

	for c.ll.Len() > c.config.Size {
		c.removeOldest()
	}
}

// Has reports whether key is present and not expired. An expired key is
// evicted as a side effect.
func (c *LRUCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	if time.Since(el.Value.(*entry).addedAt) > c.config.TTL {
		c.remove(el)
		return false
	}
	return true
}

// Delete removes key, if present.
func (c *LRUCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.remove(el)
	}
}

// Clear empties the cache.
func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ll.Init()
	c.index = make(map[string]*list.Element)
}

// Size returns the number of keys currently tracked, including expired
// ones not yet lazily evicted.
func (c *LRUCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ll.Len()
}

func (c *LRUCache) removeOldest() {
	el := c.ll.Back()
	if el != nil {
		c.remove(el)
	}
}

func (c *LRUCache) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
