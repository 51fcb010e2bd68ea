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
package diskio

import (
	"container/list"
	"sync"
)

type cacheKey struct {
	path   string
	offset int64
	length int64
}

// blockCache is a small LRU cache of recently read blocks, keyed by
// (path, offset, length). Any write to a path evicts every cached block
// for that path, so a read can never observe stale bytes across a write.
type blockCache struct {
	mu    sync.Mutex
	cap   int
	ll    *list.List
	index map[cacheKey]*list.Element
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

func newBlockCache(capacity int) *blockCache {
	return &blockCache{
		cap:   capacity,
		ll:    list.New(),
		index: make(map[cacheKey]*list.Element),
	}
}

func (c *blockCache) get(path string, offset, length int64) ([]byte, bool) {
	if c.cap == 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{path, offset, length}
	el, ok := c.index[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheEntry).data, true
}

func (c *blockCache) put(path string, offset int64, data []byte) {
	if c.cap == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{path, offset, int64(len(data))}
	if el, ok := c.index[key]; ok {
		c.ll.MoveToFront(el)
		el.Value.(*cacheEntry).data = data
		return
	}

	el := c.ll.PushFront(&cacheEntry{key: key, data: data})
	c.index[key] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.ll.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

// invalidate evicts every cached block belonging to path.
func (c *blockCache) invalidate(path string) {
	if c.cap == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.index {
		if key.path == path {
			c.ll.Remove(el)
			delete(c.index, key)
		}
	}
}
