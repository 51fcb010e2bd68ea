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
package events

import (
	"sync"

	"github.com/ccbt-project/ccbt/internal/log"
)

// DefaultSubscriberBufferSize bounds how many events a slow subscriber
// may lag behind before new events are dropped for it.
const DefaultSubscriberBufferSize = 256

// Bus fans Session events out to any number of registered subscribers.
// Publish never blocks the publisher: a subscriber whose buffer is full
// simply misses the event, the same buffered-channel-with-drop idiom
// peerwire.Conn uses for its sender queue.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Event)}
}

// Subscription is a handle returned by Subscribe, used to stop receiving
// events via Unsubscribe.
type Subscription struct {
	id int
	ch chan Event
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Subscribe registers a new consumer and returns a Subscription whose
// Events channel receives every event published after this call.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, DefaultSubscriberBufferSize)
	b.subscribers[id] = ch
	return &Subscription{id: id, ch: ch}
}

// Unsubscribe stops delivering events to sub and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subscribers[sub.id]; ok {
		delete(b.subscribers, sub.id)
		close(ch)
	}
}

// Publish delivers e to every current subscriber without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			log.Warnf("dropping event %s for slow subscriber", e.Kind)
		}
	}
}
