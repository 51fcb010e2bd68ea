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
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// SlotLimits bounds how many torrents may hold an active slot at once.
// A limit of 0 means unbounded.
type SlotLimits struct {
	MaxActiveDownloading int `yaml:"max_active_downloading"`
	MaxActiveSeeding     int `yaml:"max_active_seeding"`
	MaxActiveTorrents    int `yaml:"max_active_torrents"`
}

// Config configures a Queue.
type Config struct {
	SlotLimits SlotLimits `yaml:"slot_limits"`

	// RebalanceInterval is how often active-slot promotion/demotion
	// runs on a timer, independent of Add/Remove/SetPriority/Pause/
	// Resume (which also trigger an immediate rebalance).
	RebalanceInterval time.Duration `yaml:"rebalance_interval"`

	// AllocationInterval is how often the bandwidth allocator
	// recomputes and pushes out per-torrent allocations.
	AllocationInterval time.Duration `yaml:"allocation_interval"`
}

func (c Config) applyDefaults() Config {
	if c.RebalanceInterval == 0 {
		c.RebalanceInterval = 5 * time.Second
	}
	if c.AllocationInterval == 0 {
		c.AllocationInterval = time.Second
	}
	return c
}

// AllocationSink receives a torrent's bandwidth allocation every time
// the allocator recomputes it, so a caller (the session Manager) can
// push the result down to the corresponding Session's token bucket.
type AllocationSink interface {
	Allocate(id string, alloc Allocation)
}

// Queue is the cross-torrent priority queue and bandwidth allocator: it
// decides which torrents hold an active download/seed slot and how
// much bandwidth each active torrent gets. Slots are re-evaluated on a
// timer and whenever the entry set changes; bandwidth only on its own
// timer (or ReallocateNow).
type Queue struct {
	config    Config
	clk       clock.Clock
	allocator *Allocator
	sink      AllocationSink

	mu      sync.Mutex
	entries map[string]*Entry

	rebalanceTick <-chan time.Time
	allocTick     <-chan time.Time
	done          chan struct{}
	wg            sync.WaitGroup
}

// New creates a Queue. Run must be called to start its periodic
// rebalance/allocation timers.
func New(config Config, allocator *Allocator, sink AllocationSink, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		config:    config.applyDefaults(),
		clk:       clk,
		allocator: allocator,
		sink:      sink,
		entries:   make(map[string]*Entry),
		done:      make(chan struct{}),
	}
}

// Add registers id in the queue as Queued, wanting an active slot for
// role, and immediately attempts to promote it (and rebalance the
// queue as a whole). Re-adding an id already present is a no-op.
func (q *Queue) Add(id string, priority int, role Role) Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[id]; ok {
		return *e
	}
	e := &Entry{
		ID:       id,
		Priority: priority,
		AddedAt:  q.clk.Now(),
		Role:     role,
		State:    Queued,
	}
	q.entries[id] = e
	q.rebalanceLocked()
	return *e
}

// Remove drops id from the queue, freeing its slot (if any) for
// promotion of the next-highest-priority queued entry.
func (q *Queue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.entries, id)
	q.rebalanceLocked()
}

// SetPriority updates id's priority and rebalances, since a priority
// change can both earn it a slot and bump a lower-priority entry out.
func (q *Queue) SetPriority(id string, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}
	e.Priority = priority
	q.rebalanceLocked()
}

// SetRole updates which kind of slot id wants, e.g. when a torrent
// finishes downloading and starts seeding.
func (q *Queue) SetRole(id string, role Role) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}
	if e.Role == role {
		return
	}
	e.Role = role
	if e.State == Active {
		e.State = Queued
	}
	q.rebalanceLocked()
}

// SetAllocation sets id's Manual-mode allocation directly. Ignored
// outside Manual mode, where the Allocator overwrites Allocation on
// every allocation tick.
func (q *Queue) SetAllocation(id string, alloc Allocation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e, ok := q.entries[id]; ok {
		e.Allocation = alloc
	}
}

// Pause marks id Paused, immediately freeing its slot if it held one.
func (q *Queue) Pause(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return
	}
	e.State = Paused
	q.rebalanceLocked()
}

// Resume returns a Paused id to Queued, making it eligible again for
// promotion to an active slot.
func (q *Queue) Resume(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.State != Paused {
		return
	}
	e.State = Queued
	q.rebalanceLocked()
}

// Get returns a copy of id's current Entry.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns a snapshot of every entry, ordered by (priority DESC,
// added_ts ASC).
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.orderedLocked(func(Entry) bool { return true })
}

// Run starts the periodic rebalance and allocation timers. It blocks
// until Stop is called, so callers should invoke it in its own
// goroutine.
func (q *Queue) Run() {
	q.wg.Add(1)
	defer q.wg.Done()

	q.rebalanceTick = q.clk.Tick(q.config.RebalanceInterval)
	q.allocTick = q.clk.Tick(q.config.AllocationInterval)
	for {
		select {
		case <-q.done:
			return
		case <-q.rebalanceTick:
			q.RebalanceNow()
		case <-q.allocTick:
			q.ReallocateNow()
		}
	}
}

// Stop halts the timers and waits for Run to return.
func (q *Queue) Stop() {
	close(q.done)
	q.wg.Wait()
}

// RebalanceNow forces an immediate active-slot promotion/demotion
// pass, bypassing the timer. Exposed for deterministic tests.
func (q *Queue) RebalanceNow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rebalanceLocked()
}

// ReallocateNow forces an immediate bandwidth reallocation, bypassing
// the timer. Exposed for deterministic tests.
func (q *Queue) ReallocateNow() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reallocateLocked()
}

// orderedLocked returns a sorted snapshot of entries matching filter,
// ordered by (priority DESC, added_ts ASC).
func (q *Queue) orderedLocked(filter func(Entry) bool) []Entry {
	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		if filter(*e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (q *Queue) activeCountsLocked() (downloading, seeding int) {
	for _, e := range q.entries {
		if e.State != Active {
			continue
		}
		if e.Role == RoleSeeding {
			seeding++
		} else {
			downloading++
		}
	}
	return downloading, seeding
}

// rebalanceLocked promotes the highest-priority queued, non-paused
// entries into free active slots, then demotes active entries beyond
// the current limits lowest-priority first (a paused entry is never
// Active, so it is always demotion-eligible in spirit — it has
// already vacated its slot via Pause).
func (q *Queue) rebalanceLocked() {
	limits := q.config.SlotLimits
	activeDownloading, activeSeeding := q.activeCountsLocked()

	promotable := q.orderedLocked(func(e Entry) bool { return e.State == Queued })
	for _, snap := range promotable {
		e := q.entries[snap.ID]
		if e.State != Queued {
			continue
		}
		if limits.MaxActiveTorrents > 0 && activeDownloading+activeSeeding >= limits.MaxActiveTorrents {
			continue
		}
		if e.Role == RoleSeeding {
			if limits.MaxActiveSeeding > 0 && activeSeeding >= limits.MaxActiveSeeding {
				continue
			}
			e.State = Active
			activeSeeding++
		} else {
			if limits.MaxActiveDownloading > 0 && activeDownloading >= limits.MaxActiveDownloading {
				continue
			}
			e.State = Active
			activeDownloading++
		}
	}

	// Demote lowest-priority active entries first, until back within
	// every limit. orderedLocked sorts priority DESC, so iterate in
	// reverse for lowest-priority-first.
	active := q.orderedLocked(func(e Entry) bool { return e.State == Active })
	for i := len(active) - 1; i >= 0; i-- {
		snap := active[i]
		e := q.entries[snap.ID]
		if e.State != Active {
			continue
		}
		overTotal := limits.MaxActiveTorrents > 0 && activeDownloading+activeSeeding > limits.MaxActiveTorrents
		overSeeding := e.Role == RoleSeeding && limits.MaxActiveSeeding > 0 && activeSeeding > limits.MaxActiveSeeding
		overDownloading := e.Role == RoleDownloading && limits.MaxActiveDownloading > 0 && activeDownloading > limits.MaxActiveDownloading
		if !overTotal && !overSeeding && !overDownloading {
			continue
		}
		e.State = Queued
		if e.Role == RoleSeeding {
			activeSeeding--
		} else {
			activeDownloading--
		}
	}
}

func (q *Queue) reallocateLocked() {
	if q.allocator == nil {
		return
	}
	active := q.orderedLocked(func(e Entry) bool { return e.State == Active })
	allocations := q.allocator.Allocate(active)
	for id, alloc := range allocations {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		e.Allocation = alloc
		if q.sink != nil {
			q.sink.Allocate(id, alloc)
		}
	}
}
