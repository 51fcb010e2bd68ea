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
	"sync"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, limits SlotLimits) (*Queue, *clock.Mock) {
	mock := clock.NewMock()
	q := New(Config{SlotLimits: limits}, nil, nil, mock)
	return q, mock
}

func TestQueueAddPromotesWithinLimits(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 2, MaxActiveTorrents: 2})

	e := q.Add("a", 0, RoleDownloading)
	require.Equal(t, Active, e.State)

	got, ok := q.Get("a")
	require.True(t, ok)
	require.Equal(t, Active, got.State)
}

func TestQueueAddBeyondLimitStaysQueued(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveTorrents: 1})

	q.Add("a", 0, RoleDownloading)
	e := q.Add("b", 0, RoleDownloading)
	require.Equal(t, Queued, e.State)
}

func TestQueueHigherPriorityPreemptsOnRebalance(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveTorrents: 1})

	q.Add("low", 0, RoleDownloading)
	q.Add("high", 10, RoleDownloading)

	// "low" got the only slot first since it was added first; adding a
	// higher-priority entry doesn't preempt mid-flight by itself until
	// the next rebalance pass observes an opening. Force one: remove
	// low to make room and verify high is then promoted in its place.
	q.Remove("low")

	got, ok := q.Get("high")
	require.True(t, ok)
	require.Equal(t, Active, got.State)
}

func TestQueueReducingLimitsDemotesLowestPriorityFirst(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 3, MaxActiveTorrents: 3})

	q.Add("a", 10, RoleDownloading)
	q.Add("b", 5, RoleDownloading)
	q.Add("c", 1, RoleDownloading)

	for _, id := range []string{"a", "b", "c"} {
		e, _ := q.Get(id)
		require.Equal(t, Active, e.State, id)
	}

	q.config.SlotLimits.MaxActiveDownloading = 1
	q.config.SlotLimits.MaxActiveTorrents = 1
	q.RebalanceNow()

	a, _ := q.Get("a")
	b, _ := q.Get("b")
	c, _ := q.Get("c")
	require.Equal(t, Active, a.State)
	require.Equal(t, Queued, b.State)
	require.Equal(t, Queued, c.State)
}

func TestQueuePauseFreesSlotForNextHighestPriority(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveTorrents: 1})

	q.Add("a", 5, RoleDownloading)
	q.Add("b", 1, RoleDownloading)

	a, _ := q.Get("a")
	require.Equal(t, Active, a.State)

	q.Pause("a")
	a, _ = q.Get("a")
	require.Equal(t, Paused, a.State)

	b, _ := q.Get("b")
	require.Equal(t, Active, b.State)
}

func TestQueueResumeReEntersCompetitionForSlots(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveTorrents: 1})

	q.Add("a", 5, RoleDownloading)
	q.Pause("a")
	q.Add("b", 1, RoleDownloading)

	b, _ := q.Get("b")
	require.Equal(t, Active, b.State)

	q.Resume("a")
	a, _ := q.Get("a")
	require.Equal(t, Queued, a.State) // b still holds the only slot

	b, _ = q.Get("b")
	require.Equal(t, Active, b.State)
}

func TestQueueDownloadingAndSeedingSlotsAreIndependent(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveSeeding: 1, MaxActiveTorrents: 2})

	q.Add("d", 0, RoleDownloading)
	q.Add("s", 0, RoleSeeding)

	d, _ := q.Get("d")
	s, _ := q.Get("s")
	require.Equal(t, Active, d.State)
	require.Equal(t, Active, s.State)
}

func TestQueueSetRoleToSeedingRejoinsCompetition(t *testing.T) {
	q, _ := newTestQueue(t, SlotLimits{MaxActiveDownloading: 1, MaxActiveSeeding: 0, MaxActiveTorrents: 1})

	q.Add("a", 0, RoleDownloading)
	a, _ := q.Get("a")
	require.Equal(t, Active, a.State)

	// MaxActiveSeeding of 0 means unbounded, and the combined cap of 1
	// is still respected by a lone entry, so it re-promotes immediately.
	q.SetRole("a", RoleSeeding)
	a, _ = q.Get("a")
	require.Equal(t, RoleSeeding, a.Role)
	require.Equal(t, Active, a.State)
}

func TestQueueListOrderedByPriorityThenAddedAt(t *testing.T) {
	q, mock := newTestQueue(t, SlotLimits{})

	q.Add("first", 5, RoleDownloading)
	mock.Add(time.Second)
	q.Add("second", 5, RoleDownloading)
	mock.Add(time.Second)
	q.Add("third", 9, RoleDownloading)

	list := q.List()
	require.Len(t, list, 3)
	require.Equal(t, "third", list[0].ID)
	require.Equal(t, "first", list[1].ID)
	require.Equal(t, "second", list[2].ID)
}

type recordingSink struct {
	mu   sync.Mutex
	seen map[string]Allocation
}

func (s *recordingSink) Allocate(id string, alloc Allocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]Allocation)
	}
	s.seen[id] = alloc
}

func (s *recordingSink) get(id string) (Allocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.seen[id]
	return a, ok
}

func TestQueueReallocateNowPushesToSink(t *testing.T) {
	mock := clock.NewMock()
	sink := &recordingSink{}
	allocator := NewAllocator(AllocatorConfig{Mode: Equal, GlobalDownKiB: 100})
	q := New(Config{SlotLimits: SlotLimits{MaxActiveTorrents: 2}}, allocator, sink, mock)

	q.Add("a", 0, RoleDownloading)
	q.Add("b", 0, RoleDownloading)
	q.ReallocateNow()

	alloc, ok := sink.get("a")
	require.True(t, ok)
	require.Equal(t, int64(50), alloc.DownKiB)

	e, _ := q.Get("a")
	require.Equal(t, int64(50), e.Allocation.DownKiB)
}

func TestQueueRunStopsCleanly(t *testing.T) {
	mock := clock.NewMock()
	allocator := NewAllocator(AllocatorConfig{Mode: Equal, GlobalDownKiB: 60})
	q := New(Config{
		SlotLimits:         SlotLimits{MaxActiveTorrents: 1},
		RebalanceInterval:  time.Second,
		AllocationInterval: time.Second,
	}, allocator, nil, mock)

	done := make(chan struct{})
	go func() {
		q.Run()
		close(done)
	}()

	q.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
