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

// Allocation is the bandwidth a single active torrent is entitled to,
// pushed down to its Session to enforce via a token bucket.
type Allocation struct {
	DownKiB int64
	UpKiB   int64
}

// AllocationMode selects how the global bandwidth budget is divided
// among active torrents.
type AllocationMode int

// Allocation modes.
const (
	// Proportional splits the global caps among active torrents
	// weighted by PriorityWeights[entry.Priority].
	Proportional AllocationMode = iota
	// Equal splits the global caps evenly among active torrents.
	Equal
	// Fixed gives each priority a fixed per-torrent allocation from
	// FixedTable, scaled down proportionally if the sum would exceed
	// the global caps.
	Fixed
	// Manual leaves each Entry's Allocation untouched; callers set it
	// directly via Queue.SetAllocation.
	Manual
)

func (m AllocationMode) String() string {
	switch m {
	case Equal:
		return "equal"
	case Fixed:
		return "fixed"
	case Manual:
		return "manual"
	default:
		return "proportional"
	}
}

// AllocatorConfig configures an Allocator.
type AllocatorConfig struct {
	Mode AllocationMode `yaml:"mode"`

	GlobalDownKiB int64 `yaml:"global_down_kib"`
	GlobalUpKiB   int64 `yaml:"global_up_kib"`

	// PriorityWeights maps a priority value to its Proportional share
	// weight. A priority absent from the table (or <= 0) defaults to
	// weight 1.
	PriorityWeights map[int]float64 `yaml:"priority_weights"`

	// FixedTable maps a priority value to its Fixed-mode allocation.
	FixedTable map[int]Allocation `yaml:"fixed_table"`
}

// Allocator computes per-torrent bandwidth allocations from a set of
// active queue entries, following one of four modes (see
// AllocationMode). It holds no mutable state of its own — Allocate is
// a pure function of its config and the entries passed in.
type Allocator struct {
	config AllocatorConfig
}

// NewAllocator creates an Allocator.
func NewAllocator(config AllocatorConfig) *Allocator {
	return &Allocator{config: config}
}

// Allocate computes a bandwidth Allocation for every entry in active.
// Entries not in the Active state should not be passed in; Allocate
// does not filter by state itself.
func (a *Allocator) Allocate(active []Entry) map[string]Allocation {
	switch a.config.Mode {
	case Manual:
		return a.allocateManual(active)
	case Fixed:
		return a.allocateFixed(active)
	case Equal:
		return a.allocateEqual(active)
	default:
		return a.allocateProportional(active)
	}
}

func (a *Allocator) allocateManual(active []Entry) map[string]Allocation {
	result := make(map[string]Allocation, len(active))
	for _, e := range active {
		result[e.ID] = e.Allocation
	}
	return result
}

func (a *Allocator) allocateEqual(active []Entry) map[string]Allocation {
	result := make(map[string]Allocation, len(active))
	n := int64(len(active))
	if n == 0 {
		return result
	}
	down := a.config.GlobalDownKiB / n
	up := a.config.GlobalUpKiB / n
	for _, e := range active {
		result[e.ID] = Allocation{DownKiB: down, UpKiB: up}
	}
	return result
}

func (a *Allocator) allocateProportional(active []Entry) map[string]Allocation {
	result := make(map[string]Allocation, len(active))
	if len(active) == 0 {
		return result
	}

	weights := make(map[string]float64, len(active))
	var totalWeight float64
	for _, e := range active {
		w := a.config.PriorityWeights[e.Priority]
		if w <= 0 {
			w = 1
		}
		weights[e.ID] = w
		totalWeight += w
	}
	if totalWeight == 0 {
		return result
	}

	for _, e := range active {
		share := weights[e.ID] / totalWeight
		result[e.ID] = Allocation{
			DownKiB: int64(float64(a.config.GlobalDownKiB) * share),
			UpKiB:   int64(float64(a.config.GlobalUpKiB) * share),
		}
	}
	return result
}

func (a *Allocator) allocateFixed(active []Entry) map[string]Allocation {
	result := make(map[string]Allocation, len(active))
	if len(active) == 0 {
		return result
	}

	raw := make(map[string]Allocation, len(active))
	var sumDown, sumUp int64
	for _, e := range active {
		alloc := a.config.FixedTable[e.Priority]
		raw[e.ID] = alloc
		sumDown += alloc.DownKiB
		sumUp += alloc.UpKiB
	}

	downScale := scaleFactor(sumDown, a.config.GlobalDownKiB)
	upScale := scaleFactor(sumUp, a.config.GlobalUpKiB)
	for id, alloc := range raw {
		result[id] = Allocation{
			DownKiB: int64(float64(alloc.DownKiB) * downScale),
			UpKiB:   int64(float64(alloc.UpKiB) * upScale),
		}
	}
	return result
}

// scaleFactor returns 1 if sum is already within limit (or limit is
// unbounded), otherwise the factor that scales sum down to exactly
// limit.
func scaleFactor(sum, limit int64) float64 {
	if limit <= 0 || sum <= limit {
		return 1
	}
	return float64(limit) / float64(sum)
}
