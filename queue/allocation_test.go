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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocatorEqualSplitsEvenly(t *testing.T) {
	a := NewAllocator(AllocatorConfig{Mode: Equal, GlobalDownKiB: 900, GlobalUpKiB: 300})
	active := []Entry{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	got := a.Allocate(active)
	require.Equal(t, Allocation{DownKiB: 300, UpKiB: 100}, got["a"])
	require.Equal(t, Allocation{DownKiB: 300, UpKiB: 100}, got["b"])
	require.Equal(t, Allocation{DownKiB: 300, UpKiB: 100}, got["c"])
}

func TestAllocatorEqualNoActiveTorrents(t *testing.T) {
	a := NewAllocator(AllocatorConfig{Mode: Equal, GlobalDownKiB: 900})
	require.Empty(t, a.Allocate(nil))
}

func TestAllocatorProportionalWeightsByPriority(t *testing.T) {
	a := NewAllocator(AllocatorConfig{
		Mode:          Proportional,
		GlobalDownKiB: 400,
		PriorityWeights: map[int]float64{
			1: 1,
			3: 3,
		},
	})
	active := []Entry{{ID: "low", Priority: 1}, {ID: "high", Priority: 3}}

	got := a.Allocate(active)
	require.Equal(t, int64(100), got["low"].DownKiB)
	require.Equal(t, int64(300), got["high"].DownKiB)
}

func TestAllocatorProportionalUnknownPriorityDefaultsToWeightOne(t *testing.T) {
	a := NewAllocator(AllocatorConfig{Mode: Proportional, GlobalDownKiB: 200})
	active := []Entry{{ID: "a", Priority: 5}, {ID: "b", Priority: 9}}

	got := a.Allocate(active)
	require.Equal(t, int64(100), got["a"].DownKiB)
	require.Equal(t, int64(100), got["b"].DownKiB)
}

func TestAllocatorFixedUsesTableWhenUnderGlobalCap(t *testing.T) {
	a := NewAllocator(AllocatorConfig{
		Mode:          Fixed,
		GlobalDownKiB: 1000,
		FixedTable: map[int]Allocation{
			5: {DownKiB: 100, UpKiB: 10},
		},
	})
	active := []Entry{{ID: "a", Priority: 5}, {ID: "b", Priority: 5}}

	got := a.Allocate(active)
	require.Equal(t, Allocation{DownKiB: 100, UpKiB: 10}, got["a"])
	require.Equal(t, Allocation{DownKiB: 100, UpKiB: 10}, got["b"])
}

func TestAllocatorFixedScalesDownWhenOverGlobalCap(t *testing.T) {
	a := NewAllocator(AllocatorConfig{
		Mode:          Fixed,
		GlobalDownKiB: 150,
		FixedTable: map[int]Allocation{
			5: {DownKiB: 100},
		},
	})
	active := []Entry{{ID: "a", Priority: 5}, {ID: "b", Priority: 5}}

	got := a.Allocate(active)
	// Raw sum is 200 against a cap of 150: scaled by 0.75.
	require.Equal(t, int64(75), got["a"].DownKiB)
	require.Equal(t, int64(75), got["b"].DownKiB)
}

func TestAllocatorManualLeavesAllocationUntouched(t *testing.T) {
	a := NewAllocator(AllocatorConfig{Mode: Manual, GlobalDownKiB: 999})
	active := []Entry{{ID: "a", Allocation: Allocation{DownKiB: 42, UpKiB: 7}}}

	got := a.Allocate(active)
	require.Equal(t, Allocation{DownKiB: 42, UpKiB: 7}, got["a"])
}

func TestAllocationModeString(t *testing.T) {
	require.Equal(t, "proportional", Proportional.String())
	require.Equal(t, "equal", Equal.String())
	require.Equal(t, "fixed", Fixed.String())
	require.Equal(t, "manual", Manual.String())
}
