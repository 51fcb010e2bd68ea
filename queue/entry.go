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

// Package queue implements the cross-torrent priority queue and bandwidth
// allocator: which of the Manager's torrents get an active download or
// seed slot, and how much of the process-wide bandwidth budget each
// active torrent is entitled to.
package queue

import "time"

// Role is which kind of active slot an Entry competes for. A torrent
// that has finished downloading wants a seeding slot even though it may
// still be queued behind higher-priority incomplete torrents.
type Role int

// Entry roles.
const (
	RoleDownloading Role = iota
	RoleSeeding
)

func (r Role) String() string {
	if r == RoleSeeding {
		return "seeding"
	}
	return "downloading"
}

// State is an Entry's place in the active-slot state machine.
type State int

// Entry states.
const (
	Queued State = iota
	Active
	Paused
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Paused:
		return "paused"
	default:
		return "queued"
	}
}

// Entry is one torrent's standing in the queue: its priority, when it
// was added, which kind of slot it wants, and (once promoted) its
// current bandwidth allocation.
type Entry struct {
	ID         string
	Priority   int
	AddedAt    time.Time
	Role       Role
	State      State
	Allocation Allocation
}
