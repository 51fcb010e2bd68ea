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
package session

import "fmt"

// Status is a Session's place in its lifecycle state machine.
type Status int

// Session states.
const (
	Starting Status = iota
	AcquiringMetadata
	Downloading
	Seeding
	Paused
	Errored
	Stopped
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case AcquiringMetadata:
		return "acquiring_metadata"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Paused:
		return "paused"
	case Errored:
		return "errored"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// validNextStatus enumerates the state machine's allowed transitions.
// Paused and Errored are each reachable from more than one state, and
// Resumed is not a distinct state but a return to whichever of
// Downloading/Seeding preceded the pause.
var validNextStatus = map[Status]map[Status]bool{
	Starting: {
		AcquiringMetadata: true,
		Downloading:       true,
		Errored:           true,
		Stopped:           true,
	},
	AcquiringMetadata: {
		Downloading: true,
		Errored:     true,
		Stopped:     true,
	},
	Downloading: {
		Seeding: true,
		Paused:  true,
		Errored: true,
		Stopped: true,
	},
	Seeding: {
		Paused:  true,
		Errored: true,
		Stopped: true,
	},
	Paused: {
		Downloading: true, // resume
		Seeding:     true, // resume
		Errored:     true,
		Stopped:     true,
	},
	Errored: {
		Stopped: true,
	},
	Stopped: {},
}

// canTransition reports whether from -> to is a legal state machine
// transition.
func canTransition(from, to Status) bool {
	return validNextStatus[from][to]
}

// transitionError describes an attempted illegal status transition.
type transitionError struct {
	from, to Status
}

func (e *transitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.from, e.to)
}
