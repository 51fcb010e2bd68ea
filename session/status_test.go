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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusStringKnown(t *testing.T) {
	cases := map[Status]string{
		Starting:          "starting",
		AcquiringMetadata: "acquiring_metadata",
		Downloading:       "downloading",
		Seeding:           "seeding",
		Paused:            "paused",
		Errored:           "errored",
		Stopped:           "stopped",
	}
	for status, want := range cases {
		require.Equal(t, want, status.String())
	}
}

func TestStatusStringUnknown(t *testing.T) {
	require.Equal(t, "unknown(99)", Status(99).String())
}

func TestCanTransitionFromStarting(t *testing.T) {
	require.True(t, canTransition(Starting, AcquiringMetadata))
	require.True(t, canTransition(Starting, Downloading))
	require.True(t, canTransition(Starting, Errored))
	require.True(t, canTransition(Starting, Stopped))
	require.False(t, canTransition(Starting, Seeding))
	require.False(t, canTransition(Starting, Paused))
}

func TestCanTransitionDownloadSeedPauseResume(t *testing.T) {
	require.True(t, canTransition(Downloading, Seeding))
	require.True(t, canTransition(Downloading, Paused))
	require.True(t, canTransition(Paused, Downloading))
	require.True(t, canTransition(Paused, Seeding))
	require.False(t, canTransition(Seeding, Downloading))
	require.False(t, canTransition(Paused, AcquiringMetadata))
}

func TestCanTransitionErroredOnlyToStopped(t *testing.T) {
	require.True(t, canTransition(Errored, Stopped))
	require.False(t, canTransition(Errored, Downloading))
	require.False(t, canTransition(Errored, Paused))
}

func TestCanTransitionStoppedIsTerminal(t *testing.T) {
	for to := Starting; to <= Stopped; to++ {
		require.False(t, canTransition(Stopped, to))
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &transitionError{from: Seeding, to: Downloading}
	require.EqualError(t, err, "invalid status transition: seeding -> downloading")
}
