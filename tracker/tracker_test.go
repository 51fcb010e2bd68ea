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
package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/core"
)

func TestDecodeCompactPeers(t *testing.T) {
	b := []byte{1, 2, 3, 4, 0x1a, 0xe1, 5, 6, 7, 8, 0x1a, 0xe2}
	peers, err := DecodeCompactPeers(b)
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "1.2.3.4", peers[0].IP)
	require.Equal(t, 6881, peers[0].Port)
	require.Equal(t, "5.6.7.8", peers[1].IP)
	require.Equal(t, 6882, peers[1].Port)
}

func TestDecodeCompactPeersInvalidLength(t *testing.T) {
	_, err := DecodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeDecodeCompactPeersRoundTrip(t *testing.T) {
	peers := []*core.PeerInfo{
		core.NewPeerInfo(core.PeerID{}, "10.0.0.1", 6881, SourceForTest),
		core.NewPeerInfo(core.PeerID{}, "10.0.0.2", 6882, SourceForTest),
	}
	b, err := EncodeCompactPeers(peers)
	require.NoError(t, err)
	decoded, err := DecodeCompactPeers(b)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", decoded[0].IP)
	require.Equal(t, 6881, decoded[0].Port)
	require.Equal(t, "10.0.0.2", decoded[1].IP)
	require.Equal(t, 6882, decoded[1].Port)
}

// SourceForTest avoids importing core's own source constants twice in this
// file's literal calls.
const SourceForTest = core.SourceTracker

func TestSessionNextAnnounceIntervalDefault(t *testing.T) {
	s := NewSession("http://tracker.example/announce", 0, Config{})
	require.Equal(t, 30*time.Minute, s.NextAnnounceInterval())
}

func TestSessionRecordSuccessUsesMinInterval(t *testing.T) {
	s := NewSession("http://tracker.example/announce", 0, Config{})
	s.RecordSuccess(time.Now(), &AnnounceResponse{
		Interval:    10 * time.Minute,
		MinInterval: 20 * time.Minute,
	})
	require.Equal(t, 20*time.Minute, s.NextAnnounceInterval())
	require.Equal(t, 0, s.FailureCount())
}

func TestSessionBackoffCapped(t *testing.T) {
	s := NewSession("http://tracker.example/announce", 0, Config{
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Minute,
	})
	require.Equal(t, time.Duration(0), s.NextBackoff())

	for i := 0; i < 20; i++ {
		s.RecordFailure(time.Now())
	}
	require.Equal(t, 5*time.Minute, s.NextBackoff())
	require.Equal(t, 20, s.FailureCount())
}

func TestSessionBackoffGrowsMonotonically(t *testing.T) {
	s := NewSession("http://tracker.example/announce", 0, Config{
		MinBackoff: time.Second,
		MaxBackoff: 5 * time.Minute,
	})
	var prev time.Duration
	for i := 0; i < 5; i++ {
		s.RecordFailure(time.Now())
		cur := s.NextBackoff()
		require.GreaterOrEqual(t, cur, prev)
		prev = cur
	}
}
