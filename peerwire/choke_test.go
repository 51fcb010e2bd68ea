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
package peerwire

import (
	"sync"
	"testing"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/core"
)

type recordingChokeEvents struct {
	mu      sync.Mutex
	choked  map[core.PeerID]bool
	unchoke map[core.PeerID]bool
}

func newRecordingChokeEvents() *recordingChokeEvents {
	return &recordingChokeEvents{
		choked:  make(map[core.PeerID]bool),
		unchoke: make(map[core.PeerID]bool),
	}
}

func (e *recordingChokeEvents) PeerChoked(peerID core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.choked[peerID] = true
}

func (e *recordingChokeEvents) PeerUnchoked(peerID core.PeerID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unchoke[peerID] = true
}

func fakePeer(rate float64) (*PeerConn, core.PeerID) {
	peerID := core.PeerIDFixture()
	p := NewPeerConn(peerID, nil)
	p.SetPeerInterested(true)
	p.RecordDownloaded(int64(rate))
	return p, peerID
}

func TestChokeManagerUnchokesTopByDownloadRate(t *testing.T) {
	events := newRecordingChokeEvents()
	m := NewChokeManager(ChokeConfig{MaxUnchoked: 2, RoundInterval: 1, OptimisticRounds: 1000}, clock.NewMock(), events)

	fast, fastID := fakePeer(1000)
	medium, mediumID := fakePeer(500)
	slow, slowID := fakePeer(10)

	m.AddPeer(fast)
	m.AddPeer(medium)
	m.AddPeer(slow)

	m.RunRoundNow()

	require.True(t, events.unchoke[fastID])
	require.True(t, events.unchoke[mediumID])
	require.True(t, events.choked[slowID])
}

func TestChokeManagerSkipsUninterestedPeers(t *testing.T) {
	events := newRecordingChokeEvents()
	m := NewChokeManager(ChokeConfig{MaxUnchoked: 5, RoundInterval: 1, OptimisticRounds: 1000}, clock.NewMock(), events)

	p := NewPeerConn(core.PeerIDFixture(), nil)
	// Not interested: should never be unchoked even with a high rate.
	p.RecordDownloaded(1000)
	m.AddPeer(p)

	m.RunRoundNow()

	require.True(t, events.choked[p.PeerID()])
	require.False(t, events.unchoke[p.PeerID()])
}

func TestChokeManagerOptimisticRotation(t *testing.T) {
	events := newRecordingChokeEvents()
	m := NewChokeManager(ChokeConfig{MaxUnchoked: 1, RoundInterval: 1, OptimisticRounds: 1}, clock.NewMock(), events)

	fast, _ := fakePeer(1000)
	p, peerID := fakePeer(0)
	m.AddPeer(fast)
	m.AddPeer(p)

	// Every round is an optimistic rotation round; the single merit slot
	// goes to the faster peer, so the only way this peer gets unchoked is
	// via the optimistic slot.
	m.RunRoundNow()

	require.True(t, events.unchoke[peerID])
	require.True(t, p.Optimistic())
}

func TestChokeManagerAddRemovePeer(t *testing.T) {
	events := newRecordingChokeEvents()
	m := NewChokeManager(ChokeConfig{}, clock.NewMock(), events)

	p, peerID := fakePeer(100)
	m.AddPeer(p)
	m.RemovePeer(peerID)

	m.RunRoundNow()

	require.False(t, events.choked[peerID])
	require.False(t, events.unchoke[peerID])
}
