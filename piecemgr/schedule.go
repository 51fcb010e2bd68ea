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
package piecemgr

import (
	"github.com/willf/bitset"

	"github.com/ccbt-project/ccbt/core"
)

// NextRequest picks the next block to request from peerID, or ok=false
// if no suitable block is currently available (peer's pipeline is full,
// or peer has nothing we still need).
//
// Selection order:
//  1. Pieces already partially downloaded (state Requested), preferring
//     the one nearest completion, to minimize the number of pieces open
//     at once.
//  2. Otherwise the rarest piece peerID has that we are still missing.
//  3. In endgame (few pieces remain), blocks already in flight to another
//     peer become eligible too, as duplicate requests.
func (m *Manager) NextRequest(peerID core.PeerID) (piece, begin, length int, ok bool) {
	m.Lock()
	defer m.Unlock()

	if m.peerPipelineUsed(peerID) >= m.config.PerPeerPipeline {
		return 0, 0, 0, false
	}
	bf, hasBitfield := m.bitfields[peerID]
	if !hasBitfield {
		return 0, 0, 0, false
	}

	endgame := m.endgame()

	if idx, ok := m.pickInProgressPiece(peerID, bf, endgame); ok {
		if b, l, ok := m.pickBlock(idx, peerID, endgame); ok {
			return m.reserve(idx, b, l, peerID)
		}
	}

	if idx, ok := m.pickRarestMissingPiece(bf); ok {
		if m.pieceState[idx] == PieceMissing {
			m.pieceState[idx] = PieceRequested
		}
		if b, l, ok := m.pickBlock(idx, peerID, endgame); ok {
			return m.reserve(idx, b, l, peerID)
		}
	}

	return 0, 0, 0, false
}

func (m *Manager) peerPipelineUsed(peerID core.PeerID) int {
	n := 0
	for _, r := range m.requestsByPeer[peerID] {
		if r.status == StatusPending && !m.expired(r) {
			n++
		}
	}
	return n
}

// pickInProgressPiece returns a piece already in state Requested that
// peerID has, with the fewest remaining missing/unreceived blocks.
func (m *Manager) pickInProgressPiece(peerID core.PeerID, bf *bitset.BitSet, endgame bool) (int, bool) {
	best := -1
	bestRemaining := -1
	for i, s := range m.pieceState {
		if s != PieceRequested || !bf.Test(uint(i)) {
			continue
		}
		remaining, err := m.remainingBlocks(i)
		if err != nil || remaining == 0 {
			continue
		}
		if !endgame && m.distinctPeersInFlight(i, peerID) >= m.config.PerBlockPeerCap && !m.hasMissingBlock(i) {
			continue
		}
		if best == -1 || remaining < bestRemaining {
			best, bestRemaining = i, remaining
		}
	}
	return best, best != -1
}

// pickRarestMissingPiece returns the rarest piece peerID has that we
// have not started downloading yet.
func (m *Manager) pickRarestMissingPiece(bf *bitset.BitSet) (int, bool) {
	best := -1
	bestCount := -1
	for i, s := range m.pieceState {
		if s != PieceMissing || !bf.Test(uint(i)) {
			continue
		}
		count := m.numPeersByPiece.Get(i)
		if best == -1 || count < bestCount || (count == bestCount && i < best) {
			best, bestCount = i, count
		}
	}
	return best, best != -1
}

// remainingBlocks returns the number of blocks in piece index that have
// not been received yet, whether or not they are currently in flight.
func (m *Manager) remainingBlocks(index int) (int, error) {
	n, err := m.numBlocks(index)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		if m.received[index] != nil {
			if _, ok := m.received[index][begin]; ok {
				continue
			}
		}
		remaining++
	}
	return remaining, nil
}

func (m *Manager) hasMissingBlock(index int) bool {
	n, err := m.numBlocks(index)
	if err != nil {
		return false
	}
	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		if m.received[index] != nil {
			if _, ok := m.received[index][begin]; ok {
				continue
			}
		}
		if len(m.liveRequestsFor(index, begin)) == 0 {
			return true
		}
	}
	return false
}

func (m *Manager) liveRequestsFor(index, begin int) []*request {
	var live []*request
	for _, r := range m.requests[blockKey{index, begin}] {
		if r.status == StatusPending && !m.expired(r) {
			live = append(live, r)
		}
	}
	return live
}

func (m *Manager) distinctPeersInFlight(index int, exclude core.PeerID) int {
	n, err := m.numBlocks(index)
	if err != nil {
		return 0
	}
	peers := make(map[core.PeerID]bool)
	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		for _, r := range m.liveRequestsFor(index, begin) {
			if r.peerID != exclude {
				peers[r.peerID] = true
			}
		}
	}
	return len(peers)
}

// pickBlock chooses one block within piece index to request from peerID:
// a genuinely missing block if one exists, otherwise (in endgame) a
// block already in flight to a different peer.
func (m *Manager) pickBlock(index int, peerID core.PeerID, endgame bool) (begin, length int, ok bool) {
	n, err := m.numBlocks(index)
	if err != nil {
		return 0, 0, false
	}

	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		if m.received[index] != nil {
			if _, ok := m.received[index][begin]; ok {
				continue
			}
		}
		live := m.liveRequestsFor(index, begin)
		alreadyOurs := false
		for _, r := range live {
			if r.peerID == peerID {
				alreadyOurs = true
			}
		}
		if alreadyOurs {
			continue
		}
		if len(live) == 0 {
			length, err := m.blockLength(index, begin)
			if err != nil {
				continue
			}
			return begin, length, true
		}
		if endgame && len(live) < m.config.PerBlockPeerCap {
			length, err := m.blockLength(index, begin)
			if err != nil {
				continue
			}
			return begin, length, true
		}
	}
	return 0, 0, false
}

func (m *Manager) reserve(index, begin, length int, peerID core.PeerID) (int, int, int, bool) {
	key := blockKey{index, begin}
	r := &request{
		key:    key,
		length: length,
		peerID: peerID,
		status: StatusPending,
		sentAt: m.clock.Now(),
	}
	m.requests[key] = append(m.requests[key], r)
	if _, ok := m.requestsByPeer[peerID]; !ok {
		m.requestsByPeer[peerID] = make(map[blockKey]*request)
	}
	m.requestsByPeer[peerID][key] = r
	return index, begin, length, true
}

// OnBlockCancelledByTimeout marks an in-flight request expired, freeing
// its slot in the peer's pipeline and its piece's per-block peer cap.
func (m *Manager) OnBlockCancelledByTimeout(piece, begin int, peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()
	key := blockKey{piece, begin}
	for _, r := range m.requests[key] {
		if r.peerID == peerID && r.status == StatusPending {
			r.status = StatusExpired
		}
	}
}
