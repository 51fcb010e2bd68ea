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
	"crypto/sha1"
	"fmt"
	"strings"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/metainfo"
)

// ErrUnrequested is returned by OnBlockReceived for a block we never
// asked peerID for.
var ErrUnrequested = fmt.Errorf("block was not requested from this peer")

// OnBlockReceived records a block delivered by peerID. If it completes
// its piece, the piece is hashed and verified: on success the piece is
// written to disk and PieceVerified fires; on mismatch every block in
// the piece is discarded, its state resets to Missing, and PieceFailed
// fires.
func (m *Manager) OnBlockReceived(piece, begin int, data []byte, peerID core.PeerID) error {
	m.Lock()

	key := blockKey{piece, begin}
	var matched *request
	for _, r := range m.requests[key] {
		if r.peerID == peerID && r.status == StatusPending {
			matched = r
			break
		}
	}
	if matched == nil {
		m.Unlock()
		return ErrUnrequested
	}
	if len(data) != matched.length {
		m.Unlock()
		return fmt.Errorf("block %d/%d: expected length %d, got %d", piece, begin, matched.length, len(data))
	}
	matched.status = StatusReceived

	// Cancel any duplicate endgame requests for the same block still
	// outstanding to other peers.
	for _, r := range m.requests[key] {
		if r.peerID != peerID && r.status == StatusPending {
			r.status = StatusExpired
			m.cancellations = append(m.cancellations, Cancellation{
				PeerID: r.peerID,
				Piece:  piece,
				Begin:  begin,
				Length: r.length,
			})
		}
	}

	if m.received[piece] == nil {
		m.received[piece] = make(map[int]receivedBlock)
	}
	m.received[piece][begin] = receivedBlock{data: data, peerID: peerID}

	complete, err := m.pieceComplete(piece)
	if err != nil {
		m.Unlock()
		return err
	}
	if !complete {
		m.Unlock()
		return nil
	}

	assembled, err := m.assemblePiece(piece)
	m.Unlock()
	if err != nil {
		return err
	}

	return m.finishPiece(piece, assembled)
}

func (m *Manager) pieceComplete(index int) (bool, error) {
	n, err := m.numBlocks(index)
	if err != nil {
		return false, err
	}
	blocks := m.received[index]
	if blocks == nil {
		return false, nil
	}
	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		if _, ok := blocks[begin]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) assemblePiece(index int) ([]byte, error) {
	size, err := m.info.PieceSize(index)
	if err != nil {
		return nil, err
	}
	n, err := m.numBlocks(index)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, size)
	blocks := m.received[index]
	for b := 0; b < n; b++ {
		begin := b * int(m.config.BlockSize)
		buf = append(buf, blocks[begin].data...)
	}
	return buf, nil
}

// contributingPeersLocked returns the distinct peers that supplied a
// block for piece index. Caller must hold the lock.
func (m *Manager) contributingPeersLocked(index int) []core.PeerID {
	blocks := m.received[index]
	seen := make(map[core.PeerID]bool, len(blocks))
	peers := make([]core.PeerID, 0, len(blocks))
	for _, b := range blocks {
		if !seen[b.peerID] {
			seen[b.peerID] = true
			peers = append(peers, b.peerID)
		}
	}
	return peers
}

// finishPiece hashes an assembled piece, writes it to disk on success,
// and updates piece state either way. Called without the Manager lock
// held, since disk writes should not block other peers' scheduling.
func (m *Manager) finishPiece(index int, data []byte) error {
	expected, err := m.info.PieceHash(index)
	if err != nil {
		return err
	}
	got := sha1.Sum(data)

	m.Lock()
	if got != expected {
		offending := m.contributingPeersLocked(index)
		for _, p := range offending {
			m.peerFailures[p]++
		}
		m.pieceState[index] = PieceMissing
		m.received[index] = nil
		m.deleteRequestsForPiece(index)
		m.Unlock()
		m.events.PieceFailed(index, offending)
		return nil
	}
	m.Unlock()

	if err := m.writePiece(index, data); err != nil {
		return err
	}

	m.Lock()
	m.pieceState[index] = PieceVerified
	m.verified++
	m.received[index] = nil
	m.deleteRequestsForPiece(index)
	m.Unlock()

	m.events.PieceVerified(index)
	return nil
}

// deleteRequestsForPiece drops all request bookkeeping for index. Caller
// must hold the write lock.
func (m *Manager) deleteRequestsForPiece(index int) {
	for key := range m.requests {
		if key.piece == index {
			delete(m.requests, key)
		}
	}
	for _, pm := range m.requestsByPeer {
		for key := range pm {
			if key.piece == index {
				delete(pm, key)
			}
		}
	}
}

func (m *Manager) writePiece(index int, data []byte) error {
	for _, seg := range m.segmentMap.SegmentsForPiece(index) {
		entry := metainfo.FileEntry{Path: strings.Split(seg.FilePath, "/")}
		path := m.info.FilePath(m.outputDir, entry)
		start := seg.OffsetWithinPiece
		end := start + (seg.FileOffsetEnd - seg.FileOffsetStart)
		if err := m.disk.WriteBlock(path, seg.FileOffsetStart, data[start:end]); err != nil {
			return err
		}
	}
	return nil
}

