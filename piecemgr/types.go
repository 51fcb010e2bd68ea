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

// Package piecemgr owns all piece/block state for one torrent: block
// request scheduling (rarest-first with piece-completion preference and
// endgame duplication), received-block assembly, and SHA-1 verification.
package piecemgr

import (
	"time"

	"github.com/ccbt-project/ccbt/core"
)

// DefaultBlockSize is the standard BitTorrent block request size.
const DefaultBlockSize = 16 * 1024

// PieceState is the lifecycle state of one piece.
type PieceState int

// Piece states. Missing -> Requested -> {Verified, Failed}; Failed
// automatically resets to Missing to allow re-attempt.
const (
	PieceMissing PieceState = iota
	PieceRequested
	PieceVerified
	PieceFailed
)

func (s PieceState) String() string {
	switch s {
	case PieceRequested:
		return "requested"
	case PieceVerified:
		return "verified"
	case PieceFailed:
		return "failed"
	default:
		return "missing"
	}
}

// BlockRequest is a block currently in flight to a peer.
type BlockRequest struct {
	Piece  int
	Begin  int
	Length int
	PeerID core.PeerID
	SentAt time.Time
}

// Cancellation is a previously-sent duplicate request that should be
// cancelled because another peer's copy of the same block already
// arrived (endgame mode only).
type Cancellation struct {
	PeerID core.PeerID
	Piece  int
	Begin  int
	Length int
}

// EventSink receives piece-level verification outcomes. The Session (C8)
// implements this to bridge into the event bus (C12). offendingPeers on
// PieceFailed names every peer that contributed a block to the piece
// that failed its hash check, so a consumer can penalize them.
type EventSink interface {
	PieceVerified(index int)
	PieceFailed(index int, offendingPeers []core.PeerID)
}

// NoopEventSink discards every event; useful in tests.
type NoopEventSink struct{}

// PieceVerified implements EventSink.
func (NoopEventSink) PieceVerified(index int) {}

// PieceFailed implements EventSink.
func (NoopEventSink) PieceFailed(index int, offendingPeers []core.PeerID) {}
