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

// Package events defines the typed events a Session publishes over its
// lifetime and the Bus that fans them out to registered consumers
// (dashboards, logging sinks, the Session Manager's aggregate stats).
package events

import (
	"time"

	"github.com/ccbt-project/ccbt/core"
)

// Kind identifies the type of a Session lifecycle event.
type Kind string

// Session event kinds.
const (
	MetadataComplete Kind = "metadata_complete"
	PieceVerified    Kind = "piece_verified"
	PieceFailed      Kind = "piece_failed"
	DownloadComplete Kind = "download_complete"
	Error            Kind = "error"
	StatusTick       Kind = "status_tick"
)

// Event consolidates every field any event kind may carry. Only the
// fields relevant to Kind are populated.
type Event struct {
	Kind     Kind
	InfoHash core.InfoHash
	Time     time.Time

	// PieceVerified, PieceFailed.
	Piece int

	// PieceFailed: the peers that contributed a block to the piece that
	// failed its hash check.
	OffendingPeers []core.PeerID

	// Error.
	ErrKind string
	Err     error

	// StatusTick.
	Status string
}

func newEvent(kind Kind, infoHash core.InfoHash) Event {
	return Event{Kind: kind, InfoHash: infoHash, Time: time.Now()}
}

// NewMetadataComplete returns a MetadataComplete event for infoHash.
func NewMetadataComplete(infoHash core.InfoHash) Event {
	return newEvent(MetadataComplete, infoHash)
}

// NewPieceVerified returns a PieceVerified event for piece index.
func NewPieceVerified(infoHash core.InfoHash, piece int) Event {
	e := newEvent(PieceVerified, infoHash)
	e.Piece = piece
	return e
}

// NewPieceFailed returns a PieceFailed event for piece index, naming the
// peers that contributed a block to it.
func NewPieceFailed(infoHash core.InfoHash, piece int, offendingPeers []core.PeerID) Event {
	e := newEvent(PieceFailed, infoHash)
	e.Piece = piece
	e.OffendingPeers = offendingPeers
	return e
}

// NewDownloadComplete returns a DownloadComplete event for infoHash.
func NewDownloadComplete(infoHash core.InfoHash) Event {
	return newEvent(DownloadComplete, infoHash)
}

// NewError returns an Error event carrying errKind's classification.
func NewError(infoHash core.InfoHash, errKind string, err error) Event {
	e := newEvent(Error, infoHash)
	e.ErrKind = errKind
	e.Err = err
	return e
}

// NewStatusTick returns a StatusTick event reporting status.
func NewStatusTick(infoHash core.InfoHash, status string) Event {
	e := newEvent(StatusTick, infoHash)
	e.Status = status
	return e
}
