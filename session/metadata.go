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
	"fmt"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/metainfo"
)

// metadataPieceSize is BEP9's fixed ut_metadata piece size; only the
// final piece may be shorter.
const metadataPieceSize = 16 * 1024

// metadataAssembler accumulates a magnet torrent's info dictionary from
// ut_metadata piece responses across any number of peers, until every
// piece has arrived and the whole assembled exactly to the info-hash
// the magnet named.
type metadataAssembler struct {
	infoHash  core.InfoHash
	totalSize int
	pieces    [][]byte
	have      []bool
	numHave   int
}

func newMetadataAssembler(infoHash core.InfoHash) *metadataAssembler {
	return &metadataAssembler{infoHash: infoHash}
}

// SetTotalSize records the metadata_size a peer's extended handshake
// advertised, allocating piece slots accordingly. A later handshake
// reporting a different size is rejected, since that would mean two
// peers disagree about a value that should be fixed for the torrent.
func (a *metadataAssembler) SetTotalSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid metadata size: %d", n)
	}
	if a.totalSize != 0 {
		if a.totalSize != n {
			return fmt.Errorf("conflicting metadata size: have %d, peer reports %d", a.totalSize, n)
		}
		return nil
	}
	a.totalSize = n
	numPieces := (n + metadataPieceSize - 1) / metadataPieceSize
	a.pieces = make([][]byte, numPieces)
	a.have = make([]bool, numPieces)
	return nil
}

// NumPieces returns how many ut_metadata pieces make up the metadata, or
// 0 if SetTotalSize has not yet been called.
func (a *metadataAssembler) NumPieces() int {
	return len(a.pieces)
}

// NeedsPiece reports whether piece index has not yet been received.
func (a *metadataAssembler) NeedsPiece(index int) bool {
	if index < 0 || index >= len(a.have) {
		return false
	}
	return !a.have[index]
}

// AddPiece records a ut_metadata Data message's payload for piece index,
// returning true once every piece has arrived.
func (a *metadataAssembler) AddPiece(index int, data []byte) (bool, error) {
	if index < 0 || index >= len(a.pieces) {
		return false, fmt.Errorf("metadata piece index %d out of range", index)
	}
	if !a.have[index] {
		a.pieces[index] = data
		a.have[index] = true
		a.numHave++
	}
	return a.numHave == len(a.pieces), nil
}

// Assemble concatenates every piece in order and validates the result
// against the magnet's info-hash, completing BEP9's hybrid handshake.
func (a *metadataAssembler) Assemble(trackers []string) (*metainfo.MetaInfo, error) {
	buf := make([]byte, 0, a.totalSize)
	for _, p := range a.pieces {
		buf = append(buf, p...)
	}
	return metainfo.BuildFromInfoBytes(a.infoHash, buf, trackers)
}
