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
	"strings"

	"github.com/willf/bitset"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/metainfo"
	"github.com/ccbt-project/ccbt/peerwire"
)

// utMetadataLocalID and utPexLocalID are the extension ids this client
// assigns itself in its own extended handshake's "m" dictionary: per
// BEP10, these are the ids the REMOTE peer must use when sending us
// messages of that type, not the ids we use when sending to them (those
// come from the remote's own handshake, recorded per-peer below).
const (
	utMetadataLocalID byte = 1
	utPexLocalID      byte = 2
)

// peerHandle bundles one connected peer's wire connection with the
// state-machine bookkeeping and BEP10 extension ids needed to dispatch
// its messages.
type peerHandle struct {
	addr   string
	conn   *peerwire.Conn
	pc     *peerwire.PeerConn
	remote peerwire.HandshakeResult

	remoteUTMetadataID byte
	remoteUTPexID      byte
	hasUTMetadata      bool
	hasUTPex           bool
}

func newPeerHandle(addr string, r *peerwire.HandshakeResult) *peerHandle {
	ph := &peerHandle{
		addr:   addr,
		conn:   r.Conn,
		pc:     peerwire.NewPeerConn(r.Conn.PeerID(), r.Conn),
		remote: *r,
	}
	if r.RemoteSupportsExt {
		if id, ok := r.RemoteExtended.UTMetadataID(); ok {
			ph.remoteUTMetadataID = id
			ph.hasUTMetadata = true
		}
		if id, ok := r.RemoteExtended.UTPexID(); ok {
			ph.remoteUTPexID = id
			ph.hasUTPex = true
		}
	}
	return ph
}

// localExtendedHandshake builds the extended handshake this client sends,
// advertising ut_metadata (with metadataSize once known) plus ut_pex
// support.
func localExtendedHandshake(metadataSize int) peerwire.ExtendedHandshake {
	return peerwire.NewExtendedHandshakeWithPex(utMetadataLocalID, utPexLocalID, metadataSize, "ccbt/1.0")
}

// readUploadBlock reads the bytes a peer's Request message asked for,
// reconstructing the on-disk segment layout the same way piecemgr does
// when writing a verified piece.
func readUploadBlock(info metainfo.Info, outputDir string, disk *diskio.Disk, segmentMap diskio.FileSegmentMap, piece, begin, length int) ([]byte, error) {
	end := begin + length
	out := make([]byte, 0, length)
	for _, seg := range segmentMap.SegmentsForPiece(piece) {
		segStart := int(seg.OffsetWithinPiece)
		segLen := int(seg.FileOffsetEnd - seg.FileOffsetStart)
		segEnd := segStart + segLen
		if segEnd <= begin || segStart >= end {
			continue
		}
		readStart := max(begin, segStart)
		readEnd := min(end, segEnd)
		fileOffset := seg.FileOffsetStart + int64(readStart-segStart)
		entry := metainfo.FileEntry{Path: strings.Split(seg.FilePath, "/")}
		path := info.FilePath(outputDir, entry)
		data, err := disk.ReadBlock(path, fileOffset, int64(readEnd-readStart))
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// bitfieldFromBits decodes a BT wire Bitfield message's raw bytes into a
// bitset, high bit of byte 0 representing piece 0, per BEP3.
func bitfieldFromBits(bits []byte, numPieces int) *bitset.BitSet {
	bf := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(bits) {
			break
		}
		bitIdx := uint(7 - (i % 8))
		if bits[byteIdx]&(1<<bitIdx) != 0 {
			bf.Set(uint(i))
		}
	}
	return bf
}

// bitsFromBitfield is the inverse of bitfieldFromBits, used to send our
// own bitfield to a newly connected peer.
func bitsFromBitfield(bf *bitset.BitSet, numPieces int) []byte {
	bits := make([]byte, (numPieces+7)/8)
	for i, e := bf.NextSet(0); e; i, e = bf.NextSet(i + 1) {
		idx := int(i)
		if idx >= numPieces {
			break
		}
		bits[idx/8] |= 1 << uint(7-(idx%8))
	}
	return bits
}

// peerIDForCandidate returns the PeerID to pass to Handshaker.Initialize
// for p: the zero value unless p already carries a known peer id (e.g.
// from a previous PEX or manual entry), since the common discovery
// sources (tracker compact lists, DHT) never report one ahead of the
// handshake.
func peerIDForCandidate(p *core.PeerInfo) core.PeerID {
	return p.PeerID
}
