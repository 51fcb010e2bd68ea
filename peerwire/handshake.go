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

// Package peerwire implements the BitTorrent peer wire protocol: the
// handshake, message framing, per-connection state machine, choke/
// interest policy, and the BEP10/BEP9 extension handshake used to fetch
// metadata from magnet links.
package peerwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ccbt-project/ccbt/core"
)

const protocolName = "BitTorrent protocol"

// Reserved byte bit flags, per BEP4/BEP5/BEP10.
const (
	reservedDHTBit  = 0x01 // byte 7, bit 0
	reservedFastBit = 0x04 // byte 7, bit 2
	reservedExtBit  = 0x10 // byte 5, bit 4 (BEP10 extension protocol)
)

// Handshake is the fixed 68-byte message exchanged before any other
// traffic on a peer connection.
type Handshake struct {
	Reserved [8]byte
	InfoHash core.InfoHash
	PeerID   core.PeerID
}

// NewHandshake builds a Handshake advertising the extension protocol and,
// optionally, DHT support.
func NewHandshake(infoHash core.InfoHash, peerID core.PeerID, dht bool) Handshake {
	var h Handshake
	h.Reserved[5] |= reservedExtBit
	if dht {
		h.Reserved[7] |= reservedDHTBit
	}
	h.InfoHash = infoHash
	h.PeerID = peerID
	return h
}

// SupportsExtended reports whether the peer advertised BEP10 extension
// protocol support.
func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&reservedExtBit != 0
}

// SupportsDHT reports whether the peer advertised BEP5 DHT support.
func (h Handshake) SupportsDHT() bool {
	return h.Reserved[7]&reservedDHTBit != 0
}

// WriteHandshake writes h's 68-byte wire form to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, 68)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake

	var pstrlen [1]byte
	if _, err := io.ReadFull(r, pstrlen[:]); err != nil {
		return h, fmt.Errorf("read pstrlen: %w", err)
	}
	if int(pstrlen[0]) != len(protocolName) {
		return h, fmt.Errorf("unexpected protocol name length: %d", pstrlen[0])
	}

	pstr := make([]byte, pstrlen[0])
	if _, err := io.ReadFull(r, pstr); err != nil {
		return h, fmt.Errorf("read pstr: %w", err)
	}
	if !bytes.Equal(pstr, []byte(protocolName)) {
		return h, fmt.Errorf("unexpected protocol name: %q", pstr)
	}

	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, fmt.Errorf("read reserved bytes: %w", err)
	}

	var infoHash [20]byte
	if _, err := io.ReadFull(r, infoHash[:]); err != nil {
		return h, fmt.Errorf("read info hash: %w", err)
	}
	ih, err := core.NewInfoHashFromRaw(infoHash[:])
	if err != nil {
		return h, err
	}
	h.InfoHash = ih

	var peerID [20]byte
	if _, err := io.ReadFull(r, peerID[:]); err != nil {
		return h, fmt.Errorf("read peer id: %w", err)
	}
	copy(h.PeerID[:], peerID[:])

	return h, nil
}
