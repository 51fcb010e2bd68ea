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
	"fmt"
	"net"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

// ExtendedHandshakeID is the reserved extended message id (0) used only
// for the initial extended handshake, per BEP10.
const ExtendedHandshakeID byte = 0

// utMetadataName is the extension name peers agree on for BEP9 metadata
// exchange within the BEP10 "m" dictionary.
const utMetadataName = "ut_metadata"

// utPexName is the extension name peers agree on for BEP11 peer exchange
// within the BEP10 "m" dictionary.
const utPexName = "ut_pex"

// ExtendedHandshake is the BEP10 extended handshake payload.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int             `bencode:"metadata_size,omitempty"`
	Version      string          `bencode:"v,omitempty"`
}

// UTMetadataID returns the peer-assigned id for the ut_metadata
// extension, or ok=false if the peer does not support it.
func (h ExtendedHandshake) UTMetadataID() (byte, bool) {
	id, ok := h.M[utMetadataName]
	if !ok || id == 0 {
		return 0, false
	}
	return byte(id), true
}

// UTPexID returns the peer-assigned id for the ut_pex extension, or
// ok=false if the peer does not support it.
func (h ExtendedHandshake) UTPexID() (byte, bool) {
	id, ok := h.M[utPexName]
	if !ok || id == 0 {
		return 0, false
	}
	return byte(id), true
}

// NewExtendedHandshake builds the local extended handshake advertising
// ut_metadata support and, once known, the metadata's total size.
func NewExtendedHandshake(localUTMetadataID byte, metadataSize int, version string) ExtendedHandshake {
	return ExtendedHandshake{
		M:            map[string]int{utMetadataName: int(localUTMetadataID)},
		MetadataSize: metadataSize,
		Version:      version,
	}
}

// NewExtendedHandshakeWithPex builds the local extended handshake
// advertising both ut_metadata and ut_pex support.
func NewExtendedHandshakeWithPex(localUTMetadataID, localUTPexID byte, metadataSize int, version string) ExtendedHandshake {
	return ExtendedHandshake{
		M: map[string]int{
			utMetadataName: int(localUTMetadataID),
			utPexName:      int(localUTPexID),
		},
		MetadataSize: metadataSize,
		Version:      version,
	}
}

// MarshalExtendedHandshake bencodes h for use as an Extended message's
// payload with ExtendedID == ExtendedHandshakeID.
func MarshalExtendedHandshake(h ExtendedHandshake) ([]byte, error) {
	return bencode.Marshal(h)
}

// UnmarshalExtendedHandshake decodes an Extended message payload into an
// ExtendedHandshake.
func UnmarshalExtendedHandshake(data []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	err := bencode.Unmarshal(data, &h)
	return h, err
}

// UTMetadataMsgType enumerates the BEP9 ut_metadata message kinds.
type UTMetadataMsgType int

// BEP9 message types.
const (
	UTMetadataRequest UTMetadataMsgType = 0
	UTMetadataData    UTMetadataMsgType = 1
	UTMetadataReject  UTMetadataMsgType = 2
)

// utMetadataHeader is the bencoded dict prefixed to a ut_metadata
// message; a Data message's raw metadata piece bytes follow it
// immediately in the same Extended message payload, outside the
// bencoded dict.
type utMetadataHeader struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// MarshalUTMetadataRequest builds the payload for requesting metadata
// piece index from a peer.
func MarshalUTMetadataRequest(piece int) ([]byte, error) {
	return bencode.Marshal(utMetadataHeader{MsgType: int(UTMetadataRequest), Piece: piece})
}

// MarshalUTMetadataReject builds the payload rejecting a metadata piece
// request.
func MarshalUTMetadataReject(piece int) ([]byte, error) {
	return bencode.Marshal(utMetadataHeader{MsgType: int(UTMetadataReject), Piece: piece})
}

// MarshalUTMetadataData builds the payload for piece index's data: the
// bencoded header followed immediately by the raw piece bytes.
func MarshalUTMetadataData(piece, totalSize int, data []byte) ([]byte, error) {
	header, err := bencode.Marshal(utMetadataHeader{
		MsgType:   int(UTMetadataData),
		Piece:     piece,
		TotalSize: totalSize,
	})
	if err != nil {
		return nil, err
	}
	return append(header, data...), nil
}

// UTMetadataMessage is a parsed ut_metadata extension message.
type UTMetadataMessage struct {
	Type      UTMetadataMsgType
	Piece     int
	TotalSize int
	Data      []byte // only set for UTMetadataData
}

// UnmarshalUTMetadataMessage parses payload, which is a bencoded header
// optionally followed by raw piece data (only for Data messages). The
// header dict is first recovered verbatim via bencode.RawMessage, since
// bencode dicts are self-delimiting; whatever bytes follow it are the
// piece payload.
func UnmarshalUTMetadataMessage(payload []byte) (UTMetadataMessage, error) {
	var raw bencode.RawMessage
	if err := bencode.Unmarshal(payload, &raw); err != nil {
		return UTMetadataMessage{}, fmt.Errorf("split ut_metadata header: %w", err)
	}

	var header utMetadataHeader
	if err := bencode.Unmarshal(raw, &header); err != nil {
		return UTMetadataMessage{}, fmt.Errorf("decode ut_metadata header: %w", err)
	}

	msg := UTMetadataMessage{
		Type:      UTMetadataMsgType(header.MsgType),
		Piece:     header.Piece,
		TotalSize: header.TotalSize,
	}
	if msg.Type == UTMetadataData {
		msg.Data = payload[len(raw):]
	}
	return msg, nil
}

// PexFlags are the per-peer bits carried in a ut_pex message's "added.f"
// string, one byte per peer in "added", per BEP11.
type PexFlags byte

// BEP11 added.f bits.
const (
	PexPrefersEncryption PexFlags = 1 << 0
	PexSeedOrUploadOnly  PexFlags = 1 << 1
	PexSupportsUTP       PexFlags = 1 << 2
	PexOutgoingConn      PexFlags = 1 << 3
)

// PexPeer pairs a compact address with its flags for marshaling.
type PexPeer struct {
	IP    string
	Port  int
	Flags PexFlags
}

// pexMessage is the bencoded ut_pex payload shape. IPv6 peers
// (added6/dropped6) are not produced locally and are ignored on decode;
// this repo's transport and discovery layers are IPv4-only throughout
// (see the compact node/peer encodings in tracker and dht).
type pexMessage struct {
	Added    string `bencode:"added"`
	AddedF   string `bencode:"added.f,omitempty"`
	Dropped  string `bencode:"dropped,omitempty"`
	Added6   string `bencode:"added6,omitempty"`
	Dropped6 string `bencode:"dropped6,omitempty"`
}

// PexMessage is a parsed ut_pex extension message: peers the sender has
// connected to since the last message (Added, with per-peer Flags) and
// peers it has since disconnected from (Dropped).
type PexMessage struct {
	Added   []*core.PeerInfo
	Flags   []PexFlags
	Dropped []*core.PeerInfo
}

func net4(ip string) net.IP {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil
	}
	return parsed.To4()
}

func netIPFrom4(b []byte) string {
	return net.IPv4(b[0], b[1], b[2], b[3]).String()
}

func encodeCompactPexPeers(peers []PexPeer) (addrs, flags []byte) {
	addrs = make([]byte, 0, len(peers)*6)
	flags = make([]byte, 0, len(peers))
	for _, p := range peers {
		ip := net4(p.IP)
		if ip == nil {
			continue
		}
		addrs = append(addrs, ip...)
		addrs = append(addrs, byte(p.Port>>8), byte(p.Port))
		flags = append(flags, byte(p.Flags))
	}
	return addrs, flags
}

func decodeCompactPexPeers(addrs []byte, flags []byte) ([]*core.PeerInfo, []PexFlags, error) {
	if len(addrs)%6 != 0 {
		return nil, nil, fmt.Errorf("ut_pex: compact peer list length %d not a multiple of 6", len(addrs))
	}
	n := len(addrs) / 6
	peers := make([]*core.PeerInfo, 0, n)
	fl := make([]PexFlags, 0, n)
	for i := 0; i < n; i++ {
		b := addrs[i*6 : i*6+6]
		ip := netIPFrom4(b[0:4])
		port := int(b[4])<<8 | int(b[5])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, port, core.SourcePEX))
		if i < len(flags) {
			fl = append(fl, PexFlags(flags[i]))
		} else {
			fl = append(fl, 0)
		}
	}
	return peers, fl, nil
}

// MarshalPexMessage builds the ut_pex payload announcing added (with
// flags) and dropped peers since the last message sent to this peer.
func MarshalPexMessage(added []PexPeer, dropped []PexPeer) ([]byte, error) {
	addedAddrs, addedFlags := encodeCompactPexPeers(added)
	droppedAddrs, _ := encodeCompactPexPeers(dropped)
	msg := pexMessage{
		Added:   string(addedAddrs),
		AddedF:  string(addedFlags),
		Dropped: string(droppedAddrs),
	}
	return bencode.Marshal(msg)
}

// NewPexPeer builds the wire-level pairing of an address with its flags
// for use with MarshalPexMessage.
func NewPexPeer(ip string, port int, flags PexFlags) PexPeer {
	return PexPeer{IP: ip, Port: port, Flags: flags}
}

// UnmarshalPexMessage decodes a ut_pex extension message payload.
func UnmarshalPexMessage(payload []byte) (PexMessage, error) {
	var msg pexMessage
	if err := bencode.Unmarshal(payload, &msg); err != nil {
		return PexMessage{}, fmt.Errorf("decode ut_pex message: %w", err)
	}
	added, flags, err := decodeCompactPexPeers([]byte(msg.Added), []byte(msg.AddedF))
	if err != nil {
		return PexMessage{}, fmt.Errorf("decode ut_pex added: %w", err)
	}
	dropped, _, err := decodeCompactPexPeers([]byte(msg.Dropped), nil)
	if err != nil {
		return PexMessage{}, fmt.Errorf("decode ut_pex dropped: %w", err)
	}
	return PexMessage{Added: added, Flags: flags, Dropped: dropped}, nil
}
