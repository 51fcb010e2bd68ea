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
package core

import (
	"net"
	"sort"
	"strconv"
)

// PeerSource identifies which discovery mechanism surfaced a PeerInfo.
// Sessions prefer fresher sources when deduplicating addresses discovered
// through multiple channels for the same swarm.
type PeerSource string

// Peer discovery sources.
const (
	SourceTracker PeerSource = "tracker"
	SourceDHT     PeerSource = "dht"
	SourcePEX     PeerSource = "pex"
	SourceManual  PeerSource = "manual"
)

// PeerInfo defines a candidate peer address for a single torrent, tagged
// with the mechanism that discovered it.
type PeerInfo struct {
	PeerID PeerID     `json:"peer_id"`
	IP     string     `json:"ip"`
	Port   int        `json:"port"`
	Source PeerSource `json:"source"`
}

// NewPeerInfo creates a new PeerInfo.
func NewPeerInfo(peerID PeerID, ip string, port int, source PeerSource) *PeerInfo {
	return &PeerInfo{
		PeerID: peerID,
		IP:     ip,
		Port:   port,
		Source: source,
	}
}

// PeerInfoFromContext derives a PeerInfo describing the local client from a
// PeerContext, e.g. for announcing ourselves over PEX.
func PeerInfoFromContext(pctx PeerContext, source PeerSource) *PeerInfo {
	return NewPeerInfo(pctx.PeerID, pctx.IP, pctx.Port, source)
}

// Addr returns the "ip:port" dial address for p.
func (p *PeerInfo) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

// PeerInfos groups PeerInfo structs for sorting.
type PeerInfos []*PeerInfo

// Len for sorting.
func (s PeerInfos) Len() int { return len(s) }

// Swap for sorting.
func (s PeerInfos) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

// PeersByPeerID sorts PeerInfos by peer id.
type PeersByPeerID struct{ PeerInfos }

// Less for sorting.
func (s PeersByPeerID) Less(i, j int) bool {
	return s.PeerInfos[i].PeerID.LessThan(s.PeerInfos[j].PeerID)
}

// SortedByPeerID returns a copy of peers which has been sorted by peer id.
func SortedByPeerID(peers []*PeerInfo) []*PeerInfo {
	c := make([]*PeerInfo, len(peers))
	copy(c, peers)
	sort.Sort(PeersByPeerID{PeerInfos(c)})
	return c
}

// DedupePeerInfos removes duplicate addresses from peers, keeping the first
// occurrence (callers should order peers by source preference beforehand).
func DedupePeerInfos(peers []*PeerInfo) []*PeerInfo {
	seen := make(map[string]bool, len(peers))
	out := make([]*PeerInfo, 0, len(peers))
	for _, p := range peers {
		addr := p.Addr()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, p)
	}
	return out
}
