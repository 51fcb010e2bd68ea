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
package dht

import (
	"fmt"
	"math/rand"

	"github.com/ccbt-project/ccbt/bencode"
)

func (s *Server) recordOutcome(n *Node, err error) {
	now := s.clk.Now().UnixNano()
	if err != nil {
		s.table.MarkBad(n.ID)
		return
	}
	if !s.table.Insert(n) {
		s.table.MarkGood(n.ID, now)
	}
}

// Ping checks that n is reachable.
func (s *Server) Ping(n *Node) error {
	resp, err := s.query(queryPing, &pingArgs{ID: s.self}, n.Addr())
	s.recordOutcome(n, err)
	if err != nil {
		return err
	}
	var result pingResult
	return bencode.Unmarshal(resp.R, &result)
}

// FindNode asks n for the nodes closest to target it knows about.
func (s *Server) FindNode(n *Node, target ID) ([]*Node, error) {
	resp, err := s.query(queryFindNode, &findNodeArgs{ID: s.self, Target: target}, n.Addr())
	s.recordOutcome(n, err)
	if err != nil {
		return nil, err
	}
	var result findNodeResult
	if err := bencode.Unmarshal(resp.R, &result); err != nil {
		return nil, fmt.Errorf("decode find_node response: %s", err)
	}
	return DecodeCompactNodes(result.Nodes)
}

// GetPeers asks n for peers downloading infoHash, or failing that, nodes
// closer to it. The returned token (if any) must be passed to a later
// AnnouncePeer to n for the same infoHash.
func (s *Server) GetPeers(n *Node, infoHash ID) (*getPeersResult, []*Node, error) {
	resp, err := s.query(queryGetPeers, &getPeersArgs{ID: s.self, InfoHash: infoHash}, n.Addr())
	s.recordOutcome(n, err)
	if err != nil {
		return nil, nil, err
	}
	var result getPeersResult
	if err := bencode.Unmarshal(resp.R, &result); err != nil {
		return nil, nil, fmt.Errorf("decode get_peers response: %s", err)
	}
	if result.Token != "" {
		s.remoteToks.Store(n.ID, infoHash, result.Token)
	}
	var nodes []*Node
	if len(result.Nodes) > 0 {
		nodes, _ = DecodeCompactNodes(result.Nodes)
	}
	return &result, nodes, nil
}

// AnnouncePeer tells n that we (or, if impliedPort, our source port as seen
// by n) are downloading infoHash on port. Requires a token previously
// obtained from n via GetPeers for the same infoHash.
func (s *Server) AnnouncePeer(n *Node, infoHash ID, port int, impliedPort bool) error {
	token, ok := s.remoteToks.Get(n.ID, infoHash)
	if !ok {
		return fmt.Errorf("dht: no token held for node %s / info_hash %s", n.ID, infoHash)
	}
	args := &announcePeerArgs{
		ID:       s.self,
		InfoHash: infoHash,
		Port:     port,
		Token:    token,
	}
	if impliedPort {
		args.ImpliedPort = 1
	}
	resp, err := s.query(queryAnnouncePeer, args, n.Addr())
	s.recordOutcome(n, err)
	if err != nil {
		return err
	}
	var result announcePeerResult
	return bencode.Unmarshal(resp.R, &result)
}

// Bootstrap seeds the routing table from a set of well-known node addresses
// by pinging each and letting a successful reply insert it.
func (s *Server) Bootstrap(nodes []*Node) {
	for _, n := range nodes {
		go s.Ping(n)
	}
}

func randomID() ID {
	var id ID
	for i := range id {
		id[i] = byte(rand.Intn(256))
	}
	return id
}

// randomIDInBucket returns a random ID sharing exactly prefixIdx leading
// bits with self (and differing at bit prefixIdx), so a find_node for it
// actually probes the distance range owned by bucket prefixIdx.
func randomIDInBucket(self ID, prefixIdx int) ID {
	id := randomID()
	for bit := 0; bit < prefixIdx; bit++ {
		setBit(&id, bit, getBit(self, bit))
	}
	setBit(&id, prefixIdx, 1-getBit(self, prefixIdx))
	return id
}

func getBit(id ID, bit int) int {
	byteIdx := bit / 8
	shift := 7 - uint(bit%8)
	return int((id[byteIdx] >> shift) & 1)
}

func setBit(id *ID, bit int, value int) {
	byteIdx := bit / 8
	shift := 7 - uint(bit%8)
	if value != 0 {
		id[byteIdx] |= 1 << shift
	} else {
		id[byteIdx] &^= 1 << shift
	}
}
