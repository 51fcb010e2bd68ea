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
	"net"
	"strconv"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

// handleQuery dispatches an incoming KRPC query from a remote node and
// replies with either a response or an error envelope. Every query of a
// supported method whose arguments decode updates the routing table: a node
// that can talk to us at all is evidence it's reachable.
func (s *Server) handleQuery(env *envelope, raddr *net.UDPAddr) {
	switch env.Q {
	case queryPing:
		s.handlePing(env, raddr)
	case queryFindNode:
		s.handleFindNode(env, raddr)
	case queryGetPeers:
		s.handleGetPeers(env, raddr)
	case queryAnnouncePeer:
		s.handleAnnouncePeer(env, raddr)
	default:
		s.replyError(env, raddr, 204, "unsupported method")
	}
}

func (s *Server) touchSender(id ID, raddr *net.UDPAddr) {
	now := s.clk.Now().UnixNano()
	n := &Node{ID: id, IP: raddr.IP, Port: raddr.Port, Good: true, LastSeen: now, Successful: 1}
	if !s.table.Insert(n) {
		s.table.MarkGood(id, now)
	}
}

func (s *Server) replyResult(env *envelope, raddr *net.UDPAddr, result interface{}) {
	r, err := bencode.Marshal(result)
	if err != nil {
		s.logger.Errorf("dht: marshal result: %s", err)
		return
	}
	resp := &envelope{T: env.T, Y: typeResponse, R: r}
	if err := s.send(resp, raddr); err != nil {
		s.logger.Debugf("dht: send response to %s: %s", raddr, err)
	}
}

func (s *Server) replyError(env *envelope, raddr *net.UDPAddr, code int, msg string) {
	ep := &errorPayload{Code: code, Message: msg}
	eb, err := ep.MarshalBencode()
	if err != nil {
		return
	}
	resp := &envelope{T: env.T, Y: typeError, E: eb}
	s.send(resp, raddr)
}

func (s *Server) handlePing(env *envelope, raddr *net.UDPAddr) {
	var args pingArgs
	if err := bencode.Unmarshal(env.A, &args); err != nil {
		s.replyError(env, raddr, 203, "bad ping args")
		return
	}
	s.touchSender(args.ID, raddr)
	s.replyResult(env, raddr, &pingResult{ID: s.self})
}

func (s *Server) handleFindNode(env *envelope, raddr *net.UDPAddr) {
	var args findNodeArgs
	if err := bencode.Unmarshal(env.A, &args); err != nil {
		s.replyError(env, raddr, 203, "bad find_node args")
		return
	}
	closest := s.table.Closest(args.Target, BucketSize)
	s.touchSender(args.ID, raddr)

	nodeBytes, _ := EncodeCompactNodes(closest)
	s.replyResult(env, raddr, &findNodeResult{ID: s.self, Nodes: nodeBytes})
}

func (s *Server) handleGetPeers(env *envelope, raddr *net.UDPAddr) {
	var args getPeersArgs
	if err := bencode.Unmarshal(env.A, &args); err != nil {
		s.replyError(env, raddr, 203, "bad get_peers args")
		return
	}
	closest := s.table.Closest(args.InfoHash, BucketSize)
	s.touchSender(args.ID, raddr)

	token := s.tokens.Issue(raddr.IP.String())

	s.mu.Lock()
	known := s.peers[args.InfoHash]
	s.mu.Unlock()

	result := &getPeersResult{ID: s.self, Token: token}
	if len(known) > 0 {
		peers := make([]*core.PeerInfo, 0, len(known))
		for _, p := range known {
			peers = append(peers, p)
		}
		values, err := encodeCompactPeerStrings(peers)
		if err == nil {
			result.Values = values
		}
	} else {
		nodeBytes, _ := EncodeCompactNodes(closest)
		result.Nodes = nodeBytes
	}
	s.replyResult(env, raddr, result)
}

func (s *Server) handleAnnouncePeer(env *envelope, raddr *net.UDPAddr) {
	var args announcePeerArgs
	if err := bencode.Unmarshal(env.A, &args); err != nil {
		s.replyError(env, raddr, 203, "bad announce_peer args")
		return
	}
	s.touchSender(args.ID, raddr)

	if !s.tokens.Valid(raddr.IP.String(), args.Token) {
		s.replyError(env, raddr, 203, "bad token")
		return
	}

	port := args.Port
	if args.ImpliedPort != 0 {
		port = raddr.Port
	}

	s.mu.Lock()
	if s.peers[args.InfoHash] == nil {
		s.peers[args.InfoHash] = make(map[string]*core.PeerInfo)
	}
	peerID := core.PeerID(args.ID)
	s.peers[args.InfoHash][net.JoinHostPort(raddr.IP.String(), strconv.Itoa(port))] =
		core.NewPeerInfo(peerID, raddr.IP.String(), port, core.SourceDHT)
	s.mu.Unlock()

	s.replyResult(env, raddr, &announcePeerResult{ID: s.self})
}

// encodeCompactPeerStrings turns peers into BEP 23 compact 6-byte strings,
// suitable for get_peers' "values" list.
func encodeCompactPeerStrings(peers []*core.PeerInfo) ([]string, error) {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		b := make([]byte, 6)
		copy(b, ip4)
		b[4] = byte(p.Port >> 8)
		b[5] = byte(p.Port)
		out = append(out, string(b))
	}
	return out, nil
}

func decodeCompactPeerStrings(values []string) ([]*core.PeerInfo, error) {
	peers := make([]*core.PeerInfo, 0, len(values))
	for _, v := range values {
		b := []byte(v)
		if len(b) != 6 {
			continue
		}
		ip := net.IPv4(b[0], b[1], b[2], b[3])
		port := int(b[4])<<8 | int(b[5])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip.String(), port, core.SourceDHT))
	}
	return peers, nil
}
