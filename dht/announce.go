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

import "github.com/ccbt-project/ccbt/core"

// Announce performs a full trackerless announce cycle for infoHash: an
// iterative get_peers lookup, followed by announce_peer to the (up to 8)
// closest nodes that returned a token, within that token's lifetime.
// Returns the peers discovered during the lookup.
func (s *Server) Announce(infoHash ID, port int, impliedPort bool) []*core.PeerInfo {
	result := s.GetPeersLookup(infoHash)
	for _, n := range result.Announceable {
		go func(n *Node) {
			if err := s.AnnouncePeer(n, infoHash, port, impliedPort); err != nil {
				s.logger.Debugf("dht: announce_peer to %s failed: %s", n.Addr(), err)
			}
		}(n)
	}
	return result.Peers
}
