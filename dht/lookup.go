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
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ccbt-project/ccbt/core"
)

// LookupResult is the outcome of an iterative get_peers lookup: the peers
// found (deduplicated), and the closest nodes seen, each carrying the token
// needed to announce_peer to it (if one was returned).
type LookupResult struct {
	Peers []*core.PeerInfo
	// Announceable holds the closest nodes we obtained a token from, in
	// closest-first order, ready for AnnouncePeer.
	Announceable []*Node
}

type lookupCandidate struct {
	node    *Node
	queried bool
}

// GetPeersLookup performs BEP 5's iterative get_peers: query the alpha
// closest un-queried nodes known so far, merge in any closer nodes they
// return, and repeat until the closest known set stabilizes or the round
// horizon is reached.
func (s *Server) GetPeersLookup(infoHash ID) *LookupResult {
	target := infoHash

	seen := make(map[ID]*lookupCandidate)
	var mu sync.Mutex

	addCandidate := func(n *Node) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := seen[n.ID]; !ok {
			seen[n.ID] = &lookupCandidate{node: n}
		}
	}

	for _, n := range s.table.Closest(target, BucketSize) {
		addCandidate(n)
	}

	var peerResults []*core.PeerInfo
	var announceable []*Node

	prevClosest := ""
	for round := 0; round < s.config.LookupRounds; round++ {
		mu.Lock()
		var unqueried []*Node
		for _, c := range seen {
			if !c.queried {
				unqueried = append(unqueried, c.node)
			}
		}
		sort.Slice(unqueried, func(i, j int) bool {
			return target.Distance(unqueried[i].ID).Less(target.Distance(unqueried[j].ID))
		})
		if len(unqueried) > s.config.LookupAlpha {
			unqueried = unqueried[:s.config.LookupAlpha]
		}
		mu.Unlock()

		if len(unqueried) == 0 {
			break
		}

		var g errgroup.Group
		for _, n := range unqueried {
			mu.Lock()
			seen[n.ID].queried = true
			mu.Unlock()

			n := n
			g.Go(func() error {
				result, nodes, err := s.GetPeers(n, target)
				if err != nil {
					// A single unresponsive node never fails the round: the
					// lookup just proceeds with whatever the other alpha
					// queries returned.
					return nil
				}
				if len(result.Values) > 0 {
					decoded, _ := decodeCompactPeerStrings(result.Values)
					mu.Lock()
					peerResults = append(peerResults, decoded...)
					if result.Token != "" {
						announceable = append(announceable, n)
					}
					mu.Unlock()
				} else if result.Token != "" {
					mu.Lock()
					announceable = append(announceable, n)
					mu.Unlock()
				}
				for _, candidate := range nodes {
					addCandidate(candidate)
				}
				return nil
			})
		}
		g.Wait()

		mu.Lock()
		closest := closestIDsLocked(seen, target, BucketSize)
		mu.Unlock()
		signature := closestSignature(closest)
		if signature == prevClosest {
			break
		}
		prevClosest = signature
	}

	sort.Slice(announceable, func(i, j int) bool {
		return target.Distance(announceable[i].ID).Less(target.Distance(announceable[j].ID))
	})
	if len(announceable) > BucketSize {
		announceable = announceable[:BucketSize]
	}

	return &LookupResult{Peers: dedupPeers(peerResults), Announceable: announceable}
}

func closestIDsLocked(seen map[ID]*lookupCandidate, target ID, k int) []ID {
	nodes := make([]*Node, 0, len(seen))
	for _, c := range seen {
		nodes = append(nodes, c.node)
	}
	sort.Slice(nodes, func(i, j int) bool {
		return target.Distance(nodes[i].ID).Less(target.Distance(nodes[j].ID))
	})
	if len(nodes) > k {
		nodes = nodes[:k]
	}
	ids := make([]ID, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func closestSignature(ids []ID) string {
	s := ""
	for _, id := range ids {
		s += id.String()
	}
	return s
}

func dedupPeers(peers []*core.PeerInfo) []*core.PeerInfo {
	seen := make(map[string]bool)
	var out []*core.PeerInfo
	for _, p := range peers {
		key := fmt.Sprintf("%s:%d", p.IP, p.Port)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}
