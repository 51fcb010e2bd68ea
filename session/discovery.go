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
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/tracker"
)

// discoveryLoop periodically dials freshly discovered candidates until
// MaxPeersPerTorrent live connections are held, bounded by
// MaxOutgoingAttempts concurrent dial attempts at a time.
func (s *Session) discoveryLoop() {
	defer s.wg.Done()
	tick := s.deps.Clock.Tick(s.config.DiscoveryInterval)
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			s.dialCandidates()
		}
	}
}

func (s *Session) dialCandidates() {
	s.mu.Lock()
	if s.status == Paused || s.status == Errored || s.status == Stopped {
		s.mu.Unlock()
		return
	}
	room := s.config.MaxPeersPerTorrent - len(s.peers) - s.dialingN
	slots := s.config.MaxOutgoingAttempts - s.dialingN
	if slots < room {
		room = slots
	}
	if room > len(s.candidates) {
		room = len(s.candidates)
	}
	if room <= 0 {
		s.mu.Unlock()
		return
	}
	picked := s.candidates[:room]
	s.candidates = s.candidates[room:]
	s.dialingN += room
	s.mu.Unlock()

	for _, p := range picked {
		p := p
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				s.dialingN--
				s.mu.Unlock()
			}()
			s.dial(p)
		}()
	}
}

func (s *Session) dial(p *core.PeerInfo) {
	addr := p.Addr()
	s.mu.Lock()
	for _, ph := range s.peers {
		if ph.addr == addr {
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()

	r, err := s.deps.Handshaker.Initialize(peerIDForCandidate(p), addr, s.infoHash)
	if err != nil {
		s.deps.Logger.Debugw("outgoing handshake failed", "hash", s.infoHash, "addr", addr, "error", err)
		return
	}
	s.addPeer(addr, r)
}

// announceLoop announces to the torrent's tracker tiers on a fixed
// cadence, folding every returned peer into the candidate pool.
func (s *Session) announceLoop() {
	defer s.wg.Done()

	resp, results := s.multi.Announce(s.announceRequest(tracker.Started))
	s.logAnnounceResults(results)
	s.addCandidates(peersFromResponse(resp))

	interval := s.config.AnnounceMinInterval
	if resp != nil && resp.Interval > interval {
		interval = resp.Interval
	}
	tick := s.deps.Clock.Tick(interval)
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			resp, results := s.multi.Announce(s.announceRequest(tracker.None))
			s.logAnnounceResults(results)
			s.addCandidates(peersFromResponse(resp))
		}
	}
}

func (s *Session) logAnnounceResults(results []tracker.AnnounceResult) {
	for _, r := range results {
		if r.Err != nil {
			s.deps.Logger.Debugw("tracker announce failed", "hash", s.infoHash, "url", r.URL, "error", r.Err)
		}
	}
}

// dhtAnnounceLoop periodically announces this torrent's info hash to the
// shared DHT node and folds the returned peers into the candidate pool.
// A no-op if the Manager was constructed without DHT support.
func (s *Session) dhtAnnounceLoop() {
	defer s.wg.Done()
	if s.deps.DHT == nil {
		return
	}
	tick := s.deps.Clock.Tick(s.config.DHTAnnounceInterval)
	announce := func() {
		peers := s.deps.DHT.Announce(s.dhtID, s.pctx.Port, false)
		s.addCandidates(peers)
	}
	announce()
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			announce()
		}
	}
}

// pexFlushLoop periodically sends each ut_pex-capable peer the set of
// peers newly learned or dropped since its last flush.
func (s *Session) pexFlushLoop() {
	defer s.wg.Done()
	tick := s.deps.Clock.Tick(s.config.PEXFlushInterval)
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			s.RefreshPEX()
		}
	}
}

// checkpointLoop periodically persists verified-piece progress. Save
// failures are logged and retried on the next tick; they never block
// downloading or transition the Session to Errored.
func (s *Session) checkpointLoop() {
	defer s.wg.Done()
	tick := s.deps.Clock.Tick(s.config.CheckpointInterval)
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			if err := s.saveCheckpoint(); err != nil {
				s.deps.Logger.Warnw("periodic checkpoint save", "hash", s.infoHash, "error", err)
			}
		}
	}
}
