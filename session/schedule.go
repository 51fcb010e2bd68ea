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
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/piecemgr"
)

// schedulingLoop drives block requests against the piece manager (or, in
// AcquiringMetadata, ut_metadata piece requests against the assembler)
// for every connected peer, once per requestTickInterval.
func (s *Session) schedulingLoop() {
	defer s.wg.Done()
	tick := s.deps.Clock.Tick(requestTickInterval)
	for {
		select {
		case <-s.done:
			return
		case <-tick:
			s.scheduleTick()
		}
	}
}

func (s *Session) scheduleTick() {
	s.mu.Lock()
	status := s.status
	mgr := s.mgr
	asm := s.metaAsm
	peers := make([]*peerHandle, 0, len(s.peers))
	for _, ph := range s.peers {
		peers = append(peers, ph)
	}
	s.mu.Unlock()

	if status == Paused || status == Errored || status == Stopped {
		return
	}

	if mgr != nil {
		s.scheduleBlockRequests(mgr, peers)
	} else if asm != nil {
		s.scheduleMetadataRequests(asm, peers)
	}
}

func (s *Session) scheduleBlockRequests(mgr *piecemgr.Manager, peers []*peerHandle) {
	for _, c := range mgr.RequestCancellations() {
		s.mu.Lock()
		ph, ok := s.peers[c.PeerID]
		s.mu.Unlock()
		if !ok {
			continue
		}
		_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Cancel, Index: c.Piece, Begin: c.Begin, Length: c.Length})
	}

	s.mu.Lock()
	bw := s.bw
	s.mu.Unlock()

	for _, ph := range peers {
		if ph.pc.PeerChoking() {
			continue
		}
		for {
			piece, begin, length, ok := mgr.NextRequest(ph.pc.PeerID())
			if !ok {
				break
			}
			if bw != nil {
				if err := bw.ReserveIngress(int64(length)); err != nil {
					break
				}
			}
			if err := ph.conn.Send(&peerwire.Message{ID: peerwire.Request, Index: piece, Begin: begin, Length: length}); err != nil {
				break
			}
		}
	}
}

func (s *Session) scheduleMetadataRequests(asm *metadataAssembler, peers []*peerHandle) {
	candidates := make([]*peerHandle, 0, len(peers))
	for _, ph := range peers {
		if ph.hasUTMetadata {
			candidates = append(candidates, ph)
		}
	}
	if len(candidates) == 0 {
		return
	}

	n := asm.NumPieces()
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		if !asm.NeedsPiece(i) {
			continue
		}
		s.mu.Lock()
		_, inFlight := s.metaRequested[i]
		s.mu.Unlock()
		if inFlight {
			continue
		}
		ph := candidates[i%len(candidates)]
		payload, err := peerwire.MarshalUTMetadataRequest(i)
		if err != nil {
			continue
		}
		if err := ph.conn.Send(&peerwire.Message{ID: peerwire.Extended, ExtendedID: ph.remoteUTMetadataID, ExtendedPayload: payload}); err != nil {
			continue
		}
		s.mu.Lock()
		s.metaRequested[i] = ph.pc.PeerID()
		s.mu.Unlock()
	}
}
