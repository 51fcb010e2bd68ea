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
	"github.com/ccbt-project/ccbt/peerwire"
)

// AcceptIncoming completes a handshake the Manager's shared listener
// already read and matched to this Session's info hash.
func (s *Session) AcceptIncoming(pc *peerwire.PendingConn) {
	r, err := s.deps.Handshaker.Establish(pc)
	if err != nil {
		s.deps.Logger.Debugw("incoming handshake failed", "hash", s.infoHash, "error", err)
		pc.Close()
		return
	}
	s.addPeer(r.Conn.RemoteAddr(), r)
}

func (s *Session) addPeer(addr string, r *peerwire.HandshakeResult) {
	if s.blocklist.Banned(r.Conn.PeerID()) {
		r.Conn.Close()
		return
	}

	ph := newPeerHandle(addr, r)

	s.mu.Lock()
	if s.status == Errored || s.status == Stopped {
		s.mu.Unlock()
		r.Conn.Close()
		return
	}
	if len(s.peers) >= s.config.MaxPeersPerTorrent {
		s.mu.Unlock()
		r.Conn.Close()
		return
	}
	s.peers[r.Conn.PeerID()] = ph
	metaKnown := s.mgr != nil
	if !metaKnown && s.metaAsm != nil && ph.hasUTMetadata && r.RemoteExtended.MetadataSize > 0 {
		if err := s.metaAsm.SetTotalSize(r.RemoteExtended.MetadataSize); err != nil {
			s.deps.Logger.Warnw("ut_metadata size mismatch", "hash", s.infoHash, "peer", addr, "error", err)
		}
	}
	s.mu.Unlock()

	s.choke.AddPeer(ph.pc)
	s.pexTracker.AddConn(ph.addr)
	r.Conn.Start()

	if metaKnown {
		s.mu.Lock()
		bf := s.mgr.Bitmap()
		n := s.meta.Info.NumPieces()
		s.mu.Unlock()
		_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Bitfield, Bits: bitsFromBitfield(bf, n)})
	}
	ph.pc.SetAmInterested(true)
	_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Interested})

	s.wg.Add(1)
	go s.messagePump(ph)
}

func (s *Session) removePeer(peerID core.PeerID) {
	s.mu.Lock()
	ph, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.choke.RemovePeer(peerID)
	s.pexTracker.RemoveConn(ph.addr)
	if s.mgr != nil {
		s.mgr.OnPeerGone(peerID)
	}
}

// onConnClosed is invoked by the Manager, which owns the single shared
// Handshaker and so receives every ConnClosed callback regardless of
// which Session's connection closed.
func (s *Session) onConnClosed(conn *peerwire.Conn) {
	s.removePeer(conn.PeerID())
}

// messagePump reads ph's connection until it closes, dispatching each
// message to piece manager, choke manager, or extension handling.
func (s *Session) messagePump(ph *peerHandle) {
	defer s.wg.Done()
	for msg := range ph.conn.Receiver() {
		if msg == nil {
			continue
		}
		s.handleMessage(ph, msg)
	}
}

func (s *Session) handleMessage(ph *peerHandle, msg *peerwire.Message) {
	switch msg.ID {
	case peerwire.Choke:
		ph.pc.SetPeerChoking(true)
	case peerwire.Unchoke:
		ph.pc.SetPeerChoking(false)
	case peerwire.Interested:
		ph.pc.SetPeerInterested(true)
	case peerwire.NotInterested:
		ph.pc.SetPeerInterested(false)
	case peerwire.Have:
		s.mu.Lock()
		if s.mgr != nil {
			s.mgr.OnPeerHave(ph.pc.PeerID(), msg.Index)
		}
		s.mu.Unlock()
	case peerwire.Bitfield:
		s.mu.Lock()
		if s.mgr != nil {
			bf := bitfieldFromBits(msg.Bits, s.meta.Info.NumPieces())
			s.mgr.SetPeerBitfield(ph.pc.PeerID(), bf)
		}
		s.mu.Unlock()
	case peerwire.Request:
		s.handleRequest(ph, msg)
	case peerwire.Piece:
		s.handlePiece(ph, msg)
	case peerwire.Cancel:
		// Best-effort: a block already queued to send completes anyway: a
		// small, harmless amount of wasted upload.
	case peerwire.Port:
		// BEP5: the peer's DHT node id isn't known from the BT handshake,
		// so there is nothing to insert into the routing table without an
		// extra ping round trip; left for the DHT's own bootstrap/lookup
		// traffic to discover this node independently.
	case peerwire.Extended:
		s.handleExtended(ph, msg)
	}
}

func (s *Session) handleRequest(ph *peerHandle, msg *peerwire.Message) {
	if ph.pc.AmChoking() {
		return
	}
	s.mu.Lock()
	mgr, meta, segMap, disk, outputDir := s.mgr, s.meta, s.segmentMap, s.deps.Disk, s.outputDir
	s.mu.Unlock()
	if mgr == nil {
		return
	}
	data, err := readUploadBlock(meta.Info, outputDir, disk, segMap, msg.Index, msg.Begin, msg.Length)
	if err != nil {
		s.deps.Logger.Warnw("serve upload block", "hash", s.infoHash, "peer", ph.addr, "error", err)
		return
	}
	s.mu.Lock()
	bw := s.bw
	s.mu.Unlock()
	if bw != nil {
		if err := bw.ReserveEgress(int64(len(data))); err != nil {
			return
		}
	}
	if err := ph.conn.Send(&peerwire.Message{ID: peerwire.Piece, Index: msg.Index, Begin: msg.Begin, Block: data}); err != nil {
		return
	}
	ph.pc.RecordUploaded(int64(len(data)))
	s.mu.Lock()
	s.uploaded += int64(len(data))
	s.mu.Unlock()
}

func (s *Session) handlePiece(ph *peerHandle, msg *peerwire.Message) {
	ph.pc.RecordDownloaded(int64(len(msg.Block)))
	s.mu.Lock()
	s.downloaded += int64(len(msg.Block))
	mgr := s.mgr
	s.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := mgr.OnBlockReceived(msg.Index, msg.Begin, msg.Block, ph.pc.PeerID()); err != nil {
		s.deps.Logger.Debugw("block rejected", "hash", s.infoHash, "peer", ph.addr, "error", err)
		s.strikePeer(ph.pc.PeerID())
	}
}

func (s *Session) handleExtended(ph *peerHandle, msg *peerwire.Message) {
	switch msg.ExtendedID {
	case utMetadataLocalID:
		s.handleUTMetadata(ph, msg.ExtendedPayload)
	case utPexLocalID:
		s.handleUTPex(ph, msg.ExtendedPayload)
	}
}

func (s *Session) handleUTMetadata(ph *peerHandle, payload []byte) {
	msg, err := peerwire.UnmarshalUTMetadataMessage(payload)
	if err != nil {
		return
	}
	switch msg.Type {
	case peerwire.UTMetadataRequest:
		s.serveUTMetadataRequest(ph, msg.Piece)
	case peerwire.UTMetadataData:
		s.receiveUTMetadataData(msg.Piece, msg.Data)
	case peerwire.UTMetadataReject:
		s.mu.Lock()
		delete(s.metaRequested, msg.Piece)
		s.mu.Unlock()
	}
}

func (s *Session) serveUTMetadataRequest(ph *peerHandle, piece int) {
	if !ph.hasUTMetadata {
		return
	}
	s.mu.Lock()
	meta := s.meta
	s.mu.Unlock()
	if meta == nil {
		payload, _ := peerwire.MarshalUTMetadataReject(piece)
		_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Extended, ExtendedID: ph.remoteUTMetadataID, ExtendedPayload: payload})
		return
	}
	start := piece * metadataPieceSize
	if start >= len(meta.InfoBytes) {
		payload, _ := peerwire.MarshalUTMetadataReject(piece)
		_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Extended, ExtendedID: ph.remoteUTMetadataID, ExtendedPayload: payload})
		return
	}
	end := start + metadataPieceSize
	if end > len(meta.InfoBytes) {
		end = len(meta.InfoBytes)
	}
	payload, err := peerwire.MarshalUTMetadataData(piece, len(meta.InfoBytes), meta.InfoBytes[start:end])
	if err != nil {
		return
	}
	_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Extended, ExtendedID: ph.remoteUTMetadataID, ExtendedPayload: payload})
}

func (s *Session) receiveUTMetadataData(piece int, data []byte) {
	s.mu.Lock()
	asm := s.metaAsm
	if asm == nil {
		s.mu.Unlock()
		return
	}
	delete(s.metaRequested, piece)
	complete, err := asm.AddPiece(piece, data)
	s.mu.Unlock()
	if err != nil {
		s.deps.Logger.Debugw("ut_metadata piece rejected", "hash", s.infoHash, "piece", piece, "error", err)
		return
	}
	if complete {
		s.onMetadataComplete()
	}
}

func (s *Session) handleUTPex(ph *peerHandle, payload []byte) {
	if !ph.hasUTPex {
		return
	}
	pm, err := peerwire.UnmarshalPexMessage(payload)
	if err != nil {
		return
	}
	fresh := s.pexTracker.HandleIncoming(ph.addr, pm)
	s.addCandidates(fresh)
}

func (s *Session) flushPex(ph *peerHandle) {
	if !ph.hasUTPex {
		return
	}
	added, dropped, ok := s.pexTracker.Diff(ph.addr)
	if !ok || (len(added) == 0 && len(dropped) == 0) {
		return
	}
	payload, err := peerwire.MarshalPexMessage(added, dropped)
	if err != nil {
		return
	}
	_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Extended, ExtendedID: ph.remoteUTPexID, ExtendedPayload: payload})
}
