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
	"sync"

	"github.com/ccbt-project/ccbt/core"
)

// ConnState is a peer connection's position in its lifecycle.
type ConnState int

// Connection lifecycle states. A connection moves strictly forward,
// except that any state may transition directly to Closing on error.
const (
	Connecting ConnState = iota
	Handshaking
	ExtHandshaking
	Operational
	Closing
	Closed
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case ExtHandshaking:
		return "ext_handshaking"
	case Operational:
		return "operational"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// PeerConn tracks one peer's connection plus the choke/interest and
// throughput bookkeeping the choke policy and piece scheduler need. It
// does not itself speak the wire protocol; it wraps a Conn once the
// handshake completes.
type PeerConn struct {
	mu sync.Mutex

	peerID core.PeerID
	conn   *Conn
	state  ConnState

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool

	// downloadedThisRound / uploadedThisRound accumulate bytes
	// transferred since the last choke round and are reset by
	// RotateRound; DownloadRate() and UploadRate() report the bytes/sec
	// implied by the last completed round.
	downloadedThisRound int64
	uploadedThisRound   int64
	downloadRate        float64
	uploadRate          float64

	optimistic bool
}

// NewPeerConn wraps c in initial BT choke state: both sides start choked
// and not interested.
func NewPeerConn(peerID core.PeerID, c *Conn) *PeerConn {
	return &PeerConn{
		peerID:      peerID,
		conn:        c,
		state:       Operational,
		amChoking:   true,
		peerChoking: true,
	}
}

// PeerID returns the remote peer id.
func (p *PeerConn) PeerID() core.PeerID {
	return p.peerID
}

// Conn returns the underlying wire connection.
func (p *PeerConn) Conn() *Conn {
	return p.conn
}

// State returns p's current lifecycle state.
func (p *PeerConn) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SetState transitions p to state.
func (p *PeerConn) SetState(state ConnState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// AmChoking reports whether the local client is choking this peer.
func (p *PeerConn) AmChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

// SetAmChoking sets the local choke state toward this peer.
func (p *PeerConn) SetAmChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amChoking = choking
}

// AmInterested reports whether the local client is interested in this
// peer's pieces.
func (p *PeerConn) AmInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterested
}

// SetAmInterested sets the local interest state toward this peer.
func (p *PeerConn) SetAmInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.amInterested = interested
}

// PeerChoking reports whether this peer is choking the local client.
func (p *PeerConn) PeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

// SetPeerChoking records a received Choke/Unchoke message.
func (p *PeerConn) SetPeerChoking(choking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerChoking = choking
}

// PeerInterested reports whether this peer is interested in the local
// client's pieces.
func (p *PeerConn) PeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

// SetPeerInterested records a received Interested/NotInterested message.
func (p *PeerConn) SetPeerInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerInterested = interested
}

// RecordDownloaded accumulates n bytes received from this peer toward the
// current round's download rate.
func (p *PeerConn) RecordDownloaded(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadedThisRound += n
}

// RecordUploaded accumulates n bytes sent to this peer toward the current
// round's upload rate.
func (p *PeerConn) RecordUploaded(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploadedThisRound += n
}

// RotateRound finalizes the current round's byte counts into bytes/sec
// rates over roundSeconds and resets the counters for the next round.
func (p *PeerConn) RotateRound(roundSeconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if roundSeconds <= 0 {
		roundSeconds = 1
	}
	p.downloadRate = float64(p.downloadedThisRound) / roundSeconds
	p.uploadRate = float64(p.uploadedThisRound) / roundSeconds
	p.downloadedThisRound = 0
	p.uploadedThisRound = 0
}

// DownloadRate returns the peer's download rate as of the last
// RotateRound, in bytes/sec.
func (p *PeerConn) DownloadRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloadRate
}

// UploadRate returns the peer's upload rate as of the last RotateRound,
// in bytes/sec.
func (p *PeerConn) UploadRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.uploadRate
}

// Optimistic reports whether this peer currently holds the optimistic
// unchoke slot.
func (p *PeerConn) Optimistic() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.optimistic
}

// SetOptimistic marks or clears the optimistic unchoke slot.
func (p *PeerConn) SetOptimistic(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.optimistic = v
}
