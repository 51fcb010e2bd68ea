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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/utils/bandwidth"
)

// PendingConn is a half-opened connection initiated by a remote peer: the
// inbound handshake has been read, but our own handshake has not yet been
// sent and no InfoHash has been matched against a local torrent.
type PendingConn struct {
	handshake Handshake
	nc        net.Conn
}

// PeerID returns the remote peer id.
func (pc *PendingConn) PeerID() core.PeerID {
	return pc.handshake.PeerID
}

// InfoHash returns the info hash the remote peer wants to exchange.
func (pc *PendingConn) InfoHash() core.InfoHash {
	return pc.handshake.InfoHash
}

// SupportsExtended reports whether the remote peer advertised BEP10
// extension protocol support.
func (pc *PendingConn) SupportsExtended() bool {
	return pc.handshake.SupportsExtended()
}

// SupportsDHT reports whether the remote peer advertised BEP5 DHT
// support.
func (pc *PendingConn) SupportsDHT() bool {
	return pc.handshake.SupportsDHT()
}

// Close closes the underlying connection without completing the
// handshake. Used when no local torrent matches the offered info hash.
func (pc *PendingConn) Close() {
	pc.nc.Close()
}

// HandshakeResult wraps the outcome of a successful handshake.
type HandshakeResult struct {
	Conn              *Conn
	RemoteExtended     ExtendedHandshake
	RemoteSupportsExt  bool
	RemoteSupportsDHT  bool
}

// Handshaker performs the BT handshake (and, where both sides support it,
// the BEP10 extended handshake) and upgrades the raw connection into a
// Conn ready for Start.
type Handshaker struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	bandwidth *bandwidth.Limiter
	peerID    core.PeerID
	events    Events
	logger    *zap.SugaredLogger

	// localExtended builds the extended handshake to send for a given
	// info hash, allowing the metadata_size field to vary per torrent
	// (e.g. unknown until a magnet link's metadata is fetched).
	localExtended func(core.InfoHash) ExtendedHandshake

	supportsDHT bool
}

// NewHandshaker creates a Handshaker sharing a single bandwidth budget
// across every connection it establishes.
func NewHandshaker(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	peerID core.PeerID,
	supportsDHT bool,
	localExtended func(core.InfoHash) ExtendedHandshake,
	events Events,
	logger *zap.SugaredLogger) (*Handshaker, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "peerwire",
	})

	bl, err := bandwidth.NewLimiter(config.Bandwidth)
	if err != nil {
		return nil, fmt.Errorf("bandwidth: %w", err)
	}

	return &Handshaker{
		config:         config,
		stats:          stats,
		clk:            clk,
		bandwidth:      bl,
		peerID:         peerID,
		events:         events,
		logger:         logger,
		localExtended:  localExtended,
		supportsDHT:    supportsDHT,
	}, nil
}

// Accept upgrades a raw connection opened by a remote peer into a
// PendingConn by reading (but not yet responding to) its handshake.
func (h *Handshaker) Accept(nc net.Conn) (*PendingConn, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	hs, err := ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	return &PendingConn{handshake: hs, nc: nc}, nil
}

// Establish completes a handshake accepted via Accept, once the caller has
// matched pc's info hash against a local torrent.
func (h *Handshaker) Establish(pc *PendingConn) (*HandshakeResult, error) {
	if err := WriteHandshake(pc.nc, NewHandshake(pc.handshake.InfoHash, h.peerID, h.supportsDHT)); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	return h.completeExtended(pc.nc, pc.handshake, true)
}

// Initialize dials addr and performs a full handshake for infoHash. If
// remotePeerID is the zero value, the remote peer's identity is not
// checked; this is the common case when dialing an address discovered
// via a tracker's compact peer list, the DHT, or PEX, none of which
// report peer ids ahead of the handshake.
func (h *Handshaker) Initialize(remotePeerID core.PeerID, addr string, infoHash core.InfoHash) (*HandshakeResult, error) {
	nc, err := net.DialTimeout("tcp", addr, h.config.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	r, err := h.fullHandshake(nc, remotePeerID, infoHash)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return r, nil
}

func (h *Handshaker) fullHandshake(nc net.Conn, remotePeerID core.PeerID, infoHash core.InfoHash) (*HandshakeResult, error) {
	if err := nc.SetDeadline(h.clk.Now().Add(h.config.HandshakeTimeout)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if err := WriteHandshake(nc, NewHandshake(infoHash, h.peerID, h.supportsDHT)); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}
	hs, err := ReadHandshake(nc)
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if remotePeerID != (core.PeerID{}) && hs.PeerID != remotePeerID {
		return nil, errors.New("unexpected peer id")
	}
	if hs.InfoHash != infoHash {
		return nil, errors.New("unexpected info hash")
	}
	return h.completeExtended(nc, hs, false)
}

// completeExtended performs the BEP10 extended handshake when both sides
// advertised support, then upgrades nc into a running Conn.
func (h *Handshaker) completeExtended(nc net.Conn, remote Handshake, openedByRemote bool) (*HandshakeResult, error) {
	var remoteExt ExtendedHandshake
	supportsExt := remote.SupportsExtended()
	if supportsExt {
		local := h.localExtended(remote.InfoHash)
		payload, err := MarshalExtendedHandshake(local)
		if err != nil {
			return nil, fmt.Errorf("marshal extended handshake: %w", err)
		}
		if err := WriteMessage(nc, &Message{ID: Extended, ExtendedID: ExtendedHandshakeID, ExtendedPayload: payload}); err != nil {
			return nil, fmt.Errorf("send extended handshake: %w", err)
		}
		msg, err := ReadMessage(nc, h.config.MaxMessageSize, h.config.MaxBlockSize)
		if err != nil {
			return nil, fmt.Errorf("read extended handshake: %w", err)
		}
		if msg == nil || msg.ID != Extended || msg.ExtendedID != ExtendedHandshakeID {
			return nil, errors.New("expected extended handshake message")
		}
		remoteExt, err = UnmarshalExtendedHandshake(msg.ExtendedPayload)
		if err != nil {
			return nil, fmt.Errorf("unmarshal extended handshake: %w", err)
		}
	}

	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	c, err := NewConn(h.config, h.stats, h.clk, h.bandwidth, h.events, nc, h.peerID, remote.PeerID, remote.InfoHash, openedByRemote, h.logger)
	if err != nil {
		return nil, fmt.Errorf("new conn: %w", err)
	}
	return &HandshakeResult{
		Conn:              c,
		RemoteExtended:    remoteExt,
		RemoteSupportsExt: supportsExt,
		RemoteSupportsDHT: remote.SupportsDHT(),
	}, nil
}
