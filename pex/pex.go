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

// Package pex implements BEP11 peer exchange bookkeeping for a single
// torrent's swarm: which peers we know about and where we learned them
// from, what to tell each connected peer next time we flush a ut_pex
// message to it, and deduplication against the peers already surfaced by
// trackers and the DHT.
//
// This package owns only the swarm-membership and diff bookkeeping;
// encoding/decoding the wire message itself is peerwire's ut_pex support
// (see peerwire.MarshalPexMessage / peerwire.UnmarshalPexMessage), and
// dialing newly-learned peers is the session's job.
package pex

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/utils/cache"
)

// Config configures a Tracker.
type Config struct {

	// MinFlushInterval bounds how often a ut_pex message is sent to any
	// one connection, per BEP11's recommendation of roughly one message
	// per minute.
	MinFlushInterval time.Duration `yaml:"min_flush_interval"`

	// SentCacheSize bounds how many "already told them about this
	// address" entries are remembered per connection before the oldest
	// are forgotten and could be resent.
	SentCacheSize int `yaml:"sent_cache_size"`

	// SentCacheTTL is how long a "peer already sent to this connection"
	// entry is honored before the peer becomes eligible for resend,
	// e.g. after a long-lived connection's view has likely gone stale.
	SentCacheTTL time.Duration `yaml:"sent_cache_ttl"`
}

func (c Config) applyDefaults() Config {
	if c.MinFlushInterval == 0 {
		c.MinFlushInterval = 60 * time.Second
	}
	if c.SentCacheSize == 0 {
		c.SentCacheSize = 500
	}
	if c.SentCacheTTL == 0 {
		c.SentCacheTTL = 30 * time.Minute
	}
	return c
}

// swarmEntry records one known peer address and, if we learned it via
// PEX, the connection we must never echo it back to.
type swarmEntry struct {
	peer        *core.PeerInfo
	learnedFrom string // remote addr, empty if learned from tracker/DHT/manual
}

// connState tracks what a single live connection has already been told,
// what it needs to be told still owes it are not yet flushed, and when
// it was last flushed.
type connState struct {
	sent           *cache.LRUCache
	pendingDropped map[string]bool
	lastFlush      time.Time
}

// Tracker maintains one torrent's PEX state: the merged view of the
// swarm across trackers, DHT, and PEX itself, and the per-connection
// diffs needed to compose outgoing ut_pex messages.
type Tracker struct {
	config Config
	clk    clock.Clock

	mu    sync.Mutex
	swarm map[string]*swarmEntry // addr -> entry
	conns map[string]*connState  // remote addr -> state
}

// NewTracker creates a Tracker for a single torrent.
func NewTracker(config Config, clk clock.Clock) *Tracker {
	return &Tracker{
		config: config.applyDefaults(),
		clk:    clk,
		swarm:  make(map[string]*swarmEntry),
		conns:  make(map[string]*connState),
	}
}

// AddConn registers a newly-established peer connection, so future Diff
// calls know to compute a message for it, and folds the connection's
// own address into the swarm view.
func (t *Tracker) AddConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[addr] = &connState{
		sent: cache.NewLRUCache(cache.LRUCacheConfig{
			Size: t.config.SentCacheSize,
			TTL:  t.config.SentCacheTTL,
		}),
		pendingDropped: make(map[string]bool),
	}
	t.learn(core.NewPeerInfo(core.PeerID{}, hostOf(addr), portOf(addr), core.SourceManual), "")
}

// RemoveConn unregisters a connection that has gone away. Its swarm
// entry is removed, and every other live connection that was already
// told about it gets it queued for its next Diff's Dropped list.
func (t *Tracker) RemoveConn(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, addr)
	delete(t.swarm, addr)

	for other, cs := range t.conns {
		if other == addr {
			continue
		}
		if cs.sent.Has(addr) {
			cs.sent.Delete(addr)
			cs.pendingDropped[addr] = true
		}
	}
}

// Learn folds peers discovered via a tracker announce or DHT lookup
// into the swarm view. These never carry a "learned from" connection,
// so they are eligible to be told to any connected peer.
func (t *Tracker) Learn(peers []*core.PeerInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range peers {
		t.learn(p, "")
	}
}

// HandleIncoming merges a ut_pex message's Added peers into the swarm,
// tagging them as learned from fromAddr so they are never echoed back
// to that same connection, and removes the Dropped peers fromAddr
// reported if fromAddr was indeed their source. It returns the peers
// that were newly seen (not already known), which the caller should
// consider dialing.
func (t *Tracker) HandleIncoming(fromAddr string, msg peerwire.PexMessage) []*core.PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	var fresh []*core.PeerInfo
	for _, p := range msg.Added {
		addr := p.Addr()
		if _, known := t.swarm[addr]; !known {
			fresh = append(fresh, p)
		}
		t.learn(p, fromAddr)
	}
	for _, p := range msg.Dropped {
		addr := p.Addr()
		if e, ok := t.swarm[addr]; ok && e.learnedFrom == fromAddr {
			delete(t.swarm, addr)
		}
	}
	return fresh
}

func (t *Tracker) learn(p *core.PeerInfo, learnedFrom string) {
	addr := p.Addr()
	existing, ok := t.swarm[addr]
	if !ok {
		t.swarm[addr] = &swarmEntry{peer: p, learnedFrom: learnedFrom}
		return
	}
	// A non-PEX source (empty learnedFrom) always takes precedence, so
	// a peer we already trust from a tracker/DHT is never later treated
	// as PEX-exchange-only and withheld from its source.
	if learnedFrom == "" {
		existing.learnedFrom = ""
	}
}

// Diff returns the ut_pex Added/Dropped peer lists to send to the
// connection at addr, or ok=false if MinFlushInterval hasn't elapsed
// since the last flush, or addr is not a registered connection. Peers
// learned from addr itself are never included in Added (per BEP11, a
// peer is never echoed back to the connection it came from).
func (t *Tracker) Diff(addr string) (added []peerwire.PexPeer, dropped []peerwire.PexPeer, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cs, exists := t.conns[addr]
	if !exists {
		return nil, nil, false
	}
	now := t.clk.Now()
	if !cs.lastFlush.IsZero() && now.Sub(cs.lastFlush) < t.config.MinFlushInterval {
		return nil, nil, false
	}

	for peerAddr, e := range t.swarm {
		if peerAddr == addr || e.learnedFrom == addr {
			continue
		}
		if cs.sent.Has(peerAddr) {
			continue
		}
		added = append(added, peerwire.NewPexPeer(e.peer.IP, e.peer.Port, 0))
		cs.sent.Add(peerAddr)
	}

	for peerAddr := range cs.pendingDropped {
		dropped = append(dropped, peerwire.NewPexPeer(hostOf(peerAddr), portOf(peerAddr), 0))
	}
	cs.pendingDropped = make(map[string]bool)

	cs.lastFlush = now
	return added, dropped, true
}

// Snapshot returns every peer currently known for the torrent, for
// checkpointing or stats reporting.
func (t *Tracker) Snapshot() []*core.PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := make([]*core.PeerInfo, 0, len(t.swarm))
	for _, e := range t.swarm {
		peers = append(peers, e.peer)
	}
	return peers
}

func hostOf(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

func portOf(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0
	}
	return port
}
