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

// Package tracker defines the shared announce request/response shapes used
// by both the HTTP (BEP3) and UDP (BEP15) tracker clients, and a
// Session that tracks one tracker URL's announce cadence and backoff
// for a single torrent.
package tracker

import (
	"fmt"
	"net"
	"time"

	"github.com/ccbt-project/ccbt/core"
)

// Event identifies the lifecycle event reported on an announce.
type Event int

// Announce events, per BEP3.
const (
	None Event = iota
	Started
	Stopped
	Completed
)

// String returns the announce query value for e.
func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case Stopped:
		return "stopped"
	case Completed:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest describes one announce call to a tracker.
type AnnounceRequest struct {
	InfoHash   core.InfoHash
	PeerID     core.PeerID
	IP         string
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	NumWant    int
}

// AnnounceResponse is a tracker's reply to an announce.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Complete    int
	Incomplete  int
	TrackerID   string
	Peers       []*core.PeerInfo
}

// ScrapeEntry reports one info-hash's swarm-wide statistics as of a
// scrape.
type ScrapeEntry struct {
	Complete   int
	Downloaded int
	Incomplete int
}

// ScrapeReport is the result of scraping a tracker for one info-hash.
// Entries is keyed by info-hash so a future multi-hash scrape can reuse
// the same shape; today it holds at most the one hash that was asked
// for. A tracker that supports scraping but has no record of this
// info-hash yet (an empty "files" dict, per BEP3) reports an empty
// Entries, not an error.
type ScrapeReport struct {
	Entries map[core.InfoHash]ScrapeEntry
}

// Client announces to and scrapes a single tracker, speaking either
// BEP3 (HTTP) or BEP15 (UDP) depending on implementation.
type Client interface {
	Announce(req AnnounceRequest) (*AnnounceResponse, error)

	// Scrape fetches swarm-wide statistics for infoHash without
	// announcing. Scraping is optional in both BEP3 and BEP15: a
	// tracker that does not support it, or that has no record of
	// infoHash, reports back an empty ScrapeReport rather than an
	// error.
	Scrape(infoHash core.InfoHash) (*ScrapeReport, error)
}

// DecodeCompactPeers parses a BEP23 compact peer list: 6 bytes per peer (4
// bytes IPv4 big-endian, 2 bytes port big-endian).
func DecodeCompactPeers(b []byte) ([]*core.PeerInfo, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("invalid compact peers length: %d", len(b))
	}
	peers := make([]*core.PeerInfo, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := net.IPv4(b[i], b[i+1], b[i+2], b[i+3]).String()
		port := int(b[i+4])<<8 | int(b[i+5])
		peers = append(peers, core.NewPeerInfo(core.PeerID{}, ip, port, core.SourceTracker))
	}
	return peers, nil
}

// EncodeCompactPeers is the inverse of DecodeCompactPeers, used by tests and
// any future in-process tracker fixture.
func EncodeCompactPeers(peers []*core.PeerInfo) ([]byte, error) {
	out := make([]byte, 0, len(peers)*6)
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			return nil, fmt.Errorf("invalid peer ip: %q", p.IP)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("peer ip is not ipv4: %q", p.IP)
		}
		if p.Port < 0 || p.Port > 0xffff {
			return nil, fmt.Errorf("invalid peer port: %d", p.Port)
		}
		out = append(out, ip4[0], ip4[1], ip4[2], ip4[3], byte(p.Port>>8), byte(p.Port))
	}
	return out, nil
}

// Config tunes announce cadence and retry behavior shared by both
// transports' Sessions.
type Config struct {
	// MaxBackoff caps the exponential backoff delay applied after
	// consecutive announce failures.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// MinBackoff is the delay applied after the first failure.
	MinBackoff time.Duration `yaml:"min_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = 5 * time.Second
	}
	return c
}

// Session tracks one (torrent, tracker URL) pair's announce cadence,
// consecutive-failure backoff, and (for UDP) connection_id lease.
type Session struct {
	URL     string
	Tier    int
	Config  Config
	PeerID  core.PeerID

	lastAnnounce time.Time
	interval     time.Duration
	minInterval  time.Duration
	trackerID    string
	failureCount int

	// ConnectionID and its lease are only meaningful for UDP trackers; HTTP
	// sessions leave them zero.
	ConnectionID       uint64
	ConnectionIDExpiry time.Time
}

// NewSession creates a Session for url in announce-list tier.
func NewSession(url string, tier int, config Config) *Session {
	return &Session{URL: url, Tier: tier, Config: config.applyDefaults()}
}

// RecordSuccess resets failure backoff and stores the interval/tracker id
// reported by resp.
func (s *Session) RecordSuccess(now time.Time, resp *AnnounceResponse) {
	s.lastAnnounce = now
	s.interval = resp.Interval
	s.minInterval = resp.MinInterval
	if resp.TrackerID != "" {
		s.trackerID = resp.TrackerID
	}
	s.failureCount = 0
}

// RecordFailure bumps the consecutive failure count used by NextBackoff.
func (s *Session) RecordFailure(now time.Time) {
	s.lastAnnounce = now
	s.failureCount++
}

// NextAnnounceInterval returns how long to wait before the next
// regularly-scheduled announce: max(interval, min_interval), or a sane
// default before any successful announce has occurred.
func (s *Session) NextAnnounceInterval() time.Duration {
	interval := s.interval
	if s.minInterval > interval {
		interval = s.minInterval
	}
	if interval == 0 {
		interval = 30 * time.Minute
	}
	return interval
}

// NextBackoff returns the exponential backoff delay to apply given the
// current consecutive failure count, capped at Config.MaxBackoff.
func (s *Session) NextBackoff() time.Duration {
	if s.failureCount == 0 {
		return 0
	}
	delay := s.Config.MinBackoff << uint(s.failureCount-1)
	if delay <= 0 || delay > s.Config.MaxBackoff {
		delay = s.Config.MaxBackoff
	}
	return delay
}

// FailureCount returns the number of consecutive announce failures.
func (s *Session) FailureCount() int {
	return s.failureCount
}

// TrackerID returns the last tracker id reported by this tracker, if any.
func (s *Session) TrackerID() string {
	return s.trackerID
}
