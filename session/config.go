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

// Package session orchestrates a single torrent end-to-end: it drives
// peer discovery, manages live peer connections, bridges their wire
// traffic to the piece manager, and persists progress via checkpoints.
// Manager owns many Sessions, one per info hash.
package session

import (
	"time"

	"github.com/ccbt-project/ccbt/dht"
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/pex"
	"github.com/ccbt-project/ccbt/piecemgr"
	"github.com/ccbt-project/ccbt/tracker"
)

// Config configures a Session. Most fields mirror kraken's per-torrent
// scheduler config: sub-configs for every composed subsystem plus the
// cadences this layer itself drives.
type Config struct {
	// MaxPeersPerTorrent bounds how many live connections (incoming plus
	// outgoing) a Session maintains at once.
	MaxPeersPerTorrent int `yaml:"max_peers_per_torrent"`

	// MaxOutgoingAttempts bounds how many simultaneous outgoing dial
	// attempts a Session makes while below MaxPeersPerTorrent.
	MaxOutgoingAttempts int `yaml:"max_outgoing_attempts"`

	// DiscoveryInterval is how often the Session pulls fresh candidates
	// from the tracker, DHT, and PEX sources and dials them.
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`

	// AnnounceMinInterval floors the announce cadence even if a tracker
	// asks for a shorter one, guarding against a misbehaving tracker.
	AnnounceMinInterval time.Duration `yaml:"announce_min_interval"`

	// DHTAnnounceInterval is how often the Session re-announces itself
	// to the DHT for its info hash.
	DHTAnnounceInterval time.Duration `yaml:"dht_announce_interval"`

	// PEXFlushInterval is how often the Session exchanges ut_pex
	// messages with connected peers.
	PEXFlushInterval time.Duration `yaml:"pex_flush_interval"`

	// CheckpointInterval is how often verified-piece progress is saved.
	// A failed save is retried on the next tick rather than blocking
	// download.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// DeleteCheckpointOnComplete removes the checkpoint file once a
	// torrent finishes downloading and transitions to Seeding.
	DeleteCheckpointOnComplete bool `yaml:"delete_checkpoint_on_complete"`

	Peerwire  peerwire.Config      `yaml:"peerwire"`
	Choke     peerwire.ChokeConfig `yaml:"choke"`
	PieceMgr  piecemgr.Config      `yaml:"piece_manager"`
	Tracker   tracker.Config       `yaml:"tracker"`
	DHT       dht.Config           `yaml:"dht"`
	PEX       pex.Config           `yaml:"pex"`
	Blocklist BlocklistConfig      `yaml:"blocklist"`
}

func (c Config) applyDefaults() Config {
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = 50
	}
	if c.MaxOutgoingAttempts == 0 {
		c.MaxOutgoingAttempts = 10
	}
	if c.DiscoveryInterval == 0 {
		c.DiscoveryInterval = 15 * time.Second
	}
	if c.AnnounceMinInterval == 0 {
		c.AnnounceMinInterval = 60 * time.Second
	}
	if c.DHTAnnounceInterval == 0 {
		c.DHTAnnounceInterval = 5 * time.Minute
	}
	if c.PEXFlushInterval == 0 {
		c.PEXFlushInterval = 60 * time.Second
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	return c
}
