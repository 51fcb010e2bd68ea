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
	"sync"

	"github.com/ccbt-project/ccbt/core"
)

// BlocklistConfig tunes how many strikes a peer may accumulate, within a
// single Session, before being banned for the rest of that Session's
// lifetime.
type BlocklistConfig struct {
	// MaxStrikes is the number of corrupt-piece contributions or
	// malformed block messages a peer may accrue before it is banned.
	MaxStrikes int `yaml:"max_strikes"`
}

func (c BlocklistConfig) applyDefaults() BlocklistConfig {
	if c.MaxStrikes == 0 {
		c.MaxStrikes = 3
	}
	return c
}

// Blocklist records misbehavior per peer for one Session and bans a peer
// once it accrues MaxStrikes. A ban lasts for the Session's lifetime:
// there is no decay or expiry, since a fresh Session (new torrent add,
// process restart) gets a fresh Blocklist.
type Blocklist struct {
	config BlocklistConfig

	mu      sync.Mutex
	strikes map[core.PeerID]int
	banned  map[core.PeerID]struct{}
}

func newBlocklist(config BlocklistConfig) *Blocklist {
	return &Blocklist{
		config:  config.applyDefaults(),
		strikes: make(map[core.PeerID]int),
		banned:  make(map[core.PeerID]struct{}),
	}
}

// Strike records one instance of misbehavior by peerID. It returns true
// the moment peerID crosses MaxStrikes and becomes banned; further
// strikes against an already-banned peer return false.
func (b *Blocklist) Strike(peerID core.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.banned[peerID]; ok {
		return false
	}
	b.strikes[peerID]++
	if b.strikes[peerID] >= b.config.MaxStrikes {
		b.banned[peerID] = struct{}{}
		return true
	}
	return false
}

// Banned reports whether peerID has been banned for this Session.
func (b *Blocklist) Banned(peerID core.PeerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.banned[peerID]
	return ok
}
