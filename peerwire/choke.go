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
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/ccbt-project/ccbt/core"
)

// ChokeConfig configures a ChokeManager.
type ChokeConfig struct {

	// RoundInterval is how often unchoke decisions are recomputed.
	RoundInterval time.Duration `yaml:"round_interval"`

	// OptimisticRounds is how many RoundIntervals pass between
	// optimistic unchoke rotations.
	OptimisticRounds int `yaml:"optimistic_rounds"`

	// MaxUnchoked bounds how many peers are unchoked at once, not
	// counting the optimistic unchoke slot.
	MaxUnchoked int `yaml:"max_unchoked"`
}

func (c ChokeConfig) applyDefaults() ChokeConfig {
	if c.RoundInterval == 0 {
		c.RoundInterval = 10 * time.Second
	}
	if c.OptimisticRounds == 0 {
		c.OptimisticRounds = 3
	}
	if c.MaxUnchoked == 0 {
		c.MaxUnchoked = 4
	}
	return c
}

// ChokeEvents notifies a caller of choke decisions so it can write the
// corresponding Choke/Unchoke messages to the wire.
type ChokeEvents interface {
	PeerChoked(peerID core.PeerID)
	PeerUnchoked(peerID core.PeerID)
}

// ChokeManager periodically recomputes which connected peers to unchoke:
// the top MaxUnchoked interested peers by download rate (the ones
// reciprocating the most data) plus one optimistic unchoke slot rotated
// every OptimisticRounds, giving newly connected or otherwise ranked-low
// peers a chance to prove themselves.
type ChokeManager struct {
	config ChokeConfig
	clk    clock.Clock
	events ChokeEvents
	rand   *rand.Rand

	mu    sync.Mutex
	peers map[core.PeerID]*PeerConn

	round int

	tick <-chan time.Time
	done chan struct{}
	wg   sync.WaitGroup
}

// NewChokeManager creates a ChokeManager. Run must be called to start its
// periodic rotation.
func NewChokeManager(config ChokeConfig, clk clock.Clock, events ChokeEvents) *ChokeManager {
	config = config.applyDefaults()
	return &ChokeManager{
		config: config,
		clk:    clk,
		events: events,
		rand:   rand.New(rand.NewSource(1)),
		peers:  make(map[core.PeerID]*PeerConn),
		done:   make(chan struct{}),
	}
}

// AddPeer registers p for choke consideration.
func (m *ChokeManager) AddPeer(p *PeerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[p.PeerID()] = p
}

// RemovePeer drops a peer from choke consideration, e.g. once its
// connection closes.
func (m *ChokeManager) RemovePeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, peerID)
}

// Run starts the periodic unchoke rotation. It blocks until Stop is
// called, so callers should invoke it in its own goroutine.
func (m *ChokeManager) Run() {
	m.wg.Add(1)
	defer m.wg.Done()

	m.tick = m.clk.Tick(m.config.RoundInterval)
	for {
		select {
		case <-m.done:
			return
		case <-m.tick:
			m.runRound()
		}
	}
}

// Stop halts the rotation and waits for Run to return.
func (m *ChokeManager) Stop() {
	close(m.done)
	m.wg.Wait()
}

// RunRoundNow forces an immediate unchoke recomputation, bypassing the
// timer. Exposed for deterministic tests.
func (m *ChokeManager) RunRoundNow() {
	m.runRound()
}

func (m *ChokeManager) runRound() {
	m.mu.Lock()
	defer m.mu.Unlock()

	roundSeconds := m.config.RoundInterval.Seconds()
	var candidates []*PeerConn
	for _, p := range m.peers {
		p.RotateRound(roundSeconds)
		if p.PeerInterested() {
			candidates = append(candidates, p)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].DownloadRate() > candidates[j].DownloadRate()
	})

	unchoked := make(map[core.PeerID]bool)
	for i, p := range candidates {
		if i >= m.config.MaxUnchoked {
			break
		}
		unchoked[p.PeerID()] = true
	}

	m.round++
	if m.round%m.config.OptimisticRounds == 0 {
		m.rotateOptimistic(candidates, unchoked)
	}
	for _, p := range candidates {
		if p.Optimistic() {
			unchoked[p.PeerID()] = true
		}
	}

	for _, p := range m.peers {
		shouldUnchoke := unchoked[p.PeerID()]
		p.SetAmChoking(!shouldUnchoke)
		if shouldUnchoke {
			m.events.PeerUnchoked(p.PeerID())
		} else {
			m.events.PeerChoked(p.PeerID())
		}
	}
}

// rotateOptimistic clears the current optimistic slot and assigns it to a
// random choked, interested candidate not already unchoked on merit.
func (m *ChokeManager) rotateOptimistic(candidates []*PeerConn, unchoked map[core.PeerID]bool) {
	for _, p := range candidates {
		p.SetOptimistic(false)
	}

	var eligible []*PeerConn
	for _, p := range candidates {
		if !unchoked[p.PeerID()] {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return
	}
	eligible[m.rand.Intn(len(eligible))].SetOptimistic(true)
}
