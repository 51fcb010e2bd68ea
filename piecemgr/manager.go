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
package piecemgr

import (
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/metainfo"
	"github.com/ccbt-project/ccbt/utils/syncutil"
)

// blockKey identifies one block request within a torrent.
type blockKey struct {
	piece int
	begin int
}

// request is a block request sent to a peer. Mirrors the piece-level
// bookkeeping kraken's scheduler keeps per piece, generalized to block
// granularity.
type request struct {
	key    blockKey
	length int
	peerID core.PeerID
	status Status
	sentAt time.Time
}

// Status enumerates the outcome of a request once it stops being pending.
type Status int

// Request outcomes.
const (
	StatusPending Status = iota
	StatusExpired
	StatusReceived
	StatusInvalid
)

// Config configures a Manager.
type Config struct {
	// BlockSize is the request unit within a piece. Defaults to
	// DefaultBlockSize.
	BlockSize int64
	// PerPeerPipeline bounds how many blocks may be in flight to a single
	// peer at once.
	PerPeerPipeline int
	// PerBlockPeerCap bounds how many distinct peers may simultaneously
	// have the same block in flight. 1 disables duplicate (endgame)
	// requests entirely.
	PerBlockPeerCap int
	// EndgameThreshold enables duplicate requests once this many pieces
	// remain unverified.
	EndgameThreshold int
	// RequestTimeout is how long a block may stay in flight before it is
	// considered expired and eligible for re-request.
	RequestTimeout time.Duration
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.PerPeerPipeline == 0 {
		c.PerPeerPipeline = 10
	}
	if c.PerBlockPeerCap == 0 {
		c.PerBlockPeerCap = 2
	}
	if c.EndgameThreshold == 0 {
		c.EndgameThreshold = 20
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Manager owns all piece and block state for a single torrent: peer
// availability, block request bookkeeping, and received-block assembly
// and verification. It does not itself read or write the wire; callers
// drive it from peer message handlers.
type Manager struct {
	sync.RWMutex

	info   metainfo.Info
	config Config
	clock  clock.Clock

	disk       *diskio.Disk
	segmentMap diskio.FileSegmentMap
	outputDir  string
	events     EventSink

	// requests and requestsByPeer hold the same data, indexed differently.
	requests       map[blockKey][]*request
	requestsByPeer map[core.PeerID]map[blockKey]*request

	pieceState []PieceState
	received   []map[int]receivedBlock // per piece: begin -> block bytes and who sent them
	verified   int

	bitfields       map[core.PeerID]*bitset.BitSet
	numPeersByPiece syncutil.Counters

	cancellations []Cancellation

	// peerFailures counts, per peer, how many pieces that peer
	// contributed a block to have since failed hash verification.
	peerFailures map[core.PeerID]int
}

// receivedBlock is one block's bytes plus the peer that sent them, kept
// until its piece completes or fails so a hash mismatch can be traced
// back to every peer that contributed to it.
type receivedBlock struct {
	data   []byte
	peerID core.PeerID
}

// New creates a Manager for info, writing completed pieces to outputDir
// via disk.
func New(
	info metainfo.Info,
	config Config,
	clk clock.Clock,
	disk *diskio.Disk,
	outputDir string,
	events EventSink) (*Manager, error) {

	config = config.applyDefaults()
	segmentMap, err := diskio.BuildSegmentMap(info)
	if err != nil {
		return nil, fmt.Errorf("build segment map: %w", err)
	}
	if events == nil {
		events = NoopEventSink{}
	}

	n := info.NumPieces()
	m := &Manager{
		info:            info,
		config:          config,
		clock:           clk,
		disk:            disk,
		segmentMap:      segmentMap,
		outputDir:       outputDir,
		events:          events,
		requests:        make(map[blockKey][]*request),
		requestsByPeer:  make(map[core.PeerID]map[blockKey]*request),
		pieceState:      make([]PieceState, n),
		received:        make([]map[int]receivedBlock, n),
		bitfields:       make(map[core.PeerID]*bitset.BitSet),
		numPeersByPiece: syncutil.NewCounters(n),
		peerFailures:    make(map[core.PeerID]int),
	}
	if err := m.preallocate(); err != nil {
		return nil, fmt.Errorf("preallocate: %w", err)
	}
	return m, nil
}

// preallocate creates every file at its final length up front, so later
// piece writes can open existing files for writing in place.
func (m *Manager) preallocate() error {
	for _, f := range m.info.FileEntries() {
		path := m.info.FilePath(m.outputDir, f)
		if err := m.disk.Preallocate(path, f.Length); err != nil {
			return err
		}
	}
	return nil
}

// numBlocks returns the number of blocks in piece index.
func (m *Manager) numBlocks(index int) (int, error) {
	size, err := m.info.PieceSize(index)
	if err != nil {
		return 0, err
	}
	return int((size + m.config.BlockSize - 1) / m.config.BlockSize), nil
}

// blockLength returns the length of the block at begin within piece index.
func (m *Manager) blockLength(index, begin int) (int, error) {
	size, err := m.info.PieceSize(index)
	if err != nil {
		return 0, err
	}
	remaining := size - int64(begin)
	if remaining <= 0 {
		return 0, fmt.Errorf("begin %d out of range for piece %d of size %d", begin, index, size)
	}
	if remaining > m.config.BlockSize {
		return int(m.config.BlockSize), nil
	}
	return int(remaining), nil
}

// SetPeerBitfield records peerID's full piece availability, replacing any
// previously recorded bitfield and adjusting rarity counters accordingly.
func (m *Manager) SetPeerBitfield(peerID core.PeerID, bf *bitset.BitSet) {
	m.Lock()
	defer m.Unlock()

	if old, ok := m.bitfields[peerID]; ok {
		for i, e := old.NextSet(0); e; i, e = old.NextSet(i + 1) {
			m.numPeersByPiece.Decrement(int(i))
		}
	}
	clone := bf.Clone()
	m.bitfields[peerID] = clone
	for i, e := clone.NextSet(0); e; i, e = clone.NextSet(i + 1) {
		m.numPeersByPiece.Increment(int(i))
	}
}

// OnPeerHave records a single newly-announced piece from peerID (the BT
// "have" message), updating rarity counters the same way a full bitfield
// update would.
func (m *Manager) OnPeerHave(peerID core.PeerID, index int) {
	m.Lock()
	defer m.Unlock()

	bf, ok := m.bitfields[peerID]
	if !ok {
		bf = bitset.New(uint(len(m.pieceState)))
		m.bitfields[peerID] = bf
	}
	if bf.Test(uint(index)) {
		return
	}
	bf.Set(uint(index))
	m.numPeersByPiece.Increment(index)
}

// OnPeerGone releases all bookkeeping associated with peerID: its
// bitfield, rarity contribution, and any in-flight requests.
func (m *Manager) OnPeerGone(peerID core.PeerID) {
	m.Lock()
	defer m.Unlock()

	if bf, ok := m.bitfields[peerID]; ok {
		for i, e := bf.NextSet(0); e; i, e = bf.NextSet(i + 1) {
			m.numPeersByPiece.Decrement(int(i))
		}
		delete(m.bitfields, peerID)
	}

	delete(m.requestsByPeer, peerID)
	for key, rs := range m.requests {
		kept := rs[:0]
		for _, r := range rs {
			if r.peerID != peerID {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = kept
		}
	}
}

// Progress returns the number of verified pieces and the total piece
// count.
func (m *Manager) Progress() (verified, total int) {
	m.RLock()
	defer m.RUnlock()
	return m.verified, len(m.pieceState)
}

// PeerFailureCount returns the number of pieces peerID has contributed
// a block to that subsequently failed hash verification.
func (m *Manager) PeerFailureCount(peerID core.PeerID) int {
	m.RLock()
	defer m.RUnlock()
	return m.peerFailures[peerID]
}

// Bitmap returns a snapshot of our own verified pieces.
func (m *Manager) Bitmap() *bitset.BitSet {
	m.RLock()
	defer m.RUnlock()
	bf := bitset.New(uint(len(m.pieceState)))
	for i, s := range m.pieceState {
		if s == PieceVerified {
			bf.Set(uint(i))
		}
	}
	return bf
}

// RestoreFromCheckpoint marks indices as verified without re-reading or
// re-hashing their bytes, trusting a prior checkpoint's validation.
func (m *Manager) RestoreFromCheckpoint(indices []int) {
	m.Lock()
	defer m.Unlock()
	for _, i := range indices {
		if i < 0 || i >= len(m.pieceState) {
			continue
		}
		if m.pieceState[i] != PieceVerified {
			m.pieceState[i] = PieceVerified
			m.verified++
		}
	}
}

// RequestCancellations drains and returns pending endgame cancellations:
// duplicate requests that should be cancelled on the wire because another
// peer's copy of the same block already arrived.
func (m *Manager) RequestCancellations() []Cancellation {
	m.Lock()
	defer m.Unlock()
	c := m.cancellations
	m.cancellations = nil
	return c
}

func (m *Manager) expired(r *request) bool {
	return m.clock.Now().After(r.sentAt.Add(m.config.RequestTimeout))
}

func (m *Manager) remainingMissing() int {
	remaining := 0
	for _, s := range m.pieceState {
		if s != PieceVerified {
			remaining++
		}
	}
	return remaining
}

func (m *Manager) endgame() bool {
	return m.remainingMissing() <= m.config.EndgameThreshold
}
