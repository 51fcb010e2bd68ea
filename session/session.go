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
	"fmt"
	"sync"
	"time"

	"github.com/ccbt-project/ccbt/checkpoint"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/dht"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/events"
	"github.com/ccbt-project/ccbt/metainfo"
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/pex"
	"github.com/ccbt-project/ccbt/piecemgr"
	"github.com/ccbt-project/ccbt/tracker"
	"github.com/ccbt-project/ccbt/tracker/httptracker"
	"github.com/ccbt-project/ccbt/tracker/udptracker"
	"github.com/ccbt-project/ccbt/utils/bandwidth"
)

// requestTickInterval is how often a Session re-evaluates block requests
// and endgame cancellations against its connected peers.
const requestTickInterval = time.Second

// Stats is a point-in-time snapshot of a Session's progress, reported by
// the Session Manager's global stats aggregation.
type Stats struct {
	InfoHash       core.InfoHash
	Status         Status
	VerifiedPieces int
	TotalPieces    int
	NumPeers       int
	Uploaded       int64
	Downloaded     int64
}

// Session drives one torrent end-to-end: peer discovery across trackers,
// the DHT, and PEX; up to Config.MaxPeersPerTorrent live wire
// connections; bridging their traffic to the piece manager; and
// periodic checkpointing of verified progress.
type Session struct {
	config    Config
	pctx      core.PeerContext
	deps      Deps
	outputDir string

	mu         sync.Mutex
	status     Status
	resumeTo   Status
	infoHash   core.InfoHash
	meta       *metainfo.MetaInfo
	magnet     *metainfo.Magnet
	metaAsm    *metadataAssembler
	mgr        *piecemgr.Manager
	segmentMap diskio.FileSegmentMap
	choke      *peerwire.ChokeManager
	pexTracker *pex.Tracker
	multi      *tracker.MultiTracker
	dhtID      dht.ID
	bw         *bandwidth.Limiter // per-torrent allocation from the queue's allocator; nil until set
	blocklist  *Blocklist

	peers         map[core.PeerID]*peerHandle
	candidates    []*core.PeerInfo
	dialingN      int
	metaRequested map[int]core.PeerID

	uploaded   int64
	downloaded int64

	errKind string
	lastErr error

	started   bool
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// infoHashToDHTID converts an info hash into the identically-shaped
// identifier dht.Server expects.
func infoHashToDHTID(ih core.InfoHash) dht.ID {
	var id dht.ID
	copy(id[:], ih[:])
	return id
}

// newBaseSession constructs the fields common to both a known-metainfo
// torrent and a magnet awaiting metadata.
func newBaseSession(config Config, pctx core.PeerContext, infoHash core.InfoHash, deps Deps, outputDir string) *Session {
	return &Session{
		config:        config.applyDefaults(),
		pctx:          pctx,
		deps:          deps,
		outputDir:     outputDir,
		status:        Starting,
		infoHash:      infoHash,
		dhtID:         infoHashToDHTID(infoHash),
		peers:         make(map[core.PeerID]*peerHandle),
		metaRequested: make(map[int]core.PeerID),
		done:          make(chan struct{}),
		blocklist:     newBlocklist(config.Blocklist),
	}
}

// metadataSize returns the info dictionary's byte length to advertise in
// this Session's extended handshake: known exactly once meta is set, the
// magnet's in-progress assembly total once learned from a peer, or 0
// while still unknown.
func (s *Session) metadataSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.meta != nil {
		return len(s.meta.InfoBytes)
	}
	if s.metaAsm != nil {
		return s.metaAsm.totalSize
	}
	return 0
}

// onMetadataComplete builds the piece manager now that BEP9 assembly
// finished, transitioning out of AcquiringMetadata.
func (s *Session) onMetadataComplete() {
	s.mu.Lock()
	trackers := s.magnet.Trackers
	s.mu.Unlock()

	meta, err := s.metaAsm.Assemble(trackers)
	if err != nil {
		s.fail("metadata", fmt.Errorf("assemble metadata: %w", err))
		return
	}

	segmentMap, err := diskio.BuildSegmentMap(meta.Info)
	if err != nil {
		s.fail("metadata", fmt.Errorf("build segment map: %w", err))
		return
	}
	mgr, err := piecemgr.New(meta.Info, s.config.PieceMgr, s.deps.Clock, s.deps.Disk, s.outputDir, (*sessionEventSink)(s))
	if err != nil {
		s.fail("metadata", fmt.Errorf("create piece manager: %w", err))
		return
	}

	s.mu.Lock()
	s.meta = meta
	s.segmentMap = segmentMap
	s.mgr = mgr
	_ = s.transitionLocked(Downloading)
	s.mu.Unlock()

	s.deps.Bus.Publish(events.NewMetadataComplete(s.infoHash))

	s.mu.Lock()
	peers := make([]*peerHandle, 0, len(s.peers))
	for _, ph := range s.peers {
		peers = append(peers, ph)
	}
	n := meta.Info.NumPieces()
	bf := mgr.Bitmap()
	s.mu.Unlock()
	bits := bitsFromBitfield(bf, n)
	for _, ph := range peers {
		_ = ph.conn.Send(&peerwire.Message{ID: peerwire.Bitfield, Bits: bits})
	}
}

// NewFromMetaInfo creates a Session for a torrent whose metadata is
// already known (parsed from a .torrent file, or restored from a
// checkpoint).
func NewFromMetaInfo(config Config, pctx core.PeerContext, meta *metainfo.MetaInfo, deps Deps, outputDir string) (*Session, error) {
	s := newBaseSession(config, pctx, meta.InfoHash, deps, outputDir)
	s.meta = meta
	segmentMap, err := diskio.BuildSegmentMap(meta.Info)
	if err != nil {
		return nil, fmt.Errorf("build segment map: %w", err)
	}
	s.segmentMap = segmentMap
	mgr, err := piecemgr.New(meta.Info, config.PieceMgr, deps.Clock, deps.Disk, outputDir, (*sessionEventSink)(s))
	if err != nil {
		return nil, fmt.Errorf("create piece manager: %w", err)
	}
	s.mgr = mgr
	return s, nil
}

// NewFromMagnet creates a Session for a magnet link whose info
// dictionary has not yet been fetched; the Session enters
// AcquiringMetadata on Start and builds its piece manager once BEP9
// metadata exchange completes.
func NewFromMagnet(config Config, pctx core.PeerContext, magnet *metainfo.Magnet, deps Deps, outputDir string) (*Session, error) {
	s := newBaseSession(config, pctx, magnet.InfoHash, deps, outputDir)
	s.magnet = magnet
	s.metaAsm = newMetadataAssembler(magnet.InfoHash)
	return s, nil
}

// InfoHash returns the torrent's identifying hash.
func (s *Session) InfoHash() core.InfoHash {
	return s.infoHash
}

// sessionEventSink adapts *Session to piecemgr.EventSink without
// exposing PieceVerified/PieceFailed as part of Session's own API.
type sessionEventSink Session

func (s *sessionEventSink) PieceVerified(index int) { (*Session)(s).onPieceVerified(index) }
func (s *sessionEventSink) PieceFailed(index int, offendingPeers []core.PeerID) {
	(*Session)(s).onPieceFailed(index, offendingPeers)
}

func (s *Session) onPieceVerified(index int) {
	s.deps.Bus.Publish(events.NewPieceVerified(s.infoHash, index))

	s.mu.Lock()
	verified, total := s.mgr.Progress()
	complete := verified == total
	if complete && (s.status == Downloading) {
		s.status = Seeding
	}
	s.mu.Unlock()

	if complete {
		s.deps.Bus.Publish(events.NewDownloadComplete(s.infoHash))
		if s.config.DeleteCheckpointOnComplete {
			if err := s.deps.Checkpoint.Delete(s.infoHash); err != nil {
				s.deps.Logger.Warnw("delete checkpoint on completion", "hash", s.infoHash, "error", err)
			}
		}
	}
}

func (s *Session) onPieceFailed(index int, offendingPeers []core.PeerID) {
	s.deps.Bus.Publish(events.NewPieceFailed(s.infoHash, index, offendingPeers))
	for _, peerID := range offendingPeers {
		s.strikePeer(peerID)
	}
}

// strikePeer records one instance of misbehavior by peerID against this
// Session's Blocklist and disconnects it immediately if the strike bans
// it. A banned peer is also rejected on any future reconnect attempt, by
// addPeer and AcceptIncoming.
func (s *Session) strikePeer(peerID core.PeerID) {
	if !s.blocklist.Strike(peerID) {
		return
	}
	s.mu.Lock()
	ph, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.deps.Logger.Warnw("peer banned for this session", "hash", s.infoHash, "peer", ph.addr)
	ph.conn.Close()
}

// fail transitions the Session to Errored, best-effort saves a final
// checkpoint, and publishes an Error event. Idempotent past the first
// call, since Errored only transitions to Stopped.
func (s *Session) fail(kind string, err error) {
	s.mu.Lock()
	if s.status == Errored || s.status == Stopped {
		s.mu.Unlock()
		return
	}
	s.status = Errored
	s.errKind = kind
	s.lastErr = err
	s.mu.Unlock()

	s.deps.Logger.Errorw("session errored", "hash", s.infoHash, "kind", kind, "error", err)
	s.deps.Bus.Publish(events.NewError(s.infoHash, kind, err))
	if cerr := s.saveCheckpoint(); cerr != nil {
		s.deps.Logger.Warnw("best-effort checkpoint save after error", "hash", s.infoHash, "error", cerr)
	}
}

// Status returns the Session's current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Stats returns a snapshot of the Session's progress.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		InfoHash:   s.infoHash,
		Status:     s.status,
		NumPeers:   len(s.peers),
		Uploaded:   s.uploaded,
		Downloaded: s.downloaded,
	}
	if s.mgr != nil {
		st.VerifiedPieces, st.TotalPieces = s.mgr.Progress()
	}
	return st
}

// transitionLocked moves the Session to status to, returning a transitionError if the
// move is not legal from the current state. Caller must hold s.mu.
func (s *Session) transitionLocked(to Status) error {
	if !canTransition(s.status, to) {
		return &transitionError{from: s.status, to: to}
	}
	s.status = to
	return nil
}

// clientFactories builds the tracker.ClientFactory callbacks MultiTracker
// uses to construct transport-specific clients on demand.
func (s *Session) clientFactories() (httpFn, udpFn tracker.ClientFactory) {
	httpFn = func(announceURL string) (tracker.Client, error) {
		return httptracker.New(announceURL, s.deps.HTTPTracker), nil
	}
	udpFn = func(addr string) (tracker.Client, error) {
		return udptracker.New(addr, s.deps.UDPTracker), nil
	}
	return httpFn, udpFn
}

func (s *Session) announceTiers() [][]string {
	if s.meta != nil {
		if len(s.meta.AnnounceList) > 0 {
			return s.meta.AnnounceList
		}
		if s.meta.Announce != "" {
			return [][]string{{s.meta.Announce}}
		}
		return nil
	}
	if len(s.magnet.Trackers) > 0 {
		return [][]string{append([]string(nil), s.magnet.Trackers...)}
	}
	return nil
}

// Start begins discovery and, once metadata is known, downloading.
// resume, if true, restores progress from a prior checkpoint before
// announcing to any tracker.
func (s *Session) Start(resume bool) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	hasMeta := s.meta != nil
	s.mu.Unlock()

	httpFn, udpFn := s.clientFactories()
	s.multi = tracker.NewMultiTracker(s.announceTiers(), s.config.Tracker, httpFn, udpFn, s.deps.Logger)
	s.pexTracker = pex.NewTracker(s.config.PEX, s.deps.Clock)
	s.choke = peerwire.NewChokeManager(s.config.Choke, s.deps.Clock, (*sessionChokeEvents)(s))

	if hasMeta && resume {
		s.restoreCheckpoint()
	}

	s.mu.Lock()
	if hasMeta {
		verified, total := s.mgr.Progress()
		if total > 0 && verified == total {
			_ = s.transitionLocked(Seeding)
		} else {
			_ = s.transitionLocked(Downloading)
		}
	} else {
		_ = s.transitionLocked(AcquiringMetadata)
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.choke.Run() }()

	s.wg.Add(5)
	go s.discoveryLoop()
	go s.announceLoop()
	go s.dhtAnnounceLoop()
	go s.pexFlushLoop()
	go s.checkpointLoop()

	s.wg.Add(1)
	go s.schedulingLoop()

	return nil
}

func (s *Session) restoreCheckpoint() {
	state, err := s.deps.Checkpoint.Load(s.infoHash)
	if err != nil {
		if ckerr, ok := err.(*checkpoint.Error); !ok || ckerr.Kind != checkpoint.KindMissingSource {
			s.deps.Logger.Warnw("load checkpoint", "hash", s.infoHash, "error", err)
		}
		return
	}
	s.mgr.RestoreFromCheckpoint(state.VerifiedPieces)
}

// Stop halts every background loop, closes live peer connections,
// announces the BEP3 "stopped" event best-effort, and saves a final
// checkpoint unless the torrent completed and is configured to delete
// its checkpoint on completion.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.choke != nil {
			s.choke.Stop()
		}
		s.wg.Wait()

		s.mu.Lock()
		peers := make([]*peerHandle, 0, len(s.peers))
		for _, ph := range s.peers {
			peers = append(peers, ph)
		}
		wasSeeding := s.status == Seeding
		s.status = Stopped
		s.mu.Unlock()

		for _, ph := range peers {
			ph.conn.Close()
		}

		if s.multi != nil {
			req := s.announceRequest(tracker.Stopped)
			go s.multi.Announce(req)
		}

		if !(wasSeeding && s.config.DeleteCheckpointOnComplete) {
			if err := s.saveCheckpoint(); err != nil {
				s.deps.Logger.Warnw("final checkpoint save", "hash", s.infoHash, "error", err)
			}
		}
	})
}

// Pause suspends discovery and piece exchange while keeping progress
// in memory, transitioning from Downloading or Seeding.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Downloading && s.status != Seeding {
		return &transitionError{from: s.status, to: Paused}
	}
	s.resumeTo = s.status
	return s.transitionLocked(Paused)
}

// Resume returns a Paused Session to whichever of Downloading/Seeding it
// was in before Pause.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != Paused {
		return &transitionError{from: s.status, to: s.resumeTo}
	}
	return s.transitionLocked(s.resumeTo)
}

// ForceAnnounce triggers an immediate tracker announce, bypassing the
// regular cadence.
func (s *Session) ForceAnnounce() {
	if s.multi == nil {
		return
	}
	go func() {
		req := s.announceRequest(tracker.None)
		resp, _ := s.multi.Announce(req)
		s.addCandidates(peersFromResponse(resp))
	}()
}

// ForceScrape fetches swarm statistics for this torrent from its
// trackers without announcing. Best-effort: a tracker that doesn't
// support scraping, or that has no record of this info-hash yet, yields
// an empty, non-fatal ScrapeReport.
func (s *Session) ForceScrape() *tracker.ScrapeReport {
	if s.multi == nil {
		return &tracker.ScrapeReport{Entries: map[core.InfoHash]tracker.ScrapeEntry{}}
	}
	return s.multi.Scrape(s.infoHash)
}

// RefreshPEX runs an immediate ut_pex flush for every connected peer that
// supports it. The pex tracker's MinFlushInterval throttle still applies,
// so a peer flushed within that interval, or one with no peer-set change
// to report, is sent nothing.
func (s *Session) RefreshPEX() {
	s.mu.Lock()
	peers := make([]*peerHandle, 0, len(s.peers))
	for _, ph := range s.peers {
		peers = append(peers, ph)
	}
	s.mu.Unlock()
	for _, ph := range peers {
		s.flushPex(ph)
	}
}

// Rehash forces the piece manager to forget every piece's verified
// status and re-derive it by re-hashing from disk on the next request
// cycle. Used when on-disk data is suspected to have changed outside
// this process.
func (s *Session) Rehash() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return fmt.Errorf("rehash: metadata not yet acquired")
	}
	s.mgr.RestoreFromCheckpoint(nil)
	return nil
}

func (s *Session) saveCheckpoint() error {
	s.mu.Lock()
	if s.mgr == nil {
		s.mu.Unlock()
		return nil
	}
	bm := s.mgr.Bitmap()
	numPieces := s.meta.Info.NumPieces()
	state := checkpoint.State{
		InfoHash:     s.infoHash,
		NumPieces:    numPieces,
		SavedAt:      s.deps.Clock.Now(),
		AnnounceList: s.announceTiers(),
	}
	for i, e := bm.NextSet(0); e; i, e = bm.NextSet(i + 1) {
		state.VerifiedPieces = append(state.VerifiedPieces, int(i))
	}
	if s.meta != nil {
		state.MetainfoBytes = s.meta.InfoBytes
		for _, f := range s.meta.Info.FileEntries() {
			state.Files = append(state.Files, checkpoint.FileRecord{
				Path:   s.meta.Info.FilePath("", f),
				Length: f.Length,
			})
		}
	}
	s.mu.Unlock()
	return s.deps.Checkpoint.Save(state)
}

func (s *Session) announceRequest(event tracker.Event) tracker.AnnounceRequest {
	s.mu.Lock()
	var left int64
	if s.mgr != nil {
		left = s.remainingBytesLocked()
	}
	uploaded, downloaded := s.uploaded, s.downloaded
	s.mu.Unlock()

	return tracker.AnnounceRequest{
		InfoHash:   s.infoHash,
		PeerID:     s.pctx.PeerID,
		IP:         s.pctx.IP,
		Port:       s.pctx.Port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    50,
	}
}

// remainingBytesLocked estimates bytes left to download from verified
// piece count. Caller must hold s.mu.
func (s *Session) remainingBytesLocked() int64 {
	if s.mgr == nil || s.meta == nil {
		return 0
	}
	verified, total := s.mgr.Progress()
	if total == 0 {
		return 0
	}
	avg := s.meta.Info.TotalLength() / int64(total)
	return int64(total-verified) * avg
}

func peersFromResponse(resp *tracker.AnnounceResponse) []*core.PeerInfo {
	if resp == nil {
		return nil
	}
	return resp.Peers
}

func (s *Session) addCandidates(peers []*core.PeerInfo) {
	if len(peers) == 0 {
		return
	}
	s.mu.Lock()
	s.candidates = core.DedupePeerInfos(append(s.candidates, peers...))
	s.mu.Unlock()
}

// sessionChokeEvents adapts *Session to peerwire.ChokeEvents.
type sessionChokeEvents Session

func (s *sessionChokeEvents) PeerChoked(peerID core.PeerID)   { (*Session)(s).sendChoke(peerID, true) }
func (s *sessionChokeEvents) PeerUnchoked(peerID core.PeerID) { (*Session)(s).sendChoke(peerID, false) }

func (s *Session) sendChoke(peerID core.PeerID, choking bool) {
	s.mu.Lock()
	ph, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	id := peerwire.Unchoke
	if choking {
		id = peerwire.Choke
	}
	_ = ph.conn.Send(&peerwire.Message{ID: id})
}
