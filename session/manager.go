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
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/checkpoint"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/dht"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/events"
	"github.com/ccbt-project/ccbt/metainfo"
	"github.com/ccbt-project/ccbt/peerwire"
	"github.com/ccbt-project/ccbt/queue"
	"github.com/ccbt-project/ccbt/tracker"
)

// queueSyncInterval is how often the Manager reconciles each Session's
// actual status with its queue.Entry's wanted role.
const queueSyncInterval = 5 * time.Second

// Manager errors.
var (
	ErrTorrentNotFound = errors.New("session: torrent not found")
	ErrTorrentExists   = errors.New("session: torrent already added")
	ErrManagerStopped  = errors.New("session: manager stopped")
)

// ManagerConfig configures a Manager: the shared listener and process-wide
// subsystems, plus the default Config handed to every Session it creates.
type ManagerConfig struct {
	// ListenAddr is the TCP address the shared peer listener binds to,
	// e.g. ":6881".
	ListenAddr string `yaml:"listen_addr"`

	// OutputDir is the root directory torrent data is written under.
	// Each torrent gets a subdirectory named by its hex info-hash.
	OutputDir string `yaml:"output_dir"`

	// CheckpointDir stores per-torrent checkpoint sidecars.
	CheckpointDir string `yaml:"checkpoint_dir"`

	// EnableDHT starts a shared DHT node used for peer discovery by every
	// Session. Disabled, Sessions fall back to tracker and PEX discovery
	// only.
	EnableDHT bool `yaml:"enable_dht"`

	// ShutdownTimeout bounds how long Stop waits for every Session to
	// unwind gracefully before giving up on the stragglers and returning
	// anyway. A Session that misses the deadline keeps running in the
	// background; its next Start restores from its checkpoint like any
	// other start and does not force a full re-verification from disk.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CleanupInterval is how often the Manager sweeps Stopped sessions
	// out of its table.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	Session  Config          `yaml:"session"`
	Peerwire peerwire.Config `yaml:"peerwire"`
	DHT      dht.Config      `yaml:"dht"`
	Disk     diskio.Config   `yaml:"disk"`

	Queue     queue.Config          `yaml:"queue"`
	Allocator queue.AllocatorConfig `yaml:"allocator"`
}

func (c ManagerConfig) applyDefaults() ManagerConfig {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = time.Minute
	}
	if c.OutputDir == "" {
		c.OutputDir = "./downloads"
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = "./checkpoints"
	}
	return c
}

// GlobalStats aggregates every active Session's Stats.
type GlobalStats struct {
	NumSessions     int
	NumDownloading  int
	NumSeeding      int
	NumPaused       int
	NumErrored      int
	TotalPeers      int
	TotalUploaded   int64
	TotalDownloaded int64
}

// sessionRecord is the JSON representation of one Session in an exported
// snapshot: enough to re-add the torrent and resume, but not a
// replacement for its checkpoint (piece-level progress lives there).
type sessionRecord struct {
	InfoHash    string `json:"info_hash"`
	Status      string `json:"status"`
	MagnetURI   string `json:"magnet_uri,omitempty"`
	HasMetaInfo bool   `json:"has_metainfo"`
}

// Manager owns every active Torrent Session, keyed by info hash, plus the
// process-wide resources they share: a single bandwidth-metered
// Handshaker behind one TCP listener, one DHT node, one Disk engine, one
// checkpoint Store, and one event bus.
type Manager struct {
	config ManagerConfig
	pctx   core.PeerContext
	deps   Deps

	listener net.Listener
	queue    *queue.Queue

	mu       sync.Mutex
	sessions map[core.InfoHash]*Session

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager builds the shared subsystems (Handshaker, optional DHT node,
// Disk engine, checkpoint Store, event bus) and a Manager ready to accept
// incoming connections once Start is called.
func NewManager(config ManagerConfig, pctx core.PeerContext, stats tally.Scope, logger *zap.SugaredLogger) (*Manager, error) {
	config = config.applyDefaults()

	clk := clock.New()
	bus := events.NewBus()
	disk := diskio.New(config.Disk)

	store, err := checkpoint.NewStore(config.CheckpointDir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	var dhtServer *dht.Server
	if config.EnableDHT {
		var nodeID dht.ID
		copy(nodeID[:], pctx.PeerID[:])
		dhtServer, err = dht.NewServer(config.ListenAddr, nodeID, config.DHT, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("dht server: %w", err)
		}
	}

	m := &Manager{
		config:   config,
		pctx:     pctx,
		sessions: make(map[core.InfoHash]*Session),
		done:     make(chan struct{}),
	}
	m.queue = queue.New(config.Queue, queue.NewAllocator(config.Allocator), m, clk)

	handshaker, err := peerwire.NewHandshaker(
		config.Peerwire, stats, clk, pctx.PeerID, config.EnableDHT, m.localExtended, m, logger)
	if err != nil {
		return nil, fmt.Errorf("handshaker: %w", err)
	}

	m.deps = Deps{
		Clock:      clk,
		Logger:     logger,
		Stats:      stats,
		Bus:        bus,
		Disk:       disk,
		Checkpoint: store,
		DHT:        dhtServer,
		Handshaker: handshaker,
	}

	return m, nil
}

// localExtended looks up the Session owning infoHash and builds the
// extended handshake it should present, so a torrent's metadata_size
// field reflects that specific torrent's progress rather than a
// Manager-wide default.
func (m *Manager) localExtended(infoHash core.InfoHash) peerwire.ExtendedHandshake {
	m.mu.Lock()
	s, ok := m.sessions[infoHash]
	m.mu.Unlock()
	if !ok {
		return localExtendedHandshake(0)
	}
	return localExtendedHandshake(s.metadataSize())
}

// Allocate implements queue.AllocationSink: it pushes a torrent's newly
// computed bandwidth allocation down to the Session's own token
// bucket, layered on top of the process-wide Handshaker limiter.
func (m *Manager) Allocate(id string, alloc queue.Allocation) {
	infoHash, err := core.NewInfoHashFromHex(id)
	if err != nil {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[infoHash]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.SetBandwidthAllocation(alloc.DownKiB, alloc.UpKiB)
}

// queueSyncLoop periodically reconciles every Session's actual status
// with its queue.Entry's wanted Role, so a torrent that finishes
// downloading starts competing for a seeding slot instead of a
// downloading one.
func (m *Manager) queueSyncLoop() {
	defer m.wg.Done()
	tick := m.deps.Clock.Tick(queueSyncInterval)
	for {
		select {
		case <-m.done:
			return
		case <-tick:
			m.syncQueueRoles()
		}
	}
}

func (m *Manager) syncQueueRoles() {
	m.mu.Lock()
	sessions := make(map[core.InfoHash]*Session, len(m.sessions))
	for ih, s := range m.sessions {
		sessions[ih] = s
	}
	m.mu.Unlock()

	for ih, s := range sessions {
		role := queue.RoleDownloading
		if s.Status() == Seeding {
			role = queue.RoleSeeding
		}
		m.queue.SetRole(ih.Hex(), role)
	}
}

// ConnClosed implements peerwire.Events. The Handshaker is shared by
// every Session, so every Conn it creates reports closure here; Manager
// routes the callback to the Session that owns conn's info hash.
func (m *Manager) ConnClosed(conn *peerwire.Conn) {
	m.mu.Lock()
	s, ok := m.sessions[conn.InfoHash()]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.onConnClosed(conn)
}

// Start binds the shared peer listener and begins accepting incoming
// connections and sweeping stopped sessions.
func (m *Manager) Start() error {
	l, err := net.Listen("tcp", m.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	m.listener = l

	m.wg.Add(3)
	go m.acceptLoop()
	go m.cleanupLoop()
	go m.queueSyncLoop()
	go m.queue.Run()
	return nil
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		nc, err := m.listener.Accept()
		if err != nil {
			m.deps.Logger.Infow("accept loop exiting", "error", err)
			return
		}
		go m.handleIncoming(nc)
	}
}

func (m *Manager) handleIncoming(nc net.Conn) {
	pc, err := m.deps.Handshaker.Accept(nc)
	if err != nil {
		m.deps.Logger.Debugw("incoming handshake read failed", "error", err)
		nc.Close()
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[pc.InfoHash()]
	m.mu.Unlock()
	if !ok {
		pc.Close()
		return
	}
	s.AcceptIncoming(pc)
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	tick := m.deps.Clock.Tick(m.config.CleanupInterval)
	for {
		select {
		case <-m.done:
			return
		case <-tick:
			m.sweepStopped()
		}
	}
}

func (m *Manager) sweepStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ih, s := range m.sessions {
		if s.Status() == Stopped {
			delete(m.sessions, ih)
		}
	}
}

// Stop stops every Session concurrently, waiting up to
// ManagerConfig.ShutdownTimeout before giving up on stragglers; a Session
// that misses the deadline keeps running in the background, and its next
// Start restores from its checkpoint without a full re-verification.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		close(m.done)
		if m.listener != nil {
			m.listener.Close()
		}
		m.queue.Stop()

		m.mu.Lock()
		sessions := make([]*Session, 0, len(m.sessions))
		for _, s := range m.sessions {
			sessions = append(sessions, s)
		}
		m.mu.Unlock()

		stopped := make(chan struct{})
		go func() {
			var wg sync.WaitGroup
			wg.Add(len(sessions))
			for _, s := range sessions {
				s := s
				go func() { defer wg.Done(); s.Stop() }()
			}
			wg.Wait()
			close(stopped)
		}()

		select {
		case <-stopped:
		case <-time.After(m.config.ShutdownTimeout):
			m.deps.Logger.Warnw("shutdown timeout exceeded, some sessions force-abandoned")
		}

		m.wg.Wait()
	})
}

func (m *Manager) torrentDir(infoHash core.InfoHash) string {
	return filepath.Join(m.config.OutputDir, infoHash.String())
}

// AddTorrent adds a torrent whose metadata is fully known from a parsed
// .torrent file, returning its info hash. Rejects a duplicate info hash
// already under management.
func (m *Manager) AddTorrent(meta *metainfo.MetaInfo, resume bool) (core.InfoHash, error) {
	if m.stopped() {
		return core.InfoHash{}, ErrManagerStopped
	}
	m.mu.Lock()
	if _, exists := m.sessions[meta.InfoHash]; exists {
		m.mu.Unlock()
		return core.InfoHash{}, ErrTorrentExists
	}
	m.mu.Unlock()

	s, err := NewFromMetaInfo(m.config.Session, m.pctx, meta, m.deps, m.torrentDir(meta.InfoHash))
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("new session: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[meta.InfoHash]; exists {
		m.mu.Unlock()
		return core.InfoHash{}, ErrTorrentExists
	}
	m.sessions[meta.InfoHash] = s
	m.mu.Unlock()

	if err := s.Start(resume); err != nil {
		m.mu.Lock()
		delete(m.sessions, meta.InfoHash)
		m.mu.Unlock()
		return core.InfoHash{}, fmt.Errorf("start session: %w", err)
	}
	m.queue.Add(meta.InfoHash.Hex(), 0, queue.RoleDownloading)
	return meta.InfoHash, nil
}

// AddMagnet adds a torrent from a magnet URI whose metadata has not yet
// been fetched, returning its info hash. Metadata is acquired from
// connected peers via BEP 9 once discovery finds any.
func (m *Manager) AddMagnet(magnetURI string, resume bool) (core.InfoHash, error) {
	if m.stopped() {
		return core.InfoHash{}, ErrManagerStopped
	}
	magnet, err := metainfo.ParseMagnet(magnetURI)
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("parse magnet: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[magnet.InfoHash]; exists {
		m.mu.Unlock()
		return core.InfoHash{}, ErrTorrentExists
	}
	m.mu.Unlock()

	s, err := NewFromMagnet(m.config.Session, m.pctx, magnet, m.deps, m.torrentDir(magnet.InfoHash))
	if err != nil {
		return core.InfoHash{}, fmt.Errorf("new session: %w", err)
	}

	m.mu.Lock()
	if _, exists := m.sessions[magnet.InfoHash]; exists {
		m.mu.Unlock()
		return core.InfoHash{}, ErrTorrentExists
	}
	m.sessions[magnet.InfoHash] = s
	m.mu.Unlock()

	if err := s.Start(resume); err != nil {
		m.mu.Lock()
		delete(m.sessions, magnet.InfoHash)
		m.mu.Unlock()
		return core.InfoHash{}, fmt.Errorf("start session: %w", err)
	}
	m.queue.Add(magnet.InfoHash.Hex(), 0, queue.RoleDownloading)
	return magnet.InfoHash, nil
}

func (m *Manager) stopped() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

func (m *Manager) lookup(infoHash core.InfoHash) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[infoHash]
	m.mu.Unlock()
	if !ok {
		return nil, ErrTorrentNotFound
	}
	return s, nil
}

// Remove stops infoHash's session, persists its final state (unless it
// completed and is configured to delete its checkpoint), and releases it
// from the Manager's table.
func (m *Manager) Remove(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	s.Stop()
	m.mu.Lock()
	delete(m.sessions, infoHash)
	m.mu.Unlock()
	m.queue.Remove(infoHash.Hex())
	return nil
}

// Pause delegates to infoHash's session. Idempotent: pausing an
// already-paused session is a no-op error, swallowed here.
func (m *Manager) Pause(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	if err := s.Pause(); err != nil {
		if s.Status() == Paused {
			return nil
		}
		return err
	}
	m.queue.Pause(infoHash.Hex())
	return nil
}

// Resume delegates to infoHash's session. Idempotent: resuming a
// non-paused session is a no-op error, swallowed here.
func (m *Manager) Resume(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	if err := s.Resume(); err != nil {
		if s.Status() != Paused {
			return nil
		}
		return err
	}
	m.queue.Resume(infoHash.Hex())
	return nil
}

// ForceAnnounce delegates to infoHash's session.
func (m *Manager) ForceAnnounce(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	s.ForceAnnounce()
	return nil
}

// ForceScrape delegates to infoHash's session.
func (m *Manager) ForceScrape(infoHash core.InfoHash) (*tracker.ScrapeReport, error) {
	s, err := m.lookup(infoHash)
	if err != nil {
		return nil, err
	}
	return s.ForceScrape(), nil
}

// RefreshPEX delegates to infoHash's session.
func (m *Manager) RefreshPEX(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	s.RefreshPEX()
	return nil
}

// Rehash delegates to infoHash's session.
func (m *Manager) Rehash(infoHash core.InfoHash) error {
	s, err := m.lookup(infoHash)
	if err != nil {
		return err
	}
	return s.Rehash()
}

// GetStatus returns infoHash's current lifecycle state.
func (m *Manager) GetStatus(infoHash core.InfoHash) (Status, error) {
	s, err := m.lookup(infoHash)
	if err != nil {
		return 0, err
	}
	return s.Status(), nil
}

// GetPeersForTorrent returns the "ip:port" of every peer infoHash's
// session currently holds a live connection to.
func (m *Manager) GetPeersForTorrent(infoHash core.InfoHash) ([]string, error) {
	s, err := m.lookup(infoHash)
	if err != nil {
		return nil, err
	}
	return s.PeerAddrs(), nil
}

// GetGlobalStats aggregates Stats across every active session.
func (m *Manager) GetGlobalStats() GlobalStats {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var g GlobalStats
	g.NumSessions = len(sessions)
	for _, s := range sessions {
		st := s.Stats()
		g.TotalPeers += st.NumPeers
		g.TotalUploaded += st.Uploaded
		g.TotalDownloaded += st.Downloaded
		switch st.Status {
		case Downloading, AcquiringMetadata, Starting:
			g.NumDownloading++
		case Seeding:
			g.NumSeeding++
		case Paused:
			g.NumPaused++
		case Errored:
			g.NumErrored++
		}
	}
	return g
}

// ExportSessionState writes a JSON snapshot of every active session's
// info hash, high-level status, and (for magnet-originated torrents) its
// magnet URI to path. This is a bookkeeping snapshot for reconstructing
// the Manager's torrent set on restart, not a replacement for each
// session's own checkpoint, which already persists piece-level progress.
func (m *Manager) ExportSessionState(path string) error {
	m.mu.Lock()
	records := make([]sessionRecord, 0, len(m.sessions))
	for ih, s := range m.sessions {
		s.mu.Lock()
		magnetURI := ""
		if s.magnet != nil {
			magnetURI = buildMagnetURI(s.magnet)
		}
		hasMeta := s.meta != nil
		s.mu.Unlock()
		records = append(records, sessionRecord{
			InfoHash:    ih.String(),
			Status:      s.Status().String(),
			MagnetURI:   magnetURI,
			HasMetaInfo: hasMeta,
		})
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// ImportSessionState reads a snapshot written by ExportSessionState and
// re-adds every torrent not already under management: torrents with
// known metainfo are rebuilt from their checkpoint's saved info bytes,
// torrents still awaiting metadata are re-added by magnet URI. Returns
// the info hashes successfully re-added.
func (m *Manager) ImportSessionState(path string) ([]core.InfoHash, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session state: %w", err)
	}
	var records []sessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal session state: %w", err)
	}

	var added []core.InfoHash
	for _, r := range records {
		ih, err := core.NewInfoHashFromHex(r.InfoHash)
		if err != nil {
			m.deps.Logger.Warnw("skip malformed session state record", "record", r.InfoHash, "error", err)
			continue
		}
		if _, err := m.lookup(ih); err == nil {
			continue // already under management
		}

		if r.HasMetaInfo {
			state, err := m.deps.Checkpoint.Load(ih)
			if err != nil {
				m.deps.Logger.Warnw("import session: load checkpoint", "hash", ih, "error", err)
				continue
			}
			meta, err := metainfo.BuildFromInfoBytes(ih, state.MetainfoBytes, flattenTiers(state.AnnounceList))
			if err != nil {
				m.deps.Logger.Warnw("import session: rebuild metainfo", "hash", ih, "error", err)
				continue
			}
			meta.AnnounceList = state.AnnounceList
			if _, err := m.AddTorrent(meta, true); err != nil {
				m.deps.Logger.Warnw("import session: add torrent", "hash", ih, "error", err)
				continue
			}
		} else if r.MagnetURI != "" {
			if _, err := m.AddMagnet(r.MagnetURI, true); err != nil {
				m.deps.Logger.Warnw("import session: add magnet", "hash", ih, "error", err)
				continue
			}
		} else {
			continue
		}
		added = append(added, ih)
	}
	return added, nil
}

// buildMagnetURI reconstructs a magnet: URI from a decoded Magnet, since
// Magnet itself (unlike MetaInfo's InfoBytes) keeps no verbatim source
// string to round-trip through a snapshot.
func buildMagnetURI(m *metainfo.Magnet) string {
	uri := "magnet:?xt=urn:btih:" + m.InfoHash.Hex()
	if m.DisplayName != "" {
		uri += "&dn=" + url.QueryEscape(m.DisplayName)
	}
	for _, t := range m.Trackers {
		uri += "&tr=" + url.QueryEscape(t)
	}
	for _, w := range m.WebSeeds {
		uri += "&ws=" + url.QueryEscape(w)
	}
	return uri
}

func flattenTiers(tiers [][]string) []string {
	var out []string
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	return out
}

// PeerAddrs returns the "ip:port" of every peer s currently holds a live
// connection to.
func (s *Session) PeerAddrs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.peers))
	for _, ph := range s.peers {
		addrs = append(addrs, ph.addr)
	}
	return addrs
}
