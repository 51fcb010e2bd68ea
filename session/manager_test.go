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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/metainfo"
	"github.com/ccbt-project/ccbt/queue"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	var peerID core.PeerID
	copy(peerID[:], []byte("-CC0001-abcdefghijkl"))
	pctx := core.PeerContext{PeerID: peerID}

	cfg := ManagerConfig{
		ListenAddr:    "127.0.0.1:0",
		OutputDir:     filepath.Join(t.TempDir(), "downloads"),
		CheckpointDir: filepath.Join(t.TempDir(), "checkpoints"),
	}
	m, err := NewManager(cfg, pctx, tally.NoopScope, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func testMetaInfo(t *testing.T, name string) *metainfo.MetaInfo {
	t.Helper()
	info := metainfo.Info{
		PieceLength: 16 * 1024,
		Pieces:      make([]byte, 20),
		Name:        name,
		Length:      1000,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	meta, err := metainfo.BuildFromInfoBytes(
		core.NewInfoHashFromBytes(infoBytes), infoBytes, []string{"http://tracker.example/announce"})
	require.NoError(t, err)
	return meta
}

func TestManagerAddTorrentRejectsDuplicate(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "a.bin")

	ih, err := m.AddTorrent(meta, false)
	require.NoError(t, err)
	require.Equal(t, meta.InfoHash, ih)

	_, err = m.AddTorrent(meta, false)
	require.ErrorIs(t, err, ErrTorrentExists)
}

func TestManagerAddMagnetRejectsDuplicate(t *testing.T) {
	m := testManager(t)
	uri := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=foo"

	ih, err := m.AddMagnet(uri, false)
	require.NoError(t, err)

	_, err = m.AddMagnet(uri, false)
	require.ErrorIs(t, err, ErrTorrentExists)

	require.Equal(t, "0123456789abcdef0123456789abcdef01234567", ih.Hex())
}

func TestManagerRemoveUnknownReturnsNotFound(t *testing.T) {
	m := testManager(t)
	err := m.Remove(core.InfoHash{})
	require.ErrorIs(t, err, ErrTorrentNotFound)
}

func TestManagerGetStatusAfterAdd(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "b.bin")

	ih, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	status, err := m.GetStatus(ih)
	require.NoError(t, err)
	require.Equal(t, Downloading, status)
}

func TestManagerGetPeersForTorrentEmptyInitially(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "c.bin")

	ih, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	peers, err := m.GetPeersForTorrent(ih)
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestManagerGlobalStatsCountsDownloading(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "d.bin")

	_, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	stats := m.GetGlobalStats()
	require.Equal(t, 1, stats.NumSessions)
	require.Equal(t, 1, stats.NumDownloading)
	require.Equal(t, 0, stats.NumSeeding)
}

func TestManagerPauseResumeDelegate(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "e.bin")

	ih, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	require.NoError(t, m.Pause(ih))
	status, err := m.GetStatus(ih)
	require.NoError(t, err)
	require.Equal(t, Paused, status)

	// Idempotent: pausing an already-paused session is swallowed.
	require.NoError(t, m.Pause(ih))

	require.NoError(t, m.Resume(ih))
	status, err = m.GetStatus(ih)
	require.NoError(t, err)
	require.Equal(t, Downloading, status)
}

func TestManagerExportImportSessionStateRoundTrip(t *testing.T) {
	m := testManager(t)
	magnetURI := "magnet:?xt=urn:btih:aabbccddeeff00112233445566778899aabbccdd&dn=bar"

	ih, err := m.AddMagnet(magnetURI, false)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, m.ExportSessionState(path))

	// Remove the in-memory session (without deleting its checkpoint dir)
	// so import has something to re-add.
	require.NoError(t, m.Remove(ih))

	added, err := m.ImportSessionState(path)
	require.NoError(t, err)
	require.Equal(t, []core.InfoHash{ih}, added)

	_, err = m.GetStatus(ih)
	require.NoError(t, err)
}

func TestManagerAddTorrentAfterStopRejected(t *testing.T) {
	m := testManager(t)
	m.Stop()

	_, err := m.AddTorrent(testMetaInfo(t, "f.bin"), false)
	require.ErrorIs(t, err, ErrManagerStopped)
}

func TestManagerStopIsIdempotent(t *testing.T) {
	m := testManager(t)
	m.Stop()
	m.Stop()
}

func TestManagerAddTorrentRegistersQueueEntry(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "g.bin")

	infoHash, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	e, ok := m.queue.Get(infoHash.Hex())
	require.True(t, ok)
	require.Equal(t, queue.RoleDownloading, e.Role)
}

func TestManagerRemoveDropsQueueEntry(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "h.bin")

	infoHash, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	require.NoError(t, m.Remove(infoHash))

	_, ok := m.queue.Get(infoHash.Hex())
	require.False(t, ok)
}

func TestManagerPauseUpdatesQueueState(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "i.bin")

	infoHash, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	require.NoError(t, m.Pause(infoHash))

	e, ok := m.queue.Get(infoHash.Hex())
	require.True(t, ok)
	require.Equal(t, queue.Paused, e.State)
}

func TestManagerAllocateImplementsQueueAllocationSink(t *testing.T) {
	m := testManager(t)
	meta := testMetaInfo(t, "j.bin")

	infoHash, err := m.AddTorrent(meta, false)
	require.NoError(t, err)

	m.Allocate(infoHash.Hex(), queue.Allocation{DownKiB: 64, UpKiB: 32})

	m.mu.Lock()
	s := m.sessions[infoHash]
	m.mu.Unlock()
	require.NotNil(t, s)

	s.mu.Lock()
	bw := s.bw
	s.mu.Unlock()
	require.NotNil(t, bw)
}
