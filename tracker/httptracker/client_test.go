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
package httptracker

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/resilience"
	"github.com/ccbt-project/ccbt/tracker"
)

func TestAnnounceCompactPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		require.Equal(t, "started", r.URL.Query().Get("event"))

		body, err := bencode.Marshal(map[string]interface{}{
			"interval": 1800,
			"peers":    string([]byte{1, 2, 3, 4, 0x1a, 0xe1, 5, 6, 7, 8, 0x1a, 0xe2}),
			"complete": 1,
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, Config{})
	resp, err := c.Announce(tracker.AnnounceRequest{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
		Port:     6881,
		Event:    tracker.Started,
	})
	require.NoError(t, err)
	require.Equal(t, 1, resp.Complete)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "1.2.3.4", resp.Peers[0].IP)
	require.Equal(t, 6881, resp.Peers[0].Port)
	require.Equal(t, "5.6.7.8", resp.Peers[1].IP)
	require.Equal(t, 6882, resp.Peers[1].Port)
}

func TestAnnounceDictPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := bencode.Marshal(map[string]interface{}{
			"interval": 900,
			"peers": []map[string]interface{}{
				{"peer id": "aaaaaaaaaaaaaaaaaaaa", "ip": "10.0.0.1", "port": 1000},
			},
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, Config{})
	resp, err := c.Announce(tracker.AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, "10.0.0.1", resp.Peers[0].IP)
	require.Equal(t, 1000, resp.Peers[0].Port)
}

func TestAnnounceFailureReason(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := bencode.Marshal(map[string]interface{}{
			"failure reason": "unregistered torrent",
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, Config{})
	_, err := c.Announce(tracker.AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.Error(t, err)
}

func TestAnnounceRetriesTransientFailure(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, err := bencode.Marshal(map[string]interface{}{"interval": 1800})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer server.Close()

	c := New(server.URL, Config{Retry: resilience.RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   time.Millisecond,
	}})
	resp, err := c.Announce(tracker.AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}
