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
package udptracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/tracker"
)

// fakeTrackerServer implements just enough of BEP15 to exercise Client:
// replies to connect with a fixed connection_id, and to announce with two
// compact peers.
func fakeTrackerServer(t *testing.T) (addr string, stop func()) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 2048)
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-done:
					return
				default:
					continue
				}
			}
			req := buf[:n]
			action := binary.BigEndian.Uint32(req[8:12])
			txID := binary.BigEndian.Uint32(req[12:16])

			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], actionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0xdeadbeef)
				conn.WriteToUDP(resp, raddr)
			case actionAnnounce:
				resp := make([]byte, 32)
				binary.BigEndian.PutUint32(resp[0:4], actionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)  // interval
				binary.BigEndian.PutUint32(resp[12:16], 2)    // leechers
				binary.BigEndian.PutUint32(resp[16:20], 3)    // seeders
				copy(resp[20:26], []byte{1, 2, 3, 4, 0x1a, 0xe1})
				copy(resp[26:32], []byte{5, 6, 7, 8, 0x1a, 0xe2})
				conn.WriteToUDP(resp, raddr)
			}
		}
	}()

	return conn.LocalAddr().String(), func() {
		close(done)
		conn.Close()
	}
}

func TestAnnounce(t *testing.T) {
	addr, stop := fakeTrackerServer(t)
	defer stop()

	c := New(addr, Config{Timeout: time.Second})
	resp, err := c.Announce(tracker.AnnounceRequest{
		InfoHash: core.InfoHashFixture(),
		PeerID:   core.PeerIDFixture(),
		Port:     6881,
		Event:    tracker.Started,
	})
	require.NoError(t, err)
	require.Equal(t, 1800*time.Second, resp.Interval)
	require.Equal(t, 3, resp.Complete)
	require.Equal(t, 2, resp.Incomplete)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "1.2.3.4", resp.Peers[0].IP)
	require.Equal(t, 6881, resp.Peers[0].Port)
}

func TestAnnounceReusesConnectionID(t *testing.T) {
	addr, stop := fakeTrackerServer(t)
	defer stop()

	c := New(addr, Config{Timeout: time.Second})
	_, err := c.Announce(tracker.AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NoError(t, err)

	require.Equal(t, uint64(0xdeadbeef), c.connectionID)
	expiry := c.connectionIDExpiry

	_, err = c.Announce(tracker.AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NoError(t, err)
	require.Equal(t, expiry, c.connectionIDExpiry)
}

func TestEventCodeMapping(t *testing.T) {
	require.Equal(t, uint32(0), eventCode(tracker.None))
	require.Equal(t, uint32(1), eventCode(tracker.Completed))
	require.Equal(t, uint32(2), eventCode(tracker.Started))
	require.Equal(t, uint32(3), eventCode(tracker.Stopped))
}
