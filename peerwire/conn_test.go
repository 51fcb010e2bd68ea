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
	"net"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/utils/bandwidth"
)

type noopEvents struct{}

func (noopEvents) ConnClosed(*Conn) {}

func newTestConnPair(t *testing.T) (*Conn, *Conn) {
	nc1, nc2 := net.Pipe()

	limiter, err := bandwidth.NewLimiter(bandwidth.Config{})
	require.NoError(t, err)

	cfg := Config{}.applyDefaults()
	logger := zap.NewNop().Sugar()

	c1, err := NewConn(cfg, tally.NoopScope, clock.New(), limiter, noopEvents{}, nc1,
		core.PeerIDFixture(), core.PeerIDFixture(), core.InfoHashFixture(), false, logger)
	require.NoError(t, err)

	c2, err := NewConn(cfg, tally.NoopScope, clock.New(), limiter, noopEvents{}, nc2,
		core.PeerIDFixture(), core.PeerIDFixture(), core.InfoHashFixture(), true, logger)
	require.NoError(t, err)

	c1.Start()
	c2.Start()
	return c1, c2
}

func TestConnSendReceive(t *testing.T) {
	c1, c2 := newTestConnPair(t)
	defer c1.Close()
	defer c2.Close()

	require.NoError(t, c1.Send(&Message{ID: Interested}))

	select {
	case msg := <-c2.Receiver():
		require.Equal(t, Interested, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnSendPiece(t *testing.T) {
	c1, c2 := newTestConnPair(t)
	defer c1.Close()
	defer c2.Close()

	block := []byte("the quick brown fox")
	require.NoError(t, c1.Send(&Message{ID: Piece, Index: 1, Begin: 0, Block: block}))

	select {
	case msg := <-c2.Receiver():
		require.Equal(t, Piece, msg.ID)
		require.Equal(t, block, msg.Block)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestConnCloseStopsReceiver(t *testing.T) {
	c1, c2 := newTestConnPair(t)
	defer c1.Close()

	c2.Close()

	select {
	case _, ok := <-c2.Receiver():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for receiver to close")
	}
	require.True(t, c2.IsClosed())
}
