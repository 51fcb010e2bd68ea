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
package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/core"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	ih := core.InfoHashFixture()
	bus.Publish(NewPieceVerified(ih, 3))

	select {
	case e := <-sub1.Events():
		require.Equal(t, PieceVerified, e.Kind)
		require.Equal(t, 3, e.Piece)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on sub1")
	}
	select {
	case e := <-sub2.Events():
		require.Equal(t, PieceVerified, e.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event on sub2")
	}
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(NewDownloadComplete(core.InfoHashFixture()))

	_, ok := <-sub.Events()
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublishDoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()

	ih := core.InfoHashFixture()
	for i := 0; i < DefaultSubscriberBufferSize+10; i++ {
		bus.Publish(NewPieceVerified(ih, i))
	}

	require.Len(t, sub.Events(), DefaultSubscriberBufferSize)
}

func TestEventConstructorsSetExpectedFields(t *testing.T) {
	ih := core.InfoHashFixture()

	e := NewError(ih, "disk", errors.New("boom"))
	require.Equal(t, Error, e.Kind)
	require.Equal(t, "disk", e.ErrKind)

	tick := NewStatusTick(ih, "seeding")
	require.Equal(t, StatusTick, tick.Kind)
	require.Equal(t, "seeding", tick.Status)
}
