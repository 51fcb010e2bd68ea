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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg *Message) *Message {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msg))
	got, err := ReadMessage(&buf, DefaultMaxMessageSize, DefaultMaxMessageSize)
	require.NoError(t, err)
	return got
}

func TestMessageRoundTripKeepAlive(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, nil))
	require.Equal(t, []byte{0, 0, 0, 0}, buf.Bytes())

	msg, err := ReadMessage(&buf, DefaultMaxMessageSize, DefaultMaxMessageSize)
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestMessageRoundTripChoke(t *testing.T) {
	got := roundTrip(t, &Message{ID: Choke})
	require.Equal(t, Choke, got.ID)
}

func TestMessageRoundTripHave(t *testing.T) {
	got := roundTrip(t, &Message{ID: Have, Index: 42})
	require.Equal(t, 42, got.Index)
}

func TestMessageRoundTripBitfield(t *testing.T) {
	bits := []byte{0xFF, 0x00, 0xAB}
	got := roundTrip(t, &Message{ID: Bitfield, Bits: bits})
	require.Equal(t, bits, got.Bits)
}

func TestMessageRoundTripRequest(t *testing.T) {
	got := roundTrip(t, &Message{ID: Request, Index: 1, Begin: 16384, Length: 16384})
	require.Equal(t, 1, got.Index)
	require.Equal(t, 16384, got.Begin)
	require.Equal(t, 16384, got.Length)
}

func TestMessageRoundTripPiece(t *testing.T) {
	block := []byte("hello world")
	got := roundTrip(t, &Message{ID: Piece, Index: 3, Begin: 8, Block: block})
	require.Equal(t, 3, got.Index)
	require.Equal(t, 8, got.Begin)
	require.Equal(t, block, got.Block)
}

func TestMessageRoundTripPort(t *testing.T) {
	got := roundTrip(t, &Message{ID: Port, DHTPort: 6881})
	require.Equal(t, uint16(6881), got.DHTPort)
}

func TestMessageRoundTripExtended(t *testing.T) {
	payload := []byte("d1:ai1ee")
	got := roundTrip(t, &Message{ID: Extended, ExtendedID: 3, ExtendedPayload: payload})
	require.Equal(t, byte(3), got.ExtendedID)
	require.Equal(t, payload, got.ExtendedPayload)
}

func TestReadMessageRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{ID: Bitfield, Bits: make([]byte, 100)}))

	_, err := ReadMessage(&buf, 10, 10)
	require.Error(t, err)
}

func TestReadMessageRejectsOversizedBlock(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &Message{ID: Piece, Index: 0, Begin: 0, Block: make([]byte, 100)}))

	_, err := ReadMessage(&buf, DefaultMaxMessageSize, 10)
	require.Error(t, err)
}
