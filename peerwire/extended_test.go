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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

func TestExtendedHandshakeRoundTrip(t *testing.T) {
	h := NewExtendedHandshake(1, 4096, "ccbt/1.0")

	data, err := MarshalExtendedHandshake(h)
	require.NoError(t, err)

	got, err := UnmarshalExtendedHandshake(data)
	require.NoError(t, err)
	require.Equal(t, 4096, got.MetadataSize)
	require.Equal(t, "ccbt/1.0", got.Version)

	id, ok := got.UTMetadataID()
	require.True(t, ok)
	require.Equal(t, byte(1), id)
}

func TestExtendedHandshakeNoUTMetadata(t *testing.T) {
	h := ExtendedHandshake{M: map[string]int{}}
	_, ok := h.UTMetadataID()
	require.False(t, ok)
}

func TestUTMetadataRequestRoundTrip(t *testing.T) {
	payload, err := MarshalUTMetadataRequest(2)
	require.NoError(t, err)

	msg, err := UnmarshalUTMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, UTMetadataRequest, msg.Type)
	require.Equal(t, 2, msg.Piece)
	require.Nil(t, msg.Data)
}

func TestUTMetadataDataRoundTrip(t *testing.T) {
	data := []byte("some metadata bytes that form one piece")
	payload, err := MarshalUTMetadataData(0, len(data), data)
	require.NoError(t, err)

	msg, err := UnmarshalUTMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, UTMetadataData, msg.Type)
	require.Equal(t, 0, msg.Piece)
	require.Equal(t, len(data), msg.TotalSize)
	require.Equal(t, data, msg.Data)
}

func TestUTMetadataRejectRoundTrip(t *testing.T) {
	payload, err := MarshalUTMetadataReject(5)
	require.NoError(t, err)

	msg, err := UnmarshalUTMetadataMessage(payload)
	require.NoError(t, err)
	require.Equal(t, UTMetadataReject, msg.Type)
	require.Equal(t, 5, msg.Piece)
}

func TestExtendedHandshakeWithPexRoundTrip(t *testing.T) {
	h := NewExtendedHandshakeWithPex(1, 2, 4096, "ccbt/1.0")

	data, err := MarshalExtendedHandshake(h)
	require.NoError(t, err)

	got, err := UnmarshalExtendedHandshake(data)
	require.NoError(t, err)

	mid, ok := got.UTMetadataID()
	require.True(t, ok)
	require.Equal(t, byte(1), mid)

	pid, ok := got.UTPexID()
	require.True(t, ok)
	require.Equal(t, byte(2), pid)
}

func TestExtendedHandshakeNoUTPex(t *testing.T) {
	h := ExtendedHandshake{M: map[string]int{}}
	_, ok := h.UTPexID()
	require.False(t, ok)
}

func TestPexMessageRoundTrip(t *testing.T) {
	added := []PexPeer{
		NewPexPeer("10.0.0.1", 6881, PexPrefersEncryption|PexSupportsUTP),
		NewPexPeer("10.0.0.2", 6882, 0),
	}
	dropped := []PexPeer{
		NewPexPeer("10.0.0.3", 6883, 0),
	}

	payload, err := MarshalPexMessage(added, dropped)
	require.NoError(t, err)

	msg, err := UnmarshalPexMessage(payload)
	require.NoError(t, err)

	require.Len(t, msg.Added, 2)
	require.Equal(t, "10.0.0.1", msg.Added[0].IP)
	require.Equal(t, 6881, msg.Added[0].Port)
	require.Equal(t, core.SourcePEX, msg.Added[0].Source)
	require.Len(t, msg.Flags, 2)
	require.Equal(t, PexPrefersEncryption|PexSupportsUTP, msg.Flags[0])
	require.Equal(t, PexFlags(0), msg.Flags[1])

	require.Len(t, msg.Dropped, 1)
	require.Equal(t, "10.0.0.3", msg.Dropped[0].IP)
	require.Equal(t, 6883, msg.Dropped[0].Port)
}

func TestPexMessageEmptyAddedAndDropped(t *testing.T) {
	payload, err := MarshalPexMessage(nil, nil)
	require.NoError(t, err)

	msg, err := UnmarshalPexMessage(payload)
	require.NoError(t, err)
	require.Empty(t, msg.Added)
	require.Empty(t, msg.Dropped)
}

func TestPexMessageRejectsMalformedCompactPeers(t *testing.T) {
	payload, err := bencode.Marshal(pexMessage{Added: "not-six-aligned"})
	require.NoError(t, err)

	_, err = UnmarshalPexMessage(payload)
	require.Error(t, err)
}
