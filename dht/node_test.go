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
package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRandomIDRejectsDegenerateValues(t *testing.T) {
	for i := 0; i < 100; i++ {
		id, err := NewRandomID()
		require.NoError(t, err)
		require.False(t, id.isZero())
		require.False(t, id.isAllOnes())
	}
}

func TestIDDistanceSelfIsZero(t *testing.T) {
	id, err := NewRandomID()
	require.NoError(t, err)
	require.Equal(t, ID{}, id.Distance(id))
}

func TestIDPrefixLen(t *testing.T) {
	var a, b ID
	a[0] = 0b10000000
	b[0] = 0b10000000
	require.True(t, a.Distance(b).prefixLen() == 160) // identical -> max

	b[0] = 0b11000000
	d := a.Distance(b)
	require.Equal(t, 1, d.prefixLen())
}

func TestIDLessOrdersByXORDistanceMetric(t *testing.T) {
	var a, b ID
	a[0] = 0x01
	b[0] = 0x02
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestNodeRecordFailureFlipsBadAfterThreshold(t *testing.T) {
	n := &Node{Good: true}
	for i := 0; i < maxConsecutiveFailures; i++ {
		n.RecordFailure()
		require.True(t, n.Good)
	}
	n.RecordFailure()
	require.False(t, n.Good)
}

func TestNodeRecordSuccessRestoresGood(t *testing.T) {
	n := &Node{Good: false, Failed: 5}
	n.RecordSuccess(1)
	require.True(t, n.Good)
	require.Equal(t, 0, n.Failed)
}

func TestEncodeDecodeCompactNodesRoundTrip(t *testing.T) {
	id1, _ := NewRandomID()
	id2, _ := NewRandomID()
	nodes := []*Node{
		{ID: id1, IP: net.ParseIP("1.2.3.4"), Port: 6881},
		{ID: id2, IP: net.ParseIP("5.6.7.8"), Port: 6882},
	}
	b, err := EncodeCompactNodes(nodes)
	require.NoError(t, err)
	require.Len(t, b, 2*CompactNodeLen)

	decoded, err := DecodeCompactNodes(b)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.Equal(t, id1, decoded[0].ID)
	require.Equal(t, "1.2.3.4", decoded[0].IP.String())
	require.Equal(t, 6881, decoded[0].Port)
}

func TestDecodeCompactNodesInvalidLength(t *testing.T) {
	_, err := DecodeCompactNodes([]byte{1, 2, 3})
	require.Error(t, err)
}
