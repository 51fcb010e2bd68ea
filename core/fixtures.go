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
package core

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// PeerIDFixture returns a randomly generated PeerID.
func PeerIDFixture() PeerID {
	p, err := RandomPeerID()
	if err != nil {
		panic(err)
	}
	return p
}

// PeerInfoFixture returns a randomly generated PeerInfo.
func PeerInfoFixture() *PeerInfo {
	return NewPeerInfo(PeerIDFixture(), randomIP(), randomPort(), SourceTracker)
}

// PeerContextFixture returns a randomly generated PeerContext.
func PeerContextFixture() PeerContext {
	pctx, err := NewPeerContext(RandomPeerIDFactory, randomIP(), randomPort())
	if err != nil {
		panic(err)
	}
	return pctx
}

// InfoHashFixture returns a randomly generated InfoHash.
func InfoHashFixture() InfoHash {
	p := PeerIDFixture()
	return NewInfoHashFromBytes(p[:])
}

// randomIP returns a random loopback-range IPv4 address for test fixtures.
// Not cryptographically meaningful; only needs to vary across calls.
func randomIP() string {
	return fmt.Sprintf("127.%d.%d.%d", randN(255), randN(255), randN(1, 255))
}

// randomPort returns a random ephemeral port for test fixtures.
func randomPort() int {
	return randN(1024, 65535)
}

func randN(bounds ...int) int {
	lo, hi := 0, bounds[0]
	if len(bounds) == 2 {
		lo, hi = bounds[0], bounds[1]
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo+1)))
	if err != nil {
		panic(err)
	}
	return lo + int(n.Int64())
}
