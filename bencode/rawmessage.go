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
package bencode

// RawMessage holds the exact, still-encoded bytes of a single bencode
// value. Decoding into a RawMessage field copies the value's raw bytes
// verbatim instead of recursively decoding it; encoding a RawMessage writes
// those bytes back out unchanged.
//
// This is how metainfo.Parse recovers the exact byte span of a .torrent's
// "info" dictionary: the surrounding struct declares that field as
// RawMessage, and the info hash is computed directly over RawMessage's
// bytes rather than over a re-encoding of a decoded Go struct. Re-encoding
// only round-trips exactly for the fields the struct happens to declare; any
// vendor extension key in the original dict would otherwise be silently
// dropped and the hash would no longer match the swarm.
type RawMessage []byte

// MarshalBencode implements Marshaler.
func (r RawMessage) MarshalBencode() ([]byte, error) {
	if len(r) == 0 {
		return []byte("0:"), nil
	}
	return []byte(r), nil
}

// UnmarshalBencode implements Unmarshaler.
func (r *RawMessage) UnmarshalBencode(data []byte) error {
	*r = append((*r)[0:0], data...)
	return nil
}
