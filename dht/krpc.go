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
	"fmt"

	"github.com/ccbt-project/ccbt/bencode"
)

// KRPC message types, per BEP 5 §"KRPC Protocol".
const (
	typeQuery    = "q"
	typeResponse = "r"
	typeError    = "e"
)

const (
	queryPing         = "ping"
	queryFindNode     = "find_node"
	queryGetPeers     = "get_peers"
	queryAnnouncePeer = "announce_peer"
)

// envelope is the outer KRPC message shape shared by queries, responses,
// and errors. Inner payloads are kept as raw bencode so they can be
// decoded into the shape appropriate for q / the original query.
type envelope struct {
	T string             `bencode:"t"`
	Y string             `bencode:"y"`
	Q string             `bencode:"q,omitempty"`
	A bencode.RawMessage `bencode:"a,omitempty"`
	R bencode.RawMessage `bencode:"r,omitempty"`
	E bencode.RawMessage `bencode:"e,omitempty"`
}

// pingArgs / pingResult carry only our own ID; ping exists purely so remote
// nodes can be validated as reachable.
type pingArgs struct {
	ID ID `bencode:"id"`
}

type pingResult struct {
	ID ID `bencode:"id"`
}

type findNodeArgs struct {
	ID     ID `bencode:"id"`
	Target ID `bencode:"target"`
}

type findNodeResult struct {
	ID    ID     `bencode:"id"`
	Nodes []byte `bencode:"nodes"`
}

type getPeersArgs struct {
	ID       ID `bencode:"id"`
	InfoHash ID `bencode:"info_hash"`
}

// getPeersResult holds either Values (compact peer strings, 6 bytes each)
// when the queried node knows peers for the info_hash, or Nodes (compact
// node info) pointing the lookup at closer candidates. Exactly one is
// populated in any real response.
type getPeersResult struct {
	ID     ID       `bencode:"id"`
	Token  string   `bencode:"token"`
	Values []string `bencode:"values,omitempty"`
	Nodes  []byte   `bencode:"nodes,omitempty"`
}

type announcePeerArgs struct {
	ID          ID     `bencode:"id"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
	InfoHash    ID     `bencode:"info_hash"`
	Port        int    `bencode:"port"`
	Token       string `bencode:"token"`
}

type announcePeerResult struct {
	ID ID `bencode:"id"`
}

// errorPayload is the [code, message] pair carried in an error envelope's
// "e" field, per BEP 5.
type errorPayload struct {
	Code    int
	Message string
}

func (e *errorPayload) UnmarshalBencode(b []byte) error {
	var tuple []interface{}
	if err := bencode.Unmarshal(b, &tuple); err != nil {
		return err
	}
	if len(tuple) != 2 {
		return fmt.Errorf("krpc error payload: expected 2 elements, got %d", len(tuple))
	}
	code, ok := tuple[0].(int64)
	if !ok {
		return fmt.Errorf("krpc error payload: code is not an integer")
	}
	msg, ok := tuple[1].(string)
	if !ok {
		return fmt.Errorf("krpc error payload: message is not a string")
	}
	e.Code = int(code)
	e.Message = msg
	return nil
}

func (e *errorPayload) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{e.Code, e.Message})
}

func (e *errorPayload) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

func encodeEnvelope(env *envelope) ([]byte, error) {
	return bencode.Marshal(env)
}

func decodeEnvelope(b []byte) (*envelope, error) {
	var env envelope
	if err := bencode.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
