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

import "errors"

// PeerContext defines the context a client runs within, namely the fields
// which identify it to the rest of a swarm: the ip/port it announces to
// trackers and peers, and the peer id it presents during the handshake.
type PeerContext struct {

	// IP and Port specify the address the client will announce itself as.
	// This is distinct from the address the listener is bound to, since a
	// client may sit behind NAT or port forwarding.
	IP   string `json:"ip"`
	Port int    `json:"port"`

	// PeerID the client will identify itself as in the BitTorrent handshake
	// and in tracker announces.
	PeerID PeerID `json:"peer_id"`
}

// NewPeerContext creates a new PeerContext, generating a PeerID via f.
func NewPeerContext(f PeerIDFactory, ip string, port int) (PeerContext, error) {
	if ip == "" {
		return PeerContext{}, errors.New("no ip supplied")
	}
	if port == 0 {
		return PeerContext{}, errors.New("no port supplied")
	}
	peerID, err := f.GeneratePeerID(ip, port)
	if err != nil {
		return PeerContext{}, err
	}
	return PeerContext{
		IP:     ip,
		Port:   port,
		PeerID: peerID,
	}, nil
}
