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
	"time"

	"github.com/ccbt-project/ccbt/utils/bandwidth"
	"github.com/ccbt-project/ccbt/utils/memsize"
)

// Config is the configuration for an individual live peer connection.
type Config struct {

	// HandshakeTimeout bounds dialing, writing, and reading a connection
	// during the BT handshake and, if both sides support it, the BEP10
	// extended handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// SenderBufferSize is the size of the sender channel for a
	// connection. Prevents writers to the connection from being blocked
	// if many writers try to send messages at the same time.
	SenderBufferSize int `yaml:"sender_buffer_size"`

	// ReceiverBufferSize is the size of the receiver channel for a
	// connection. Prevents the connection reader from being blocked if
	// a receiver consumer is taking a long time to process a message.
	ReceiverBufferSize int `yaml:"receiver_buffer_size"`

	// MaxMessageSize bounds a non-piece message's body.
	MaxMessageSize int `yaml:"max_message_size"`

	// MaxBlockSize bounds a piece message's block payload. Requests for
	// larger blocks are never sent, but a misbehaving peer could still
	// send one, so the reader enforces this independently.
	MaxBlockSize int `yaml:"max_block_size"`

	Bandwidth bandwidth.Config `yaml:"bandwidth"`
}

func (c Config) applyDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 1000
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 1000
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxBlockSize == 0 {
		c.MaxBlockSize = 32 * memsize.KB
	}
	if c.Bandwidth.EgressBitsPerSec == 0 {
		c.Bandwidth.EgressBitsPerSec = 200 * 8 * memsize.Mbit
	}
	if c.Bandwidth.IngressBitsPerSec == 0 {
		c.Bandwidth.IngressBitsPerSec = 300 * 8 * memsize.Mbit
	}
	return c
}
