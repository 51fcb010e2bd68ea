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
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/utils/bandwidth"
)

// Events defines Conn lifecycle events.
type Events interface {
	ConnClosed(*Conn)
}

// Conn manages a single peer connection for one torrent: it frames
// messages on and off the socket, meters piece payloads against a shared
// bandwidth.Limiter, and exposes buffered send/receive channels so the
// caller's per-peer state machine never blocks on socket I/O directly.
type Conn struct {
	peerID      core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time
	localPeerID core.PeerID
	bandwidth   *bandwidth.Limiter

	events Events

	nc     net.Conn
	config Config
	clk    clock.Clock
	stats  tally.Scope

	openedByRemote bool

	startOnce sync.Once

	sender   chan *Message
	receiver chan *Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup

	logger *zap.SugaredLogger
}

// NewConn wraps an already-handshaked net.Conn. Start must be called to
// begin pumping messages.
func NewConn(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	limiter *bandwidth.Limiter,
	events Events,
	nc net.Conn,
	localPeerID core.PeerID,
	remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*Conn, error) {

	config = config.applyDefaults()

	// Clear handshake deadlines; once a Conn is running, idleness is
	// managed by the caller's choke/preemption logic instead.
	if err := nc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	c := &Conn{
		peerID:         remotePeerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		localPeerID:    localPeerID,
		bandwidth:      limiter,
		events:         events,
		nc:             nc,
		config:         config,
		clk:            clk,
		stats:          stats,
		openedByRemote: openedByRemote,
		sender:         make(chan *Message, config.SenderBufferSize),
		receiver:       make(chan *Message, config.ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
		logger:         logger,
	}
	return c, nil
}

// Start starts message processing on c. Once started, c may close itself
// if it encounters an I/O error.
func (c *Conn) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.writeLoop()
	})
}

// PeerID returns the remote peer id.
func (c *Conn) PeerID() core.PeerID {
	return c.peerID
}

// InfoHash returns the info hash of the torrent this connection serves.
func (c *Conn) InfoHash() core.InfoHash {
	return c.infoHash
}

// RemoteAddr returns the "ip:port" of the underlying socket, used to key
// per-connection PEX and discovery bookkeeping.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// CreatedAt returns the time c was created.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// OpenedByRemote reports whether the remote peer initiated the
// connection.
func (c *Conn) OpenedByRemote() bool {
	return c.openedByRemote
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(peer=%s, hash=%s, opened_by_remote=%t)",
		c.peerID, c.infoHash, c.openedByRemote)
}

// Send queues msg for writing. Returns an error if c is closed or the
// sender buffer is full.
func (c *Conn) Send(msg *Message) error {
	select {
	case <-c.done:
		return errors.New("conn closed")
	case c.sender <- msg:
		return nil
	default:
		c.stats.Tagged(map[string]string{
			"dropped_message_type": msg.ID.String(),
		}).Counter("dropped_messages").Inc(1)
		return errors.New("send buffer full")
	}
}

// Receiver returns a read-only channel of incoming messages.
func (c *Conn) Receiver() <-chan *Message {
	return c.receiver
}

// Close starts c's shutdown sequence. Idempotent.
func (c *Conn) Close() {
	if !c.closed.CAS(false, true) {
		return
	}
	go func() {
		close(c.done)
		c.nc.Close()
		c.wg.Wait()
		c.events.ConnClosed(c)
	}()
}

// IsClosed reports whether c has begun closing.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

func (c *Conn) readMessage() (*Message, error) {
	id, bodyLen, ok, err := ReadMessageHeader(c.nc, c.config.MaxMessageSize, c.config.MaxBlockSize)
	if err != nil {
		return nil, fmt.Errorf("read message header: %w", err)
	}
	if !ok {
		return nil, nil // keep-alive
	}

	if id == Piece {
		blockLen := bodyLen - 8
		if err := c.bandwidth.ReserveIngress(int64(blockLen)); err != nil {
			return nil, fmt.Errorf("ingress bandwidth: %w", err)
		}
	}

	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(c.nc, body); err != nil {
			return nil, fmt.Errorf("read message body: %w", err)
		}
	}
	if id == Piece {
		c.countBandwidth("ingress", int64(8*(bodyLen-8)))
	}
	return ReadMessageBody(id, body)
}

// readLoop reads messages off the socket and forwards them to receiver.
func (c *Conn) readLoop() {
	defer func() {
		close(c.receiver)
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
			msg, err := c.readMessage()
			if err != nil {
				c.log().Infof("Error reading message from socket, exiting read loop: %s", err)
				return
			}
			if msg == nil {
				continue // keep-alive
			}
			c.receiver <- msg
		}
	}
}

func (c *Conn) sendMessage(msg *Message) error {
	if msg != nil && msg.ID == Piece {
		if err := c.bandwidth.ReserveEgress(int64(len(msg.Block))); err != nil {
			return fmt.Errorf("egress bandwidth: %w", err)
		}
	}
	if err := WriteMessage(c.nc, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if msg != nil && msg.ID == Piece {
		c.countBandwidth("egress", int64(8*len(msg.Block)))
	}
	return nil
}

// writeLoop pulls messages off sender and writes them to the socket.
func (c *Conn) writeLoop() {
	defer func() {
		c.wg.Done()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.sender:
			if err := c.sendMessage(msg); err != nil {
				c.log().Infof("Error writing message to socket, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (c *Conn) countBandwidth(direction string, nbits int64) {
	c.stats.Tagged(map[string]string{
		"piece_bandwidth_direction": direction,
	}).Counter("piece_bandwidth").Inc(nbits)
}

func (c *Conn) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", c.peerID, "hash", c.infoHash)
	return c.logger.With(keysAndValues...)
}
