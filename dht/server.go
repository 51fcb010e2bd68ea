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
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

// Config configures a Server.
type Config struct {

	// QueryTimeout bounds how long we wait for a response to an outbound
	// query before treating it as failed.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// RefreshInterval is how often non-empty buckets are refreshed with a
	// find_node for a random ID in their range.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// TokenCleanupInterval is how often expired get_peers tokens we issued
	// to remote nodes are purged.
	TokenCleanupInterval time.Duration `yaml:"token_cleanup_interval"`

	// TokenTTL is how long a token we hand out in a get_peers response
	// remains valid for a subsequent announce_peer.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// LookupAlpha is the number of in-flight queries maintained during an
	// iterative get_peers lookup.
	LookupAlpha int `yaml:"lookup_alpha"`

	// LookupRounds bounds how many rounds an iterative lookup runs before
	// giving up, even if the closest known set hasn't stabilized.
	LookupRounds int `yaml:"lookup_rounds"`
}

func (c Config) applyDefaults() Config {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = 10 * time.Second
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 10 * time.Minute
	}
	if c.TokenCleanupInterval == 0 {
		c.TokenCleanupInterval = 5 * time.Minute
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 15 * time.Minute
	}
	if c.LookupAlpha == 0 {
		c.LookupAlpha = 3
	}
	if c.LookupRounds == 0 {
		c.LookupRounds = 8
	}
	return c
}

var errShutdown = errors.New("dht: server is shut down")

type pendingQuery struct {
	resp chan *envelope
}

// Server is a single Kademlia DHT participant: it answers queries from
// remote nodes, issues its own queries, and maintains a RoutingTable and
// a store of tokens it has handed out for get_peers.
type Server struct {
	config Config
	clk    clock.Clock
	logger *zap.SugaredLogger

	self ID
	conn *net.UDPConn

	table      *RoutingTable
	tokens     *tokenStore
	remoteToks *remoteTokenCache

	// peers maps info_hash -> set of compact peer addresses we've been
	// told about via announce_peer, so we can answer get_peers ourselves.
	mu    sync.Mutex
	peers map[ID]map[string]*core.PeerInfo

	txMu     sync.Mutex
	pending  map[string]*pendingQuery
	nextTxID uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewServer creates a Server bound to addr (use ":0" or "0.0.0.0:6881" etc)
// with the given local node ID.
func NewServer(addr string, self ID, config Config, clk clock.Clock, logger *zap.SugaredLogger) (*Server, error) {
	config = config.applyDefaults()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve addr: %s", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %s", err)
	}

	s := &Server{
		config:     config,
		clk:        clk,
		logger:     logger,
		self:       self,
		conn:       conn,
		table:      NewRoutingTable(self),
		tokens:     newTokenStore(config.TokenTTL),
		remoteToks: newRemoteTokenCache(config.TokenTTL),
		peers:      make(map[ID]map[string]*core.PeerInfo),
		pending:    make(map[string]*pendingQuery),
		closed:     make(chan struct{}),
	}

	go s.readLoop()
	go s.refreshLoop()
	go s.tokenCleanupLoop()

	return s, nil
}

// LocalAddr returns the UDP address the server is bound to.
func (s *Server) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close shuts down the server's socket and background tasks.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return s.conn.Close()
}

// RoutingTable exposes the server's routing table for inspection/tests.
func (s *Server) RoutingTable() *RoutingTable {
	return s.table
}

func (s *Server) newTxID() string {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.nextTxID++
	id := s.nextTxID
	return string([]byte{byte(id >> 8), byte(id)})
}

func (s *Server) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
				s.logger.Warnf("dht read error: %s", err)
				continue
			}
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		go s.handlePacket(msg, raddr)
	}
}

func (s *Server) handlePacket(b []byte, raddr *net.UDPAddr) {
	env, err := decodeEnvelope(b)
	if err != nil {
		s.logger.Debugf("dht: malformed packet from %s: %s", raddr, err)
		return
	}

	switch env.Y {
	case typeQuery:
		s.handleQuery(env, raddr)
	case typeResponse, typeError:
		s.txMu.Lock()
		pq, ok := s.pending[env.T]
		if ok {
			delete(s.pending, env.T)
		}
		s.txMu.Unlock()
		if ok {
			pq.resp <- env
		}
	}
}

func (s *Server) send(env *envelope, addr *net.UDPAddr) error {
	b, err := encodeEnvelope(env)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, addr)
	return err
}

// query sends a query envelope to addr and blocks until a matching response
// or error arrives, or QueryTimeout elapses.
func (s *Server) query(q string, args interface{}, addr *net.UDPAddr) (*envelope, error) {
	a, err := bencode.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal query args: %s", err)
	}

	txID := s.newTxID()
	env := &envelope{T: txID, Y: typeQuery, Q: q, A: a}

	pq := &pendingQuery{resp: make(chan *envelope, 1)}
	s.txMu.Lock()
	s.pending[txID] = pq
	s.txMu.Unlock()

	if err := s.send(env, addr); err != nil {
		s.txMu.Lock()
		delete(s.pending, txID)
		s.txMu.Unlock()
		return nil, err
	}

	select {
	case resp := <-pq.resp:
		if resp.Y == typeError {
			var ep errorPayload
			if err := ep.UnmarshalBencode(resp.E); err != nil {
				return nil, fmt.Errorf("dht: error response with unparseable payload: %s", err)
			}
			return nil, &ep
		}
		return resp, nil
	case <-s.clk.After(s.config.QueryTimeout):
		s.txMu.Lock()
		delete(s.pending, txID)
		s.txMu.Unlock()
		return nil, fmt.Errorf("dht: query %q to %s timed out", q, addr)
	case <-s.closed:
		return nil, errShutdown
	}
}

// refreshLoop periodically issues a find_node for a random ID in each
// non-empty bucket's range, keeping stale buckets populated.
func (s *Server) refreshLoop() {
	for {
		select {
		case <-s.clk.After(s.config.RefreshInterval):
			s.refreshBuckets()
		case <-s.closed:
			return
		}
	}
}

func (s *Server) refreshBuckets() {
	for _, idx := range s.table.NonEmptyBuckets() {
		target := randomIDInBucket(s.self, idx)
		for _, n := range s.table.Closest(target, 1) {
			go s.FindNode(n, target)
		}
	}
}

// tokenCleanupLoop periodically purges expired get_peers tokens, both the
// ones we issued and the ones remote nodes issued to us.
func (s *Server) tokenCleanupLoop() {
	for {
		select {
		case <-s.clk.After(s.config.TokenCleanupInterval):
			s.tokens.Cleanup()
			s.remoteToks.Cleanup()
		case <-s.closed:
			return
		}
	}
}

