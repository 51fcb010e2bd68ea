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

// Package udptracker implements a BEP15 UDP tracker announce client.
package udptracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/tracker"
)

// protocolMagic is the fixed connection_id sent on a connect request, per
// BEP15.
const protocolMagic uint64 = 0x41727101980

const (
	actionConnect  uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape   uint32 = 2
	actionError    uint32 = 3
)

// Config configures a Client.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`

	// MaxAttempts bounds the BEP15 `15 * 2^n` retry schedule; BEP15
	// specifies n=0..8 before giving up.
	MaxAttempts int `yaml:"max_attempts"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 9
	}
	return c
}

// retryDelay returns the BEP15 retry delay for the n-th attempt (0-indexed):
// 15 * 2^n seconds.
func retryDelay(n int) time.Duration {
	return time.Duration(15*(1<<uint(n))) * time.Second
}

// eventCode maps a tracker.Event to its BEP15 wire value, which differs
// from tracker.Event's own ordering (BEP15: 0=none, 1=completed,
// 2=started, 3=stopped).
func eventCode(e tracker.Event) uint32 {
	switch e {
	case tracker.Completed:
		return 1
	case tracker.Started:
		return 2
	case tracker.Stopped:
		return 3
	default:
		return 0
	}
}

// Client announces to a single BEP15 UDP tracker.
type Client struct {
	config Config
	addr   string

	connectionID       uint64
	connectionIDExpiry time.Time
}

// New creates a Client dialing the given "host:port" UDP tracker address.
func New(addr string, config Config) *Client {
	return &Client{config: config.applyDefaults(), addr: addr}
}

func randomTxID() uint32 {
	return rand.Uint32()
}

// connect performs the BEP15 connect handshake if the cached connection_id
// has expired (connection ids are valid for 60 seconds), returning the
// live connection_id.
func (c *Client) connect(conn *net.UDPConn, now time.Time) (uint64, error) {
	if c.connectionID != 0 && now.Before(c.connectionIDExpiry) {
		return c.connectionID, nil
	}

	txID := randomTxID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolMagic)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := c.roundTrip(conn, req, 16)
	if err != nil {
		return 0, fmt.Errorf("connect: %s", err)
	}
	if len(resp) < 16 {
		return 0, fmt.Errorf("connect: short response: %d bytes", len(resp))
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return 0, fmt.Errorf("tracker error: %s", string(resp[8:]))
	}
	if action != actionConnect {
		return 0, fmt.Errorf("connect: unexpected action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, fmt.Errorf("connect: transaction id mismatch")
	}

	c.connectionID = binary.BigEndian.Uint64(resp[8:16])
	c.connectionIDExpiry = now.Add(60 * time.Second)
	return c.connectionID, nil
}

// roundTrip retries the write/read exchange per BEP15's `15 * 2^n` retry
// schedule, since UDP offers no delivery guarantee.
func (c *Client) roundTrip(conn *net.UDPConn, req []byte, maxRespSize int) ([]byte, error) {
	var lastErr error
	for n := 0; n < c.config.MaxAttempts; n++ {
		if err := conn.SetDeadline(time.Now().Add(retryDelay(n))); err != nil {
			return nil, err
		}
		if _, err := conn.Write(req); err != nil {
			lastErr = err
			continue
		}
		buf := make([]byte, maxRespSize)
		nRead, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		return buf[:nRead], nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no response after %d attempts", c.config.MaxAttempts)
	}
	return nil, lastErr
}

// Announce sends a BEP15 connect (if needed) followed by an announce
// request, and parses the binary response.
func (c *Client) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp addr: %s", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %s", err)
	}
	defer conn.Close()

	now := time.Now()
	connID, err := c.connect(conn, now)
	if err != nil {
		return nil, err
	}

	txID := randomTxID()
	buf := make([]byte, 98)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash.Bytes())
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], eventCode(req.Event))
	binary.BigEndian.PutUint32(buf[84:88], 0) // ip: 0 means "use sender's source IP"
	binary.BigEndian.PutUint32(buf[88:92], randomTxID())
	numWant := req.NumWant
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(buf[92:96], uint32(int32(numWant)))
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))

	resp, err := c.roundTrip(conn, buf, 1024)
	if err != nil {
		return nil, fmt.Errorf("announce: %s", err)
	}
	if len(resp) < 20 {
		return nil, fmt.Errorf("announce: short response: %d bytes", len(resp))
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, fmt.Errorf("tracker error: %s", string(resp[8:]))
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("announce: unexpected action %d", action)
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, fmt.Errorf("announce: transaction id mismatch")
	}

	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := int(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int(binary.BigEndian.Uint32(resp[16:20]))

	peers, err := tracker.DecodeCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:   time.Duration(interval) * time.Second,
		Complete:   seeders,
		Incomplete: leechers,
		Peers:      peers,
	}, nil
}

// Scrape sends a BEP15 scrape request for a single info-hash. Scraping
// is best-effort: any connect or round-trip failure yields an empty,
// non-error ScrapeReport rather than propagating the error, since it is
// an optional addition to announcing.
func (c *Client) Scrape(infoHash core.InfoHash) (*tracker.ScrapeReport, error) {
	empty := &tracker.ScrapeReport{Entries: map[core.InfoHash]tracker.ScrapeEntry{}}

	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return empty, nil
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return empty, nil
	}
	defer conn.Close()

	connID, err := c.connect(conn, time.Now())
	if err != nil {
		return empty, nil
	}

	txID := randomTxID()
	buf := make([]byte, 16+20)
	binary.BigEndian.PutUint64(buf[0:8], connID)
	binary.BigEndian.PutUint32(buf[8:12], actionScrape)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], infoHash.Bytes())

	resp, err := c.roundTrip(conn, buf, 8+12)
	if err != nil {
		return empty, nil
	}
	if len(resp) < 20 {
		return empty, nil
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action != actionScrape || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return empty, nil
	}

	seeders := int(binary.BigEndian.Uint32(resp[8:12]))
	completed := int(binary.BigEndian.Uint32(resp[12:16]))
	leechers := int(binary.BigEndian.Uint32(resp[16:20]))

	return &tracker.ScrapeReport{
		Entries: map[core.InfoHash]tracker.ScrapeEntry{
			infoHash: {Complete: seeders, Downloaded: completed, Incomplete: leechers},
		},
	}, nil
}
