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

// Package httptracker implements a BEP3 HTTP tracker announce client.
package httptracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/resilience"
	"github.com/ccbt-project/ccbt/tracker"
	"github.com/ccbt-project/ccbt/utils/httputil"
)

// Config configures a Client.
type Config struct {
	Timeout time.Duration `yaml:"timeout"`

	// Retry governs re-announcing against the same tracker URL when a
	// request fails transiently (connection refused, timeout, 5xx). A
	// tracker failure reason in the bencoded response is never retried.
	Retry resilience.RetryConfig `yaml:"retry"`
}

func (c Config) applyDefaults() Config {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Client announces to a single BEP3 HTTP tracker URL.
type Client struct {
	config Config
	url    string
}

// New creates a Client for the given tracker announce URL.
func New(announceURL string, config Config) *Client {
	return &Client{config.applyDefaults(), announceURL}
}

// wireResponse mirrors the bencoded dictionary a BEP3 tracker replies with.
// Peers is decoded as a RawMessage because it can be either a compact
// binary string or (for older trackers) a list of peer dictionaries.
type wireResponse struct {
	FailureReason string            `bencode:"failure reason"`
	WarningMsg    string            `bencode:"warning message"`
	Interval      int               `bencode:"interval"`
	MinInterval   int               `bencode:"min interval"`
	TrackerID     string            `bencode:"tracker id"`
	Complete      int               `bencode:"complete"`
	Incomplete    int               `bencode:"incomplete"`
	Peers         bencode.RawMessage `bencode:"peers"`
}

type dictPeer struct {
	PeerID string `bencode:"peer id"`
	IP     string `bencode:"ip"`
	Port   int    `bencode:"port"`
}

func decodePeers(raw bencode.RawMessage) ([]*core.PeerInfo, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == 'l' {
		var dictPeers []dictPeer
		if err := bencode.Unmarshal(raw, &dictPeers); err != nil {
			return nil, fmt.Errorf("decode peer list: %s", err)
		}
		peers := make([]*core.PeerInfo, 0, len(dictPeers))
		for _, dp := range dictPeers {
			var peerID core.PeerID
			if dp.PeerID != "" {
				copy(peerID[:], []byte(dp.PeerID))
			}
			peers = append(peers, core.NewPeerInfo(peerID, dp.IP, dp.Port, core.SourceTracker))
		}
		return peers, nil
	}

	var compact string
	if err := bencode.Unmarshal(raw, &compact); err != nil {
		return nil, fmt.Errorf("decode compact peers: %s", err)
	}
	return tracker.DecodeCompactPeers([]byte(compact))
}

// Announce sends a BEP3 announce request and parses the bencoded response,
// retrying transient failures per Config.Retry.
func (c *Client) Announce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	var resp *tracker.AnnounceResponse
	var failure error
	err := resilience.Retry(context.Background(), c.config.Retry, func(context.Context) error {
		r, err := c.announceOnce(req)
		if errors.Is(err, errTrackerFailure) {
			failure = err
			return nil
		}
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if failure != nil {
		return nil, failure
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

var errTrackerFailure = errors.New("tracker failure")

func (c *Client) announceOnce(req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	v := url.Values{}
	v.Set("info_hash", string(req.InfoHash.Bytes()))
	v.Set("peer_id", string(req.PeerID[:]))
	v.Set("port", fmt.Sprintf("%d", req.Port))
	v.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	v.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	v.Set("left", fmt.Sprintf("%d", req.Left))
	v.Set("compact", "1")
	if req.NumWant > 0 {
		v.Set("numwant", fmt.Sprintf("%d", req.NumWant))
	}
	if e := req.Event.String(); e != "" {
		v.Set("event", e)
	}

	announceURL := c.url
	if idx := indexOf(announceURL, '?'); idx >= 0 {
		announceURL += "&" + v.Encode()
	} else {
		announceURL += "?" + v.Encode()
	}

	resp, err := httputil.Get(announceURL, httputil.SendTimeout(c.config.Timeout))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %s", err)
	}

	var wr wireResponse
	if err := bencode.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("decode tracker response: %s", err)
	}
	if wr.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", errTrackerFailure, wr.FailureReason)
	}
	peers, err := decodePeers(wr.Peers)
	if err != nil {
		return nil, err
	}

	return &tracker.AnnounceResponse{
		Interval:    time.Duration(wr.Interval) * time.Second,
		MinInterval: time.Duration(wr.MinInterval) * time.Second,
		Complete:    wr.Complete,
		Incomplete:  wr.Incomplete,
		TrackerID:   wr.TrackerID,
		Peers:       peers,
	}, nil
}

// scrapeWireResponse mirrors the bencoded dictionary a BEP3 scrape
// convention reply carries: "files" maps each raw 20-byte info-hash to
// its swarm stats.
type scrapeWireResponse struct {
	Files         map[string]scrapeFileEntry `bencode:"files"`
	FailureReason string                     `bencode:"failure reason"`
}

type scrapeFileEntry struct {
	Complete   int `bencode:"complete"`
	Downloaded int `bencode:"downloaded"`
	Incomplete int `bencode:"incomplete"`
}

// scrapeURL derives a BEP3 scrape convention URL from a BEP3 announce
// URL: the last path segment's "announce" prefix is replaced with
// "scrape" (so ".../announce.php" becomes ".../scrape.php"). A tracker
// whose announce URL doesn't follow this convention does not support
// scraping.
func scrapeURL(announceURL string) (string, bool) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return "", false
	}
	idx := strings.LastIndex(u.Path, "/")
	if idx < 0 {
		return "", false
	}
	lastSegment := u.Path[idx+1:]
	if !strings.HasPrefix(lastSegment, "announce") {
		return "", false
	}
	u.Path = u.Path[:idx+1] + "scrape" + lastSegment[len("announce"):]
	return u.String(), true
}

// Scrape fetches swarm statistics for infoHash via the BEP3 scrape
// convention. A tracker whose announce URL does not follow the
// convention, or that replies with an empty "files" dict, yields an
// empty ScrapeReport rather than an error: scraping is an optional,
// best-effort addition to announcing.
func (c *Client) Scrape(infoHash core.InfoHash) (*tracker.ScrapeReport, error) {
	empty := &tracker.ScrapeReport{Entries: map[core.InfoHash]tracker.ScrapeEntry{}}

	su, ok := scrapeURL(c.url)
	if !ok {
		return empty, nil
	}

	v := url.Values{}
	v.Set("info_hash", string(infoHash.Bytes()))
	if idx := indexOf(su, '?'); idx >= 0 {
		su += "&" + v.Encode()
	} else {
		su += "?" + v.Encode()
	}

	resp, err := httputil.Get(su, httputil.SendTimeout(c.config.Timeout))
	if err != nil {
		return empty, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return empty, nil
	}

	var wr scrapeWireResponse
	if err := bencode.Unmarshal(body, &wr); err != nil {
		return empty, nil
	}
	if wr.FailureReason != "" {
		return empty, nil
	}

	entries := make(map[core.InfoHash]tracker.ScrapeEntry, len(wr.Files))
	for raw, f := range wr.Files {
		var ih core.InfoHash
		if len(raw) != len(ih) {
			continue
		}
		copy(ih[:], raw)
		entries[ih] = tracker.ScrapeEntry{
			Complete:   f.Complete,
			Downloaded: f.Downloaded,
			Incomplete: f.Incomplete,
		}
	}
	return &tracker.ScrapeReport{Entries: entries}, nil
}

func indexOf(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}
