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
package tracker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/core"
)

type fakeClient struct {
	fail         bool
	resp         *AnnounceResponse
	scrapeFail   bool
	scrapeReport *ScrapeReport
}

func (c *fakeClient) Announce(AnnounceRequest) (*AnnounceResponse, error) {
	if c.fail {
		return nil, errors.New("fake failure")
	}
	return c.resp, nil
}

func (c *fakeClient) Scrape(core.InfoHash) (*ScrapeReport, error) {
	if c.scrapeFail {
		return nil, errors.New("fake scrape failure")
	}
	if c.scrapeReport != nil {
		return c.scrapeReport, nil
	}
	return &ScrapeReport{Entries: map[core.InfoHash]ScrapeEntry{}}, nil
}

func TestMultiTrackerFallsThroughTier(t *testing.T) {
	tiers := [][]string{{"http://a/announce", "http://b/announce"}}
	ok := &AnnounceResponse{Interval: 1800}
	m := NewMultiTracker(tiers, Config{}, func(u string) (Client, error) {
		if u == "http://a/announce" {
			return &fakeClient{fail: true}, nil
		}
		return &fakeClient{resp: ok}, nil
	}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, zap.NewNop().Sugar())

	resp, results := m.Announce(AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.NotNil(t, resp)
	require.Equal(t, ok, resp)
	require.Len(t, results, 2)
	require.Error(t, results[0].Err)
	require.NoError(t, results[1].Err)
}

func TestMultiTrackerPromotesSuccessfulTracker(t *testing.T) {
	tiers := [][]string{{"http://a/announce", "http://b/announce"}}
	ok := &AnnounceResponse{Interval: 1800}
	m := NewMultiTracker(tiers, Config{}, func(u string) (Client, error) {
		if u == "http://a/announce" {
			return &fakeClient{fail: true}, nil
		}
		return &fakeClient{resp: ok}, nil
	}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, zap.NewNop().Sugar())

	m.Announce(AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})

	m.mu.Lock()
	tier := m.tiers[0]
	m.mu.Unlock()
	require.Equal(t, "http://b/announce", tier[0])
	require.Equal(t, "http://a/announce", tier[1])
}

func TestMultiTrackerUDPScheme(t *testing.T) {
	tiers := [][]string{{"udp://tracker.example:80/announce"}}
	ok := &AnnounceResponse{Interval: 60}
	var gotHost string
	m := NewMultiTracker(tiers, Config{}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, func(host string) (Client, error) {
		gotHost = host
		return &fakeClient{resp: ok}, nil
	}, zap.NewNop().Sugar())

	resp, _ := m.Announce(AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.Equal(t, ok, resp)
	require.Equal(t, "tracker.example:80", gotHost)
}

func TestMultiTrackerSessionTracksBackoff(t *testing.T) {
	tiers := [][]string{{"http://a/announce"}}
	m := NewMultiTracker(tiers, Config{}, func(string) (Client, error) {
		return &fakeClient{fail: true}, nil
	}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, zap.NewNop().Sugar())

	resp, _ := m.Announce(AnnounceRequest{InfoHash: core.InfoHashFixture(), PeerID: core.PeerIDFixture()})
	require.Nil(t, resp)
	require.Equal(t, 1, m.Session("http://a/announce").FailureCount())
}

func TestMultiTrackerScrapeFallsThroughToNonEmptyReport(t *testing.T) {
	ih := core.InfoHashFixture()
	full := &ScrapeReport{Entries: map[core.InfoHash]ScrapeEntry{ih: {Complete: 3}}}
	tiers := [][]string{{"http://a/announce", "http://b/announce"}}
	m := NewMultiTracker(tiers, Config{}, func(u string) (Client, error) {
		if u == "http://a/announce" {
			return &fakeClient{scrapeFail: true}, nil
		}
		return &fakeClient{scrapeReport: full}, nil
	}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, zap.NewNop().Sugar())

	report := m.Scrape(ih)
	require.Equal(t, full, report)
}

func TestMultiTrackerScrapeEmptyWhenNoTrackerHasData(t *testing.T) {
	tiers := [][]string{{"http://a/announce"}}
	m := NewMultiTracker(tiers, Config{}, func(string) (Client, error) {
		return &fakeClient{}, nil
	}, func(string) (Client, error) {
		return nil, errors.New("not used")
	}, zap.NewNop().Sugar())

	report := m.Scrape(core.InfoHashFixture())
	require.Empty(t, report.Entries)
}
