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
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ccbt-project/ccbt/core"
)

// ClientFactory builds a transport-specific Client for a single tracker
// announce URL, chosen by MultiTracker based on the URL's scheme.
type ClientFactory func(announceURL string) (Client, error)

// MultiTracker announces to a torrent's announce-list, implementing the
// BEP12 multi-tracker convention: tiers are tried in order, and within a
// tier, trackers are tried in order until one succeeds; a tracker that
// succeeds is promoted to the front of its tier so it is preferred on
// subsequent announces.
type MultiTracker struct {
	config   Config
	httpFn   ClientFactory
	udpFn    ClientFactory
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	tiers    [][]string
	sessions map[string]*Session
}

// NewMultiTracker creates a MultiTracker over the given tier-ordered
// announce-list (a single-tier, single-tracker list is simply [][]string{{url}}).
func NewMultiTracker(
	tiers [][]string,
	config Config,
	httpFn, udpFn ClientFactory,
	logger *zap.SugaredLogger,
) *MultiTracker {
	config = config.applyDefaults()
	sessions := make(map[string]*Session)
	tierCopies := make([][]string, len(tiers))
	for i, tier := range tiers {
		tierCopies[i] = append([]string(nil), tier...)
		for j, u := range tier {
			sessions[u] = NewSession(u, i, config)
			_ = j
		}
	}
	return &MultiTracker{
		config:   config,
		httpFn:   httpFn,
		udpFn:    udpFn,
		logger:   logger,
		tiers:    tierCopies,
		sessions: sessions,
	}
}

func (m *MultiTracker) clientFor(announceURL string) (Client, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parse tracker url: %s", err)
	}
	switch u.Scheme {
	case "http", "https":
		return m.httpFn(announceURL)
	case "udp":
		return m.udpFn(u.Host)
	default:
		return nil, fmt.Errorf("unsupported tracker scheme: %q", u.Scheme)
	}
}

// AnnounceResult pairs a tracker URL with the outcome of announcing to it.
type AnnounceResult struct {
	URL   string
	Resp  *AnnounceResponse
	Err   error
}

// Announce tries every tier in order, returning on the first tier with a
// successful tracker. Within a tier, every tracker is tried (in promotion
// order) until one succeeds. Returns per-URL results for every tracker
// actually contacted, for logging/metrics.
func (m *MultiTracker) Announce(req AnnounceRequest) (*AnnounceResponse, []AnnounceResult) {
	m.mu.Lock()
	tiers := make([][]string, len(m.tiers))
	for i, tier := range m.tiers {
		tiers[i] = append([]string(nil), tier...)
	}
	m.mu.Unlock()

	var results []AnnounceResult
	now := time.Now()

	for tierIdx, tier := range tiers {
		for trackerIdx, announceURL := range tier {
			m.mu.Lock()
			sess := m.sessions[announceURL]
			m.mu.Unlock()
			if sess != nil && sess.FailureCount() > 0 {
				if wait := sess.NextBackoff(); wait > 0 && now.Before(sess.lastAnnounce.Add(wait)) {
					// Skipped trackers still serving their backoff window
					// are recorded, not silently dropped, so callers can
					// observe why a tier fell through.
					results = append(results, AnnounceResult{URL: announceURL, Err: fmt.Errorf("in backoff for %s", wait)})
					continue
				}
			}

			client, err := m.clientFor(announceURL)
			if err != nil {
				results = append(results, AnnounceResult{URL: announceURL, Err: err})
				continue
			}

			resp, err := client.Announce(req)
			if err != nil {
				if sess != nil {
					sess.RecordFailure(now)
				}
				if m.logger != nil {
					m.logger.Infow("tracker announce failed", "url", announceURL, "error", err)
				}
				results = append(results, AnnounceResult{URL: announceURL, Err: err})
				continue
			}

			if sess != nil {
				sess.RecordSuccess(now, resp)
			}
			results = append(results, AnnounceResult{URL: announceURL, Resp: resp})

			m.promote(tierIdx, trackerIdx)
			return resp, results
		}
	}
	return nil, results
}

// promote moves the tracker at tiers[tierIdx][trackerIdx] to the front of
// its tier, per BEP12.
func (m *MultiTracker) promote(tierIdx, trackerIdx int) {
	if trackerIdx == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tier := m.tiers[tierIdx]
	if trackerIdx >= len(tier) {
		return
	}
	u := tier[trackerIdx]
	copy(tier[1:trackerIdx+1], tier[0:trackerIdx])
	tier[0] = u
}

// Scrape asks trackers, in the same tier/promotion order Announce uses,
// for infoHash's swarm statistics, returning the first one that
// responds. Scraping is best-effort: a tracker that errors, or that
// doesn't support the scrape convention, is skipped; if every tracker
// comes up empty, Scrape returns an empty, non-error ScrapeReport.
func (m *MultiTracker) Scrape(infoHash core.InfoHash) *ScrapeReport {
	m.mu.Lock()
	tiers := make([][]string, len(m.tiers))
	for i, tier := range m.tiers {
		tiers[i] = append([]string(nil), tier...)
	}
	m.mu.Unlock()

	for _, tier := range tiers {
		for _, announceURL := range tier {
			client, err := m.clientFor(announceURL)
			if err != nil {
				continue
			}
			report, err := client.Scrape(infoHash)
			if err != nil {
				if m.logger != nil {
					m.logger.Infow("tracker scrape failed", "url", announceURL, "error", err)
				}
				continue
			}
			if len(report.Entries) > 0 {
				return report
			}
		}
	}
	return &ScrapeReport{Entries: map[core.InfoHash]ScrapeEntry{}}
}

// Session returns the Session tracking announceURL's cadence/backoff, or
// nil if announceURL is not part of this MultiTracker's announce-list.
func (m *MultiTracker) Session(announceURL string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[announceURL]
}
