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
package metainfo

import (
	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

// MetaInfo is the fully decoded contents of a .torrent file, or the
// result of assembling one from a magnet link plus metadata fetched via
// BEP 9.
type MetaInfo struct {
	Announce     string
	AnnounceList [][]string
	Comment      string
	CreatedBy    string
	CreationDate int64
	URLList      []string

	Info     Info
	InfoHash core.InfoHash

	// InfoBytes holds the exact bytes of the info dict as they appeared
	// in the source .torrent file (or as fetched via ut_metadata). It is
	// what InfoHash was computed over, and must be preserved verbatim by
	// anything that re-serializes this MetaInfo.
	InfoBytes []byte
}

// rawMetaInfo mirrors the top-level bencode dictionary of a .torrent
// file. Info is captured as RawMessage so its SHA-1 is computed over the
// exact source bytes rather than a re-encoding, which could silently
// diverge if the dict contains keys this package doesn't model.
type rawMetaInfo struct {
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Comment      string             `bencode:"comment,omitempty"`
	CreatedBy    string             `bencode:"created by,omitempty"`
	CreationDate int64              `bencode:"creation date,omitempty"`
	URLList      []string           `bencode:"url-list,omitempty"`
	Info         bencode.RawMessage `bencode:"info"`
}

// Parse decodes and validates a .torrent file's contents.
func Parse(data []byte) (*MetaInfo, error) {
	var raw rawMetaInfo
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, &InvalidTorrent{Reason: "malformed bencode: " + err.Error()}
	}
	if raw.Announce == "" && len(raw.AnnounceList) == 0 {
		return nil, &InvalidTorrent{Reason: "missing announce"}
	}
	if len(raw.Info) == 0 {
		return nil, &InvalidTorrent{Reason: "missing info dict"}
	}

	var info Info
	if err := bencode.Unmarshal(raw.Info, &info); err != nil {
		return nil, &InvalidTorrent{Reason: "malformed info dict: " + err.Error()}
	}
	if err := info.validate(); err != nil {
		return nil, err
	}

	return &MetaInfo{
		Announce:     raw.Announce,
		AnnounceList: raw.AnnounceList,
		Comment:      raw.Comment,
		CreatedBy:    raw.CreatedBy,
		CreationDate: raw.CreationDate,
		URLList:      raw.URLList,
		Info:         info,
		InfoHash:     core.NewInfoHashFromBytes(raw.Info),
		InfoBytes:    []byte(raw.Info),
	}, nil
}

// Trackers returns every tracker URL named by Announce and AnnounceList,
// in tier order, deduplicated.
func (m *MetaInfo) Trackers() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(url string) {
		if url == "" || seen[url] {
			return
		}
		seen[url] = true
		out = append(out, url)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, url := range tier {
			add(url)
		}
	}
	return out
}

// BuildFromInfoBytes assembles a MetaInfo from a magnet link's info-hash
// and the raw info dict bytes fetched from a peer via ut_metadata (BEP
// 9). It fails with InvalidTorrent if the fetched bytes don't hash to the
// expected info-hash, completing the hybrid metadata handshake described
// for magnet-originated torrents.
func BuildFromInfoBytes(expected core.InfoHash, infoBytes []byte, trackers []string) (*MetaInfo, error) {
	actual := core.NewInfoHashFromBytes(infoBytes)
	if actual != expected {
		return nil, &InvalidTorrent{Reason: "fetched metadata does not match info-hash"}
	}

	var info Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, &InvalidTorrent{Reason: "malformed info dict: " + err.Error()}
	}
	if err := info.validate(); err != nil {
		return nil, err
	}

	m := &MetaInfo{
		Info:      info,
		InfoHash:  actual,
		InfoBytes: infoBytes,
	}
	if len(trackers) > 0 {
		m.Announce = trackers[0]
		m.AnnounceList = [][]string{trackers}
	}
	return m, nil
}
