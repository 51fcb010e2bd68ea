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
package checkpoint

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/diskio"
	"github.com/ccbt-project/ccbt/metainfo"
)

// Validate checks a loaded State against the torrent it claims to
// describe before a session trusts it: info-hash consistency, bitmap
// bounds, and that every file touched by a verified piece still has at
// least its expected size on disk. It does not re-hash piece contents;
// that would defeat the purpose of checkpointing.
func Validate(state *State, infoHash core.InfoHash, info metainfo.Info, outputDir string, disk *diskio.Disk) error {
	if state.InfoHash != infoHash {
		return &Error{Kind: KindInvalid, Err: fmt.Errorf(
			"checkpoint info hash %x does not match torrent %x", state.InfoHash, infoHash)}
	}

	numPieces := info.NumPieces()
	if state.NumPieces != numPieces {
		return &Error{Kind: KindInvalid, Err: fmt.Errorf(
			"checkpoint has %d pieces, torrent has %d", state.NumPieces, numPieces)}
	}
	for _, idx := range state.VerifiedPieces {
		if idx < 0 || idx >= numPieces {
			return &Error{Kind: KindInvalid, Err: fmt.Errorf(
				"verified piece index %d out of bounds [0, %d)", idx, numPieces)}
		}
	}

	expected, err := expectedFileSizes(state, info, outputDir)
	if err != nil {
		return &Error{Kind: KindInvalid, Err: err}
	}
	if len(expected) == 0 {
		return nil
	}
	report, err := disk.VerifyFiles(expected)
	if err != nil {
		return &Error{Kind: KindInvalid, Err: fmt.Errorf("verify checkpointed files: %w", err)}
	}
	var fileErr error
	if len(report.Missing) > 0 {
		fileErr = multierr.Append(fileErr, fmt.Errorf(
			"%d file(s) backing verified pieces are missing", len(report.Missing)))
	}
	if len(report.Truncated) > 0 {
		fileErr = multierr.Append(fileErr, fmt.Errorf(
			"%d file(s) backing verified pieces are shorter than expected", len(report.Truncated)))
	}
	if fileErr != nil {
		return &Error{Kind: KindInvalid, Err: fileErr}
	}
	return nil
}

// expectedFileSizes returns, for every file that backs at least one
// verified piece, its on-disk path and the length metainfo expects it to
// have.
func expectedFileSizes(state *State, info metainfo.Info, outputDir string) (map[string]int64, error) {
	segmentMap, err := diskio.BuildSegmentMap(info)
	if err != nil {
		return nil, fmt.Errorf("build segment map: %w", err)
	}

	touched := make(map[string]bool)
	for _, idx := range state.VerifiedPieces {
		for _, seg := range segmentMap.SegmentsForPiece(idx) {
			touched[seg.FilePath] = true
		}
	}

	expected := make(map[string]int64, len(touched))
	for _, f := range info.FileEntries() {
		key := filePathKey(f)
		if !touched[key] {
			continue
		}
		expected[info.FilePath(outputDir, f)] = f.Length
	}
	return expected, nil
}

// filePathKey mirrors diskio's internal file identifier so
// expectedFileSizes can match FileSegmentMap.Segments against
// metainfo.Info.FileEntries() by the same key.
func filePathKey(f metainfo.FileEntry) string {
	return strings.Join(f.Path, "/")
}
