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

// Package diskio is the bounded-concurrency block I/O layer shared by
// every torrent session: preallocation, cached block reads, ordered
// per-path writes, and the piece<->file segment mapping for multi-file
// torrents.
package diskio

import (
	"strings"

	"github.com/ccbt-project/ccbt/metainfo"
)

// Segment describes the region of one file that backs a contiguous range
// of bytes within a single piece.
type Segment struct {
	FilePath          string
	FileOffsetStart   int64
	FileOffsetEnd     int64
	PieceIndex        int
	OffsetWithinPiece int64
}

// FileSegmentMap is the ordered decomposition of a torrent's pieces into
// per-file byte ranges, covering every byte of every file exactly once
// and every byte of every piece exactly once.
type FileSegmentMap struct {
	Segments []Segment
}

// filePathKey is the stable, platform-independent identifier for a file
// entry used as Segment.FilePath; callers resolve it to an actual
// filesystem path via metainfo.Info.FilePath and its FileEntry.Path.
func filePathKey(f metainfo.FileEntry) string {
	return strings.Join(f.Path, "/")
}

// BuildSegmentMap walks a torrent's file list and piece layout together,
// producing one Segment per maximal byte range that lies within both a
// single file and a single piece.
func BuildSegmentMap(info metainfo.Info) (FileSegmentMap, error) {
	files := info.FileEntries()
	n := info.NumPieces()
	total := info.TotalLength()

	var segs []Segment
	var torrentOffset int64
	fileIdx, fileStart := 0, int64(0)
	pieceIdx, pieceStart := 0, int64(0)

	for torrentOffset < total {
		fileEnd := fileStart + files[fileIdx].Length
		pieceSize, err := info.PieceSize(pieceIdx)
		if err != nil {
			return FileSegmentMap{}, err
		}
		pieceEnd := pieceStart + pieceSize

		segEnd := fileEnd
		if pieceEnd < segEnd {
			segEnd = pieceEnd
		}

		segs = append(segs, Segment{
			FilePath:          filePathKey(files[fileIdx]),
			FileOffsetStart:   torrentOffset - fileStart,
			FileOffsetEnd:     segEnd - fileStart,
			PieceIndex:        pieceIdx,
			OffsetWithinPiece: torrentOffset - pieceStart,
		})

		torrentOffset = segEnd
		if torrentOffset == fileEnd && fileIdx < len(files)-1 {
			fileIdx++
			fileStart = fileEnd
		}
		if torrentOffset == pieceEnd && pieceIdx < n-1 {
			pieceIdx++
			pieceStart = pieceEnd
		}
	}

	return FileSegmentMap{Segments: segs}, nil
}

// SegmentsForPiece returns every segment belonging to piece index, in
// ascending OffsetWithinPiece order (the map is built in that order
// already, so this is a filtering pass).
func (m FileSegmentMap) SegmentsForPiece(index int) []Segment {
	var out []Segment
	for _, s := range m.Segments {
		if s.PieceIndex == index {
			out = append(out, s)
		}
	}
	return out
}
