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

// Package metainfo decodes and validates .torrent files and magnet URIs,
// and assembles a complete torrent description from metadata fetched at
// runtime via the extension protocol (BEP 9).
package metainfo

import (
	"fmt"
	"path/filepath"
)

// FileEntry describes one file within a torrent, in the order it appears
// in the info dictionary's file list. A single-file torrent is modeled as
// exactly one FileEntry whose path is the info dict's name.
type FileEntry struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// Info is the decoded and validated contents of a .torrent file's info
// dictionary, generalized to cover both single-file and multi-file
// layouts behind one FileEntries view.
type Info struct {
	PieceLength int64       `bencode:"piece length"`
	Pieces      []byte      `bencode:"pieces"`
	Name        string      `bencode:"name"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

// IsMultiFile reports whether the info dict describes a multi-file
// torrent (a "files" list) as opposed to a single "length" field.
func (i Info) IsMultiFile() bool {
	return len(i.Files) > 0
}

// FileEntries returns the ordered file list, synthesizing a single entry
// from Name/Length for single-file torrents.
func (i Info) FileEntries() []FileEntry {
	if i.IsMultiFile() {
		return i.Files
	}
	return []FileEntry{{Path: []string{i.Name}, Length: i.Length}}
}

// TotalLength returns the sum of every file's length.
func (i Info) TotalLength() int64 {
	var total int64
	for _, f := range i.FileEntries() {
		total += f.Length
	}
	return total
}

// NumPieces returns the number of 20-byte SHA-1 hashes in Pieces.
func (i Info) NumPieces() int {
	return len(i.Pieces) / 20
}

// PieceHash returns the expected SHA-1 hash of piece index.
func (i Info) PieceHash(index int) ([20]byte, error) {
	var h [20]byte
	if index < 0 || index >= i.NumPieces() {
		return h, fmt.Errorf("piece index %d out of range [0, %d)", index, i.NumPieces())
	}
	copy(h[:], i.Pieces[index*20:(index+1)*20])
	return h, nil
}

// PieceSize returns the number of bytes in piece index, accounting for a
// final piece shorter than PieceLength.
func (i Info) PieceSize(index int) (int64, error) {
	n := i.NumPieces()
	if index < 0 || index >= n {
		return 0, fmt.Errorf("piece index %d out of range [0, %d)", index, n)
	}
	if index < n-1 {
		return i.PieceLength, nil
	}
	last := i.TotalLength() - i.PieceLength*int64(n-1)
	return last, nil
}

// FilePath resolves f's on-disk location under outputDir, per the
// single-file / multi-file layout rules: a single-file torrent places its
// one file directly at outputDir/name; a multi-file torrent nests every
// file under outputDir/name/<path segments>.
func (i Info) FilePath(outputDir string, f FileEntry) string {
	if !i.IsMultiFile() {
		return filepath.Join(outputDir, i.Name)
	}
	segments := append([]string{outputDir, i.Name}, f.Path...)
	return filepath.Join(segments...)
}

// validate checks the structural invariants required of every info dict:
// required fields present, pieces is a whole number of 20-byte hashes, and
// the sum of file lengths matches piece_length*(N-1) + last_piece_length.
func (i Info) validate() error {
	if i.Name == "" {
		return &InvalidTorrent{Reason: "info dict missing name"}
	}
	if i.PieceLength <= 0 {
		return &InvalidTorrent{Reason: "info dict missing or non-positive piece length"}
	}
	if len(i.Pieces) == 0 {
		return &InvalidTorrent{Reason: "info dict missing pieces"}
	}
	if len(i.Pieces)%20 != 0 {
		return &InvalidTorrent{Reason: fmt.Sprintf("pieces field length %d is not a multiple of 20", len(i.Pieces))}
	}
	if i.IsMultiFile() && i.Length != 0 {
		return &InvalidTorrent{Reason: "info dict sets both length and files"}
	}
	if !i.IsMultiFile() && i.Length <= 0 {
		return &InvalidTorrent{Reason: "info dict missing both length and files"}
	}
	for _, f := range i.Files {
		if len(f.Path) == 0 {
			return &InvalidTorrent{Reason: "file entry missing path"}
		}
		if f.Length < 0 {
			return &InvalidTorrent{Reason: "file entry has negative length"}
		}
	}

	n := i.NumPieces()
	total := i.TotalLength()
	minWhole := i.PieceLength * int64(n-1)
	maxWhole := i.PieceLength * int64(n)
	if total <= minWhole || total > maxWhole {
		return &InvalidTorrent{Reason: fmt.Sprintf(
			"total length %d inconsistent with %d pieces of length %d", total, n, i.PieceLength)}
	}
	return nil
}
