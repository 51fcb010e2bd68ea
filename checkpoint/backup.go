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
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/ccbt-project/ccbt/core"
)

// Backup writes a gzip-compressed copy of infoHash's current checkpoint
// to destination. An administrative operation distinct from the
// periodic Save cadence, for operators archiving state outside the
// checkpoint directory.
func (s *Store) Backup(infoHash core.InfoHash, destination string) error {
	src, err := os.Open(s.path(infoHash))
	if err != nil {
		return fmt.Errorf("open checkpoint for backup: %w", err)
	}
	defer src.Close()

	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("create backup destination: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		return fmt.Errorf("write compressed backup: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("flush compressed backup: %w", err)
	}
	return out.Sync()
}

// Restore decompresses a backup previously written by Backup and
// installs it as infoHash's checkpoint, atomically via the same
// temp-file-then-rename path Save uses.
func (s *Store) Restore(source string, infoHash core.InfoHash) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open backup source: %w", err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("open compressed backup: %w", err)
	}
	defer gz.Close()

	tmp, err := os.CreateTemp(s.dir, ".checkpoint-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, gz); err != nil {
		tmp.Close()
		return fmt.Errorf("decompress backup into temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync restored checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close restored checkpoint: %w", err)
	}
	return os.Rename(tmpPath, s.path(infoHash))
}
