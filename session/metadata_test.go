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
package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
	"github.com/ccbt-project/ccbt/metainfo"
)

// buildTestInfoBytes bencodes a minimal single-file info dict and
// returns its bytes alongside the info-hash they hash to.
func buildTestInfoBytes(t *testing.T) ([]byte, core.InfoHash) {
	t.Helper()
	info := metainfo.Info{
		PieceLength: 16 * 1024,
		Pieces:      make([]byte, 20),
		Name:        "test.bin",
		Length:      1000,
	}
	b, err := bencode.Marshal(info)
	require.NoError(t, err)
	return b, core.NewInfoHashFromBytes(b)
}

func TestMetadataAssemblerSingleShortPiece(t *testing.T) {
	infoBytes, ih := buildTestInfoBytes(t)
	require.Less(t, len(infoBytes), metadataPieceSize)

	asm := newMetadataAssembler(ih)
	require.Equal(t, 0, asm.NumPieces())

	require.NoError(t, asm.SetTotalSize(len(infoBytes)))
	require.Equal(t, 1, asm.NumPieces())
	require.True(t, asm.NeedsPiece(0))

	complete, err := asm.AddPiece(0, infoBytes)
	require.NoError(t, err)
	require.True(t, complete)
	require.False(t, asm.NeedsPiece(0))

	meta, err := asm.Assemble([]string{"http://tracker.example/announce"})
	require.NoError(t, err)
	require.Equal(t, ih, meta.InfoHash)
	require.Equal(t, "test.bin", meta.Info.Name)
	require.Equal(t, "http://tracker.example/announce", meta.Announce)
}

func TestMetadataAssemblerMultiplePieces(t *testing.T) {
	var ih core.InfoHash
	copy(ih[:], []byte("01234567890123456789"))
	asm := newMetadataAssembler(ih)

	require.NoError(t, asm.SetTotalSize(metadataPieceSize + 100))
	require.Equal(t, 2, asm.NumPieces())

	complete, err := asm.AddPiece(1, make([]byte, 100))
	require.NoError(t, err)
	require.False(t, complete)
	require.True(t, asm.NeedsPiece(0))
	require.False(t, asm.NeedsPiece(1))

	complete, err = asm.AddPiece(0, make([]byte, metadataPieceSize))
	require.NoError(t, err)
	require.True(t, complete)
}

func TestMetadataAssemblerRejectsConflictingSize(t *testing.T) {
	asm := newMetadataAssembler(core.InfoHash{})
	require.NoError(t, asm.SetTotalSize(100))
	require.NoError(t, asm.SetTotalSize(100))
	require.Error(t, asm.SetTotalSize(200))
}

func TestMetadataAssemblerRejectsInvalidSize(t *testing.T) {
	asm := newMetadataAssembler(core.InfoHash{})
	require.Error(t, asm.SetTotalSize(0))
	require.Error(t, asm.SetTotalSize(-1))
}

func TestMetadataAssemblerAddPieceOutOfRange(t *testing.T) {
	asm := newMetadataAssembler(core.InfoHash{})
	require.NoError(t, asm.SetTotalSize(100))
	_, err := asm.AddPiece(5, []byte("x"))
	require.Error(t, err)
}

func TestMetadataAssemblerAssembleMismatchedHash(t *testing.T) {
	infoBytes, _ := buildTestInfoBytes(t)
	var wrongHash core.InfoHash
	copy(wrongHash[:], []byte("99999999999999999999"))

	asm := newMetadataAssembler(wrongHash)
	require.NoError(t, asm.SetTotalSize(len(infoBytes)))
	_, err := asm.AddPiece(0, infoBytes)
	require.NoError(t, err)

	_, err = asm.Assemble(nil)
	require.Error(t, err)
}

func TestMetadataAssemblerDuplicatePieceIgnored(t *testing.T) {
	asm := newMetadataAssembler(core.InfoHash{})
	require.NoError(t, asm.SetTotalSize(10))

	complete, err := asm.AddPiece(0, []byte("first"))
	require.NoError(t, err)
	require.True(t, complete)

	// A re-delivery of the same piece (e.g. a slow duplicate response
	// from a second peer) must not double-count toward numHave.
	complete, err = asm.AddPiece(0, []byte("second"))
	require.NoError(t, err)
	require.True(t, complete)
}
