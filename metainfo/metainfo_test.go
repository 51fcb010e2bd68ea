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
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ccbt-project/ccbt/bencode"
	"github.com/ccbt-project/ccbt/core"
)

func singleFileBytes(t *testing.T, piece1, piece2 []byte) []byte {
	info := Info{
		PieceLength: int64(len(piece1)),
		Pieces:      append(append([]byte{}, piece1...), piece2...),
		Name:        "test.bin",
		Length:      int64(len(piece1) + len(piece2)/2),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	raw := rawMetaInfo{
		Announce: "http://tracker.example/announce",
		Info:     bencode.RawMessage(infoBytes),
	}
	data, err := bencode.Marshal(raw)
	require.NoError(t, err)
	return data
}

func hashOf(b byte) []byte {
	h := sha1.Sum([]byte{b})
	return h[:]
}

func TestParseSingleFile(t *testing.T) {
	piece1 := hashOf(1)
	piece2 := hashOf(2)
	data := singleFileBytes(t, piece1, piece2)

	m, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "http://tracker.example/announce", m.Announce)
	require.Equal(t, "test.bin", m.Info.Name)
	require.Equal(t, 2, m.Info.NumPieces())
	require.False(t, m.Info.IsMultiFile())
	require.Equal(t, m.InfoHash, core.NewInfoHashFromBytes(m.InfoBytes))
}

func TestParseMultiFile(t *testing.T) {
	pieceLen := int64(20)
	pieces := append(append([]byte{}, hashOf(1)...), hashOf(2)...)
	info := Info{
		PieceLength: pieceLen,
		Pieces:      pieces,
		Name:        "album",
		Files: []FileEntry{
			{Path: []string{"01.flac"}, Length: 20},
			{Path: []string{"02.flac"}, Length: 15},
		},
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	raw := rawMetaInfo{Announce: "http://tracker.example/announce", Info: bencode.RawMessage(infoBytes)}
	data, err := bencode.Marshal(raw)
	require.NoError(t, err)

	m, err := Parse(data)
	require.NoError(t, err)
	require.True(t, m.Info.IsMultiFile())
	require.Len(t, m.Info.FileEntries(), 2)
	require.Equal(t, int64(35), m.Info.TotalLength())

	size0, err := m.Info.PieceSize(0)
	require.NoError(t, err)
	require.Equal(t, int64(20), size0)
	size1, err := m.Info.PieceSize(1)
	require.NoError(t, err)
	require.Equal(t, int64(15), size1)
}

func TestParseRejectsMissingAnnounce(t *testing.T) {
	info := Info{PieceLength: 20, Pieces: hashOf(1), Name: "x", Length: 10}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	data, err := bencode.Marshal(rawMetaInfo{Info: bencode.RawMessage(infoBytes)})
	require.NoError(t, err)

	_, err = Parse(data)
	require.Error(t, err)
	_, ok := err.(*InvalidTorrent)
	require.True(t, ok)
}

func TestParseRejectsBadPiecesLength(t *testing.T) {
	info := Info{PieceLength: 20, Pieces: []byte("not-twenty-bytes"), Name: "x", Length: 10}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	data, err := bencode.Marshal(rawMetaInfo{Announce: "http://t", Info: bencode.RawMessage(infoBytes)})
	require.NoError(t, err)

	_, err = Parse(data)
	require.Error(t, err)
}

func TestParseRejectsLengthMismatch(t *testing.T) {
	info := Info{PieceLength: 20, Pieces: append(hashOf(1), hashOf(2)...), Name: "x", Length: 1000}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	data, err := bencode.Marshal(rawMetaInfo{Announce: "http://t", Info: bencode.RawMessage(infoBytes)})
	require.NoError(t, err)

	_, err = Parse(data)
	require.Error(t, err)
}

func TestBuildFromInfoBytesMatches(t *testing.T) {
	info := Info{PieceLength: 20, Pieces: hashOf(1), Name: "x", Length: 10}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	expected := core.NewInfoHashFromBytes(infoBytes)

	m, err := BuildFromInfoBytes(expected, infoBytes, []string{"http://t1", "http://t2"})
	require.NoError(t, err)
	require.Equal(t, expected, m.InfoHash)
	require.Equal(t, "http://t1", m.Announce)
}

func TestBuildFromInfoBytesMismatch(t *testing.T) {
	info := Info{PieceLength: 20, Pieces: hashOf(1), Name: "x", Length: 10}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	var wrong core.InfoHash
	_, err = BuildFromInfoBytes(wrong, infoBytes, nil)
	require.Error(t, err)
}

func TestFilePathLayout(t *testing.T) {
	single := Info{Name: "movie.mkv"}
	require.Equal(t, "/out/movie.mkv", single.FilePath("/out", single.FileEntries()[0]))

	multi := Info{Name: "album", Files: []FileEntry{{Path: []string{"disc1", "01.flac"}, Length: 1}}}
	require.Equal(t, "/out/album/disc1/01.flac", multi.FilePath("/out", multi.Files[0]))
}
