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

import "fmt"

// InvalidTorrent indicates a .torrent file, magnet URI, or assembled
// metadata dictionary failed structural validation: a missing required
// key, a length mismatch between the info dict and its files, or a pieces
// field whose length is not a multiple of 20.
type InvalidTorrent struct {
	Reason string
}

func (e *InvalidTorrent) Error() string {
	return fmt.Sprintf("invalid torrent: %s", e.Reason)
}
