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

import "github.com/ccbt-project/ccbt/utils/bandwidth"

// SetBandwidthAllocation installs this Session's share of the process-
// wide bandwidth budget, as computed by the queue's Allocator and
// pushed down once per allocation tick. A zero allocation in either
// direction disables the per-torrent limiter, leaving only the
// process-wide one (shared by the Handshaker across every torrent) in
// effect. Block scheduling (schedule.go) and upload serving (wire.go)
// reserve against this limiter in addition to that process-wide cap.
func (s *Session) SetBandwidthAllocation(downKiB, upKiB int64) {
	cfg := bandwidth.Config{Enable: downKiB > 0 && upKiB > 0}
	if cfg.Enable {
		cfg.IngressBitsPerSec = uint64(downKiB) * 1024 * 8
		cfg.EgressBitsPerSec = uint64(upKiB) * 1024 * 8
	}

	lim, err := bandwidth.NewLimiter(cfg)
	if err != nil {
		s.deps.Logger.Warnw("bandwidth allocation rejected", "hash", s.infoHash, "error", err)
		return
	}

	s.mu.Lock()
	s.bw = lim
	s.mu.Unlock()
}
