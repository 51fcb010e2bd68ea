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
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// RateLimiter admits at most MaxRequests calls within any sliding Window,
// tracked by timestamp rather than a fixed-bucket counter so a burst at
// the boundary of two windows can't double the effective rate.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	clk         clock.Clock

	mu         sync.Mutex
	timestamps []time.Time
}

// NewRateLimiter creates a RateLimiter admitting at most maxRequests
// calls per window.
func NewRateLimiter(maxRequests int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &RateLimiter{maxRequests: maxRequests, window: window, clk: clk}
}

func (r *RateLimiter) evictLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.timestamps) && !r.timestamps[i].After(cutoff) {
		i++
	}
	r.timestamps = r.timestamps[i:]
}

// Acquire reports whether a call is admitted right now, without
// blocking. An admitted call counts against the window immediately.
func (r *RateLimiter) Acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	r.evictLocked(now)
	if len(r.timestamps) >= r.maxRequests {
		return false
	}
	r.timestamps = append(r.timestamps, now)
	return true
}

// WaitForPermission blocks cooperatively until a call is admitted or ctx
// is canceled, polling at a fraction of the window rather than busy-
// spinning.
func (r *RateLimiter) WaitForPermission(ctx context.Context) error {
	pollInterval := r.window / time.Duration(r.maxRequests+1)
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	for {
		if r.Acquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clk.After(pollInterval):
		}
	}
}
