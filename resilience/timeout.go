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
	"errors"
	"time"
)

// ErrTimeout is returned by Timeout when op does not return within
// duration.
var ErrTimeout = errors.New("resilience: operation timed out")

// Timeout runs op on its own goroutine and returns ErrTimeout if it
// hasn't finished once duration elapses or ctx is canceled. op is passed
// a derived context so a well-behaved operation can abandon its own work
// promptly instead of leaking a goroutine; an op that ignores ctx still
// leaks until it eventually returns, its result simply discarded.
func Timeout(ctx context.Context, duration time.Duration, op func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(cctx) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return cctx.Err()
	}
}
