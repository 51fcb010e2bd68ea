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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutReturnsOpResultWhenFast(t *testing.T) {
	err := Timeout(context.Background(), 50*time.Millisecond, func(context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestTimeoutPropagatesOpError(t *testing.T) {
	wantErr := errors.New("op failed")
	err := Timeout(context.Background(), 50*time.Millisecond, func(context.Context) error {
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)
}

func TestTimeoutFiresWhenOpRunsLong(t *testing.T) {
	err := Timeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestTimeoutOpSeesDeadlineCancellation(t *testing.T) {
	opCtxDone := make(chan struct{})
	err := Timeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		close(opCtxDone)
		return ctx.Err()
	})
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case <-opCtxDone:
	case <-time.After(time.Second):
		t.Fatal("op's context was never canceled")
	}
}
