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

func TestRetrySucceedsEventually(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryExhaustsMaxRetries(t *testing.T) {
	attempts := 0
	wantErr := errors.New("always fails")
	err := Retry(context.Background(), RetryConfig{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
	}, func(context.Context) error {
		attempts++
		return wantErr
	})
	require.ErrorIs(t, err, ErrMaxRetriesExceeded)
	require.Equal(t, 3, attempts) // first attempt + 2 retries
}

func TestRetryRespectsRetryOnClassification(t *testing.T) {
	permanentErr := errors.New("permanent")
	attempts := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		RetryOn:    []ErrKind{KindTransient},
		Classify:   func(error) ErrKind { return KindPermanent },
	}, func(context.Context) error {
		attempts++
		return permanentErr
	})
	require.ErrorIs(t, err, permanentErr)
	require.Equal(t, 1, attempts)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, RetryConfig{MaxRetries: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		return errors.New("fails")
	})
	require.Error(t, err)
}
