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
	"errors"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Second}, mock)

	failing := errors.New("boom")
	for i := 0; i < 2; i++ {
		err := b.Call(func() error { return failing })
		require.ErrorIs(t, err, failing)
		require.Equal(t, Closed, b.State())
	}

	err := b.Call(func() error { return failing })
	require.ErrorIs(t, err, failing)
	require.Equal(t, Open, b.State())

	// Open: further calls are short-circuited without running op.
	ran := false
	err = b.Call(func() error { ran = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.False(t, ran)
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, mock)

	boom := errors.New("boom")
	require.ErrorIs(t, b.Call(func() error { return boom }), boom)
	require.Equal(t, Open, b.State())

	mock.Add(time.Second)
	require.Equal(t, HalfOpen, b.State())

	// First trial call in Half-Open succeeds: closes the breaker.
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, Closed, b.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	mock := clock.NewMock()
	b := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Second}, mock)

	_ = b.Call(func() error { return errors.New("boom") })
	mock.Add(time.Second)
	require.Equal(t, HalfOpen, b.State())

	failing := errors.New("still broken")
	err := b.Call(func() error { return failing })
	require.ErrorIs(t, err, failing)
	require.Equal(t, Open, b.State())
}

func TestCircuitBreakerStateString(t *testing.T) {
	require.Equal(t, "closed", Closed.String())
	require.Equal(t, "open", Open.String())
	require.Equal(t, "half_open", HalfOpen.String())
}
