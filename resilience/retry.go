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

// Package resilience collects the reentrant-safe building blocks other
// packages compose for fault tolerance: retry with backoff, timeout,
// circuit breaker, sliding-window rate limiting, and bounded-concurrency
// bulk operations. None of these hold state specific to any one caller,
// so the same Retry/CircuitBreaker/RateLimiter instance is safe to share
// across goroutines the way lib/persistedretry's manager shares one
// executor across every queued task.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrKind classifies an error a retried operation returned, so Retry can
// tell a caller-defined "this is worth retrying" error apart from one
// that should fail fast.
type ErrKind int

// Error kinds Retry's RetryOn filters against.
const (
	KindUnknown ErrKind = iota
	KindTransient
	KindPermanent
	KindTimeout
)

// ErrMaxRetriesExceeded is returned when an operation never succeeds
// within its first attempt plus MaxRetries retries.
var ErrMaxRetriesExceeded = errors.New("resilience: max retries exceeded")

// ErrNotRetryable is returned when an operation fails with an error
// Classify maps to a kind absent from RetryOn.
var ErrNotRetryable = errors.New("resilience: error not in retry_on classes")

// RetryConfig configures Retry.
type RetryConfig struct {
	// MaxRetries bounds the number of additional attempts after the
	// first; 0 means the operation runs exactly once.
	MaxRetries int

	// BaseDelay is the first retry's delay; each subsequent retry's
	// delay grows by Backoff's factor up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Factor is cenkalti/backoff's exponential multiplier. A value of 1
	// behaves as a constant delay of BaseDelay; zero or a negative value
	// selects the default of 2.
	Factor float64

	// RetryOn restricts retries to errors Classify maps to one of these
	// kinds. A nil slice retries any error.
	RetryOn []ErrKind

	// Classify reports the kind of an error returned by op, consulted
	// only when RetryOn is non-empty. A nil Classify treats every error
	// as KindTransient.
	Classify func(error) ErrKind
}

func (c RetryConfig) applyDefaults() RetryConfig {
	if c.BaseDelay == 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Factor <= 0 {
		c.Factor = 2
	}
	return c
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.BaseDelay
	eb.MaxInterval = c.MaxDelay
	eb.Multiplier = c.Factor
	eb.MaxElapsedTime = 0 // bounded by MaxRetries, not elapsed wall time
	return backoff.WithMaxRetries(eb, uint64(c.MaxRetries))
}

func (c RetryConfig) retryable(err error) bool {
	if len(c.RetryOn) == 0 {
		return true
	}
	classify := c.Classify
	if classify == nil {
		classify = func(error) ErrKind { return KindTransient }
	}
	kind := classify(err)
	for _, k := range c.RetryOn {
		if k == kind {
			return true
		}
	}
	return false
}

// Retry runs op, retrying with exponential backoff (per config) until it
// succeeds, an unretryable error is classified, ctx is canceled, or
// MaxRetries is exhausted. op is invoked synchronously on the calling
// goroutine; callers that want cooperative cancellation between attempts
// should make op itself ctx-aware.
func Retry(ctx context.Context, config RetryConfig, op func(ctx context.Context) error) error {
	config = config.applyDefaults()
	bo := backoff.WithContext(config.newBackOff(), ctx)

	var lastErr error
	err := backoff.Retry(func() error {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !config.retryable(lastErr) {
			return backoff.Permanent(ErrNotRetryable)
		}
		return lastErr
	}, bo)

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotRetryable) {
		return lastErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return ErrMaxRetriesExceeded
}
