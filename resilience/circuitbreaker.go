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
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// BreakerState is a CircuitBreaker's place in its Closed/Open/Half-Open
// state machine.
type BreakerState int

// CircuitBreaker states.
const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned by CircuitBreaker.Call when the breaker is
// Open and recovery_timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive failures in Closed trip
	// the breaker to Open.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays Open before allowing
	// a single trial call through in Half-Open.
	RecoveryTimeout time.Duration

	// IsFailure classifies an error returned by the wrapped operation as
	// countable toward FailureThreshold. A nil IsFailure counts every
	// non-nil error.
	IsFailure func(error) bool
}

func (c CircuitBreakerConfig) applyDefaults() CircuitBreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// CircuitBreaker wraps an unreliable operation, short-circuiting calls
// once it has failed FailureThreshold times in a row rather than letting
// every caller pay the cost of a slow failure (e.g. a dead tracker).
// Closed -> Open on threshold consecutive failures; Open -> Half-Open
// after RecoveryTimeout; the first call in Half-Open that succeeds
// closes the breaker, any failure re-opens it.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	clk    clock.Clock

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenBusy bool
}

// NewCircuitBreaker creates a CircuitBreaker starting Closed.
func NewCircuitBreaker(config CircuitBreakerConfig, clk clock.Clock) *CircuitBreaker {
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{config: config.applyDefaults(), clk: clk}
}

// State returns the breaker's current state, first advancing it from
// Open to Half-Open if RecoveryTimeout has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked()
	return b.state
}

func (b *CircuitBreaker) maybeRecoverLocked() {
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.state = HalfOpen
		b.halfOpenBusy = false
	}
}

// Call runs op if the breaker admits a call, tracking the outcome.
// Returns ErrCircuitOpen without running op if the breaker is Open (or
// Half-Open with its one trial call already in flight).
func (b *CircuitBreaker) Call(op func() error) error {
	b.mu.Lock()
	b.maybeRecoverLocked()
	switch b.state {
	case Open:
		b.mu.Unlock()
		return ErrCircuitOpen
	case HalfOpen:
		if b.halfOpenBusy {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenBusy = true
	}
	b.mu.Unlock()

	err := op()
	b.record(err)
	return err
}

func (b *CircuitBreaker) record(err error) {
	isFailure := err != nil
	if b.config.IsFailure != nil {
		isFailure = err != nil && b.config.IsFailure(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.halfOpenBusy = false
		if isFailure {
			b.trip()
		} else {
			b.reset()
		}
		return
	}

	if !isFailure {
		b.failures = 0
		return
	}
	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.trip()
	}
}

func (b *CircuitBreaker) trip() {
	b.state = Open
	b.openedAt = b.clk.Now()
	b.failures = 0
}

func (b *CircuitBreaker) reset() {
	b.state = Closed
	b.failures = 0
}
