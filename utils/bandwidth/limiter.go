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

// Package bandwidth implements a token-bucket rate limiter shared by a
// peer wire connection's egress writes and ingress reads of piece payloads,
// so a single client-wide cap governs both directions regardless of how
// many peer connections or torrents are active.
package bandwidth

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/ccbt-project/ccbt/utils/memsize"
)

// Config defines Limiter configuration.
type Config struct {
	EgressBitsPerSec  uint64 `yaml:"egress_bits_per_sec"`
	IngressBitsPerSec uint64 `yaml:"ingress_bits_per_sec"`

	// TokenSize defines the granularity of a token in the bucket, in bits.
	// It avoids integer overflow that would occur if every bit mapped to a
	// token.
	TokenSize uint64 `yaml:"token_size"`

	// Enable turns rate limiting on. When false, Reserve* calls never block.
	Enable bool `yaml:"enable"`
}

func (c Config) applyDefaults() Config {
	if c.TokenSize == 0 {
		c.TokenSize = memsize.Mbit
	}
	return c
}

// Limiter limits egress and ingress bandwidth via a token-bucket rate
// limiter. When disabled, egress and ingress are nil and Reserve* calls are
// no-ops.
type Limiter struct {
	config  Config
	egress  *rate.Limiter
	ingress *rate.Limiter
	etps    int64
	itps    int64
}

// NewLimiter creates a new Limiter. Returns an error if enabled with a zero
// rate in either direction.
func NewLimiter(config Config) (*Limiter, error) {
	config = config.applyDefaults()

	if !config.Enable {
		return &Limiter{config: config}, nil
	}
	if config.EgressBitsPerSec == 0 {
		return nil, errors.New("egress_bits_per_sec must be set when bandwidth limiting is enabled")
	}
	if config.IngressBitsPerSec == 0 {
		return nil, errors.New("ingress_bits_per_sec must be set when bandwidth limiting is enabled")
	}

	etps := int64(config.EgressBitsPerSec / config.TokenSize)
	itps := int64(config.IngressBitsPerSec / config.TokenSize)
	if etps == 0 {
		etps = 1
	}
	if itps == 0 {
		itps = 1
	}

	return &Limiter{
		config:  config,
		egress:  rate.NewLimiter(rate.Limit(etps), int(etps)),
		ingress: rate.NewLimiter(rate.Limit(itps), int(itps)),
		etps:    etps,
		itps:    itps,
	}, nil
}

func (l *Limiter) reserve(rl *rate.Limiter, nbytes int64) error {
	if rl == nil {
		return nil
	}
	tokens := int(uint64(nbytes*8) / l.config.TokenSize)
	if tokens == 0 {
		tokens = 1
	}
	r := rl.ReserveN(time.Now(), tokens)
	if !r.OK() {
		return fmt.Errorf(
			"cannot reserve %s of bandwidth, max is %s",
			memsize.Format(uint64(nbytes)),
			memsize.BitFormat(l.config.TokenSize*uint64(rl.Burst())))
	}
	time.Sleep(r.Delay())
	return nil
}

// ReserveEgress blocks until egress bandwidth for nbytes is available.
// Returns an error if nbytes exceeds the maximum egress bandwidth.
func (l *Limiter) ReserveEgress(nbytes int64) error {
	return l.reserve(l.egress, nbytes)
}

// ReserveIngress blocks until ingress bandwidth for nbytes is available.
// Returns an error if nbytes exceeds the maximum ingress bandwidth.
func (l *Limiter) ReserveIngress(nbytes int64) error {
	return l.reserve(l.ingress, nbytes)
}

// Adjust rescales both limits to their base rate divided by denom, with a
// floor of one token per second. Used by the queue's bandwidth allocator to
// shrink each torrent's share as more torrents become active.
func (l *Limiter) Adjust(denom int) error {
	if denom <= 0 {
		return fmt.Errorf("denom must be positive, got %d", denom)
	}
	if l.egress == nil || l.ingress == nil {
		return nil
	}

	newEgress := l.etps / int64(denom)
	if newEgress < 1 {
		newEgress = 1
	}
	newIngress := l.itps / int64(denom)
	if newIngress < 1 {
		newIngress = 1
	}

	l.egress.SetLimit(rate.Limit(newEgress))
	l.egress.SetBurst(int(newEgress))
	l.ingress.SetLimit(rate.Limit(newIngress))
	l.ingress.SetBurst(int(newIngress))

	return nil
}

// EgressLimit returns the current egress rate limit in tokens/sec.
func (l *Limiter) EgressLimit() int64 {
	if l.egress == nil {
		return 0
	}
	return int64(l.egress.Limit())
}

// IngressLimit returns the current ingress rate limit in tokens/sec.
func (l *Limiter) IngressLimit() int64 {
	if l.ingress == nil {
		return 0
	}
	return int64(l.ingress.Limit())
}
