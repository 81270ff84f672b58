// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package outcome decides the fate of a single delivery attempt.
package outcome

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/absmach/netsim/simconfig"
)

// Decision is the outcome of one delivery attempt.
type Decision struct {
	Lost    bool
	Latency time.Duration
}

// Model decides whether an attempt is lost and how long it spends in
// transit. Implementations must be safe for concurrent use.
type Model interface {
	Decide(cfg simconfig.Config) Decision
}

// ModelFunc adapts a function to the Model interface.
type ModelFunc func(cfg simconfig.Config) Decision

// Decide calls f(cfg).
func (f ModelFunc) Decide(cfg simconfig.Config) Decision {
	return f(cfg)
}

// Random draws loss as a Bernoulli trial with probability LossRate and
// latency uniformly from [LatencyMin, LatencyMax].
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

var _ Model = (*Random)(nil)

// NewRandom creates a model seeded with seed. A zero seed uses the current
// time, so runs are not reproducible.
func NewRandom(seed int64) *Random {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

// Decide implements Model.
func (r *Random) Decide(cfg simconfig.Config) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lost(r.rng, cfg.LossRate) {
		return Decision{Lost: true}
	}
	return Decision{Latency: latency(r.rng, cfg.LatencyMin, cfg.LatencyMax)}
}

func lost(rng *rand.Rand, rate float64) bool {
	switch {
	case rate <= 0:
		return false
	case rate >= 1:
		return true
	}
	return rng.Float64() < rate
}

func latency(rng *rand.Rand, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	span := int64(hi - lo)
	if span == math.MaxInt64 {
		// The inclusive range does not fit Int63n.
		return lo + time.Duration(rng.Int63())
	}
	return lo + time.Duration(rng.Int63n(span+1))
}
