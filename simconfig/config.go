// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package simconfig holds the network simulation parameters applied to
// deliveries: loss probability, transit latency bounds, retry budget and
// acknowledgment timeout.
package simconfig

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig is returned when a configuration fails validation.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config is an immutable snapshot of the simulation parameters.
type Config struct {
	LossRate   float64       `json:"loss_rate" yaml:"loss_rate"`
	LatencyMin time.Duration `json:"latency_min" yaml:"latency_min"`
	LatencyMax time.Duration `json:"latency_max" yaml:"latency_max"`
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	AckTimeout time.Duration `json:"ack_timeout" yaml:"ack_timeout"`

	// Version is assigned by the Store and increases by one on every
	// successful update.
	Version uint64 `json:"version" yaml:"-"`
}

// Default returns the parameters the simulator starts with when none are
// configured.
func Default() Config {
	return Config{
		LossRate:   0.1,
		LatencyMin: 50 * time.Millisecond,
		LatencyMax: 250 * time.Millisecond,
		MaxRetries: 2,
		AckTimeout: 600 * time.Millisecond,
	}
}

// Validate checks the invariants every configuration version must hold.
func (c Config) Validate() error {
	if c.LossRate < 0 || c.LossRate > 1 || c.LossRate != c.LossRate {
		return fmt.Errorf("%w: loss_rate must be between 0 and 1", ErrInvalidConfig)
	}
	if c.LatencyMin < 0 {
		return fmt.Errorf("%w: latency_min cannot be negative", ErrInvalidConfig)
	}
	if c.LatencyMax < 0 {
		return fmt.Errorf("%w: latency_max cannot be negative", ErrInvalidConfig)
	}
	if c.LatencyMin > c.LatencyMax {
		return fmt.Errorf("%w: latency_min (%s) exceeds latency_max (%s)", ErrInvalidConfig, c.LatencyMin, c.LatencyMax)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries cannot be negative", ErrInvalidConfig)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("%w: ack_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// MaxAttempts is the total number of delivery attempts a message may use.
func (c Config) MaxAttempts() int {
	return c.MaxRetries + 1
}

// Patch is a partial update. Nil fields keep their current value.
type Patch struct {
	LossRate   *float64
	LatencyMin *time.Duration
	LatencyMax *time.Duration
	MaxRetries *int
	AckTimeout *time.Duration
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.LossRate == nil && p.LatencyMin == nil && p.LatencyMax == nil &&
		p.MaxRetries == nil && p.AckTimeout == nil
}

// Apply returns base with the patch fields overlaid. The result is not
// validated.
func (p Patch) Apply(base Config) Config {
	if p.LossRate != nil {
		base.LossRate = *p.LossRate
	}
	if p.LatencyMin != nil {
		base.LatencyMin = *p.LatencyMin
	}
	if p.LatencyMax != nil {
		base.LatencyMax = *p.LatencyMax
	}
	if p.MaxRetries != nil {
		base.MaxRetries = *p.MaxRetries
	}
	if p.AckTimeout != nil {
		base.AckTimeout = *p.AckTimeout
	}
	return base
}

// PatchFrom builds a patch that sets every field of c.
func PatchFrom(c Config) Patch {
	return Patch{
		LossRate:   &c.LossRate,
		LatencyMin: &c.LatencyMin,
		LatencyMax: &c.LatencyMax,
		MaxRetries: &c.MaxRetries,
		AckTimeout: &c.AckTimeout,
	}
}
