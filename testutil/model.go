// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"sync"
	"time"

	"github.com/absmach/netsim/outcome"
	"github.com/absmach/netsim/simconfig"
)

// ScriptedModel returns pre-programmed outcomes in order and falls back to
// Default once the script is exhausted.
type ScriptedModel struct {
	Default outcome.Decision

	mu     sync.Mutex
	script []outcome.Decision
	calls  int
}

// NewScriptedModel returns a model that plays decisions in order and then
// delivers instantly.
func NewScriptedModel(decisions ...outcome.Decision) *ScriptedModel {
	return &ScriptedModel{script: decisions}
}

// Lose is a lost attempt.
func Lose() outcome.Decision {
	return outcome.Decision{Lost: true}
}

// Arrive is an attempt that reaches its destination after latency.
func Arrive(latency time.Duration) outcome.Decision {
	return outcome.Decision{Latency: latency}
}

func (m *ScriptedModel) Decide(simconfig.Config) outcome.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if len(m.script) == 0 {
		return m.Default
	}
	d := m.script[0]
	m.script = m.script[1:]
	return d
}

// Calls returns how many decisions were drawn.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
