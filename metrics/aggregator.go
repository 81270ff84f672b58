// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics aggregates delivery statistics per method and pushes them
// to connected clients and external exporters.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/netsim/protocol"
)

// Exporter mirrors recorded statistics into an external metrics system.
type Exporter interface {
	RecordSent(method string)
	RecordDelivered(method string, latency time.Duration)
	RecordLost(method string)
	RecordFailed(method string)
}

// MethodStats are the counters of one delivery method.
type MethodStats struct {
	Sent       uint64
	Delivered  uint64
	Lost       uint64
	Failed     uint64
	AvgLatency time.Duration
}

// Snapshot is a consistent copy of all counters keyed by method.
type Snapshot map[string]MethodStats

// Payload converts the snapshot to its wire form.
func (s Snapshot) Payload() protocol.MetricsUpdate {
	out := make(protocol.MetricsUpdate, len(s))
	for m, st := range s {
		out[m] = protocol.MethodMetrics{
			Sent:       st.Sent,
			Delivered:  st.Delivered,
			Lost:       st.Lost,
			Failed:     st.Failed,
			AvgLatency: protocol.Millis(st.AvgLatency),
		}
	}
	return out
}

// Methods returns the method names of the snapshot sorted.
func (s Snapshot) Methods() []string {
	ms := make([]string, 0, len(s))
	for m := range s {
		ms = append(ms, m)
	}
	sort.Strings(ms)
	return ms
}

type counters struct {
	sent      uint64
	delivered uint64
	lost      uint64
	failed    uint64
	// mean delivery latency in nanoseconds over delivered samples
	mean float64
}

// Aggregator is the engine's statistics sink. All updates of one method are
// serialized so a snapshot never observes a half-applied record.
type Aggregator struct {
	mu        sync.Mutex
	methods   map[string]*counters
	exporters []Exporter
}

// NewAggregator returns an aggregator whose snapshots always contain the
// given methods, even before any traffic.
func NewAggregator(methods ...string) *Aggregator {
	a := &Aggregator{methods: make(map[string]*counters, len(methods))}
	for _, m := range methods {
		a.methods[m] = &counters{}
	}
	return a
}

// AddExporter registers e to receive every subsequent record.
func (a *Aggregator) AddExporter(e Exporter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exporters = append(a.exporters, e)
}

func (a *Aggregator) RecordSent(method string) {
	for _, e := range a.update(method, func(c *counters) { c.sent++ }) {
		e.RecordSent(method)
	}
}

// RecordDelivered counts a delivered track and folds latency into the
// running mean.
func (a *Aggregator) RecordDelivered(method string, latency time.Duration) {
	exporters := a.update(method, func(c *counters) {
		c.delivered++
		c.mean += (float64(latency) - c.mean) / float64(c.delivered)
	})
	for _, e := range exporters {
		e.RecordDelivered(method, latency)
	}
}

func (a *Aggregator) RecordLost(method string) {
	for _, e := range a.update(method, func(c *counters) { c.lost++ }) {
		e.RecordLost(method)
	}
}

func (a *Aggregator) RecordFailed(method string) {
	for _, e := range a.update(method, func(c *counters) { c.failed++ }) {
		e.RecordFailed(method)
	}
}

// Snapshot returns a copy of the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := make(Snapshot, len(a.methods))
	for m, c := range a.methods {
		s[m] = MethodStats{
			Sent:       c.sent,
			Delivered:  c.delivered,
			Lost:       c.lost,
			Failed:     c.failed,
			AvgLatency: time.Duration(c.mean),
		}
	}
	return s
}

func (a *Aggregator) update(method string, fn func(*counters)) []Exporter {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.methods[method]
	if !ok {
		c = &counters{}
		a.methods[method] = c
	}
	fn(c)
	return a.exporters
}
