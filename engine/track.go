// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"
	"time"
)

// track is the attempt sequence of one message towards one node: the single
// destination of a Direct message or one subscriber of a PubSub message.
// The goroutine running the track is the only writer of attempt; mu
// arbitrates between it and incoming acks.
type track struct {
	node string

	mu      sync.Mutex
	state   State
	attempt int
	latency time.Duration
	lost    int

	// acked receives one value when the outstanding attempt is acknowledged.
	acked chan struct{}
}

func newTrack(node string) *track {
	return &track{
		node:  node,
		state: StateCreated,
		acked: make(chan struct{}, 1),
	}
}

// schedule starts attempt n with the drawn transit latency.
func (t *track) schedule(n int, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt = n
	t.latency = latency
	t.state = StateScheduled
}

func (t *track) set(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// markLost records the outstanding attempt as lost unless an ack won the
// race. It reports false when the attempt was already acknowledged.
func (t *track) markLost() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == StateDelivered {
		return false
	}
	t.state = StateLostPendingRetry
	t.lost++
	return true
}

// ack acknowledges attempt n; zero means the outstanding attempt. Only an
// attempt that reached the node and is waiting for its ack can be
// acknowledged.
func (t *track) ack(n int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateAwaitingAck {
		return ErrStaleAck
	}
	if n != 0 && n != t.attempt {
		return ErrStaleAck
	}

	t.state = StateDelivered
	t.acked <- struct{}{}
	return nil
}

func (t *track) fail() {
	t.set(StateFailed)
}

func (t *track) pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.state.Terminal()
}

func (t *track) result(reason Reason) TargetResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := TargetResult{
		Node:     t.node,
		State:    t.state,
		Reason:   reason,
		Attempts: t.attempt,
		Lost:     t.lost,
	}
	if t.state == StateDelivered {
		r.Latency = t.latency
	}
	return r
}
