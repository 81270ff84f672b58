// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides fakes shared by package tests.
package testutil

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Frame is an event captured by Conn.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Data, v)
}

// Conn records every event sent to a node. It satisfies registry.Conn.
type Conn struct {
	Addr string

	mu      sync.Mutex
	frames  []Frame
	closed  bool
	failing bool
	notify  chan struct{}
	onSend  func(event string, data any)
}

// NewConn returns a recording connection with the given remote address.
func NewConn(addr string) *Conn {
	return &Conn{
		Addr:   addr,
		notify: make(chan struct{}, 1),
	}
}

// OnSend installs a hook that runs synchronously for every successful Send,
// after the frame has been recorded.
func (c *Conn) OnSend(fn func(event string, data any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = fn
}

// SetFailing makes subsequent sends fail.
func (c *Conn) SetFailing(failing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = failing
}

func (c *Conn) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	if c.failing {
		c.mu.Unlock()
		return errors.New("send failed")
	}
	c.frames = append(c.frames, Frame{Event: event, Data: raw})
	hook := c.onSend
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}

	if hook != nil {
		hook(event, data)
	}
	return nil
}

func (c *Conn) RemoteAddr() string {
	return c.Addr
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frames returns a copy of the recorded frames.
func (c *Conn) Frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Events returns the recorded frames with the given event name.
func (c *Conn) Events(event string) []Frame {
	var out []Frame
	for _, f := range c.Frames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Reset discards recorded frames.
func (c *Conn) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = nil
}

// WaitFor blocks until n frames with the given event were recorded and
// returns them. The test fails after timeout.
func (c *Conn) WaitFor(t testing.TB, event string, n int, timeout time.Duration) []Frame {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if frames := c.Events(event); len(frames) >= n {
			return frames
		}
		select {
		case <-c.notify:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			require.FailNowf(t, "timed out waiting for event", "event %q: want %d, got %d", event, n, len(c.Events(event)))
			return nil
		}
	}
}
