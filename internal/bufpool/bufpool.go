// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers stream transports use to frame
// outbound envelopes.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past this size are dropped instead of pooled.
const maxPooledCap = 64 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}

// Line returns a pooled buffer holding frame followed by a newline.
func Line(frame []byte) *bytes.Buffer {
	b := Get()
	b.Grow(len(frame) + 1)
	b.Write(frame)
	b.WriteByte('\n')
	return b
}
