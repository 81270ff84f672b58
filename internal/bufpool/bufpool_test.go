// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsResetBuffer(t *testing.T) {
	b := Get()
	b.WriteString(`{"event":"ack"}`)
	Put(b)

	b2 := Get()
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
	Put(b2)
}

func TestPutDropsOversizedBuffer(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
}

func TestLineAppendsNewline(t *testing.T) {
	frame := []byte(`{"event":"message","data":{"msg_id":"m1"}}`)
	b := Line(frame)
	defer Put(b)

	want := string(frame) + "\n"
	if b.String() != want {
		t.Fatalf("expected %q, got %q", want, b.String())
	}
}

func TestLineEmptyFrame(t *testing.T) {
	b := Line(nil)
	defer Put(b)

	if b.String() != "\n" {
		t.Fatalf("expected a bare newline, got %q", b.String())
	}
}

func TestConcurrentLines(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Line([]byte(`{"event":"delivered"}`))
			if b.Bytes()[b.Len()-1] != '\n' {
				t.Error("line not terminated")
			}
			Put(b)
		}()
	}
	wg.Wait()
}
