// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"
)

type strAddr string

func (a strAddr) Network() string { return "tcp" }
func (a strAddr) String() string  { return string(a) }

func TestIPRateLimiter_Allow(t *testing.T) {
	// 5 per second, burst of 2
	limiter := NewIPRateLimiter(5, 2, time.Minute)
	defer limiter.Stop()

	addr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 1234}

	if !limiter.Allow(addr) {
		t.Error("first connection should be allowed")
	}
	if !limiter.Allow(addr) {
		t.Error("second connection (within burst) should be allowed")
	}
	if limiter.Allow(addr) {
		t.Error("third connection should be rate limited")
	}

	time.Sleep(250 * time.Millisecond)

	if !limiter.Allow(addr) {
		t.Error("connection after refill should be allowed")
	}
}

func TestIPRateLimiter_HostPortString(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	// Different ports of the same host share a limiter.
	if !limiter.Allow(strAddr("10.0.0.1:1000")) {
		t.Error("first connection should be allowed")
	}
	if limiter.Allow(strAddr("10.0.0.1:2000")) {
		t.Error("same host on another port should be limited")
	}
	if !limiter.Allow(strAddr("10.0.0.2:1000")) {
		t.Error("other host should be allowed")
	}
	if !limiter.Allow(nil) {
		t.Error("nil address should be allowed")
	}
}

func TestIPRateLimiter_DropIdle(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Minute)
	defer limiter.Stop()

	limiter.Allow(strAddr("10.0.0.1:1"))
	limiter.Allow(strAddr("10.0.0.2:1"))
	if limiter.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", limiter.Len())
	}

	limiter.dropIdle(time.Now().Add(time.Second))
	if limiter.Len() != 0 {
		t.Errorf("expected idle entries to be dropped, got %d", limiter.Len())
	}
}

func TestNodeRateLimiter(t *testing.T) {
	limiter := NewNodeRateLimiter(1, 2, 1, 1)

	if !limiter.AllowSend("A") || !limiter.AllowSend("A") {
		t.Error("sends within burst should be allowed")
	}
	if limiter.AllowSend("A") {
		t.Error("third send should be rate limited")
	}
	if !limiter.AllowSend("B") {
		t.Error("other node should have its own budget")
	}

	if !limiter.AllowSubscribe("A") {
		t.Error("subscribe uses a separate budget")
	}
	if limiter.AllowSubscribe("A") {
		t.Error("second subscribe should be rate limited")
	}

	limiter.Remove("A")
	if !limiter.AllowSend("A") {
		t.Error("removed node should start with a fresh budget")
	}
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	for i := 0; i < 1000; i++ {
		if !m.AllowSend("A") {
			t.Fatal("disabled manager must allow every send")
		}
	}
	if !m.Allow(strAddr("10.0.0.1:1")) {
		t.Error("disabled manager must allow connections")
	}

	var nilManager *Manager
	if !nilManager.AllowSend("A") || !nilManager.AllowSubscribe("A") || !nilManager.Allow(nil) {
		t.Error("nil manager must allow everything")
	}
	nilManager.OnNodeDisconnect("A")
	nilManager.Stop()
	// Stop is idempotent.
	m.Stop()
}

func TestManager_Enabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Send = LimitConfig{Enabled: true, Rate: 1, Burst: 1}
	cfg.Subscribe.Enabled = false
	m := NewManager(cfg)
	defer m.Stop()

	if !m.AllowSend("A") {
		t.Error("first send should be allowed")
	}
	if m.AllowSend("A") {
		t.Error("second send should be rate limited")
	}
	for i := 0; i < 100; i++ {
		if !m.AllowSubscribe("A") {
			t.Fatal("disabled subscribe limit must allow")
		}
	}

	m.OnNodeDisconnect("A")
	if !m.AllowSend("A") {
		t.Error("send after disconnect should be allowed")
	}
}
