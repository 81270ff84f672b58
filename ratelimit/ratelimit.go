// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles client connections per IP and client
// requests per node.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP address.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter allowing r connections per second per
// IP with the given burst. Idle entries are dropped every cleanupInterval.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	e, ok := l.limiters[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked addresses.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.dropIdle(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) dropIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// NodeRateLimiter limits send and subscribe requests per node.
type NodeRateLimiter struct {
	mu        sync.Mutex
	send      map[string]*rate.Limiter
	subscribe map[string]*rate.Limiter
	sendRate  rate.Limit
	sendBurst int
	subRate   rate.Limit
	subBurst  int
}

func NewNodeRateLimiter(sendRate float64, sendBurst int, subRate float64, subBurst int) *NodeRateLimiter {
	return &NodeRateLimiter{
		send:      make(map[string]*rate.Limiter),
		subscribe: make(map[string]*rate.Limiter),
		sendRate:  rate.Limit(sendRate),
		sendBurst: sendBurst,
		subRate:   rate.Limit(subRate),
		subBurst:  subBurst,
	}
}

// AllowSend reports whether node may submit another message.
func (l *NodeRateLimiter) AllowSend(node string) bool {
	return l.limiter(l.send, node, l.sendRate, l.sendBurst).Allow()
}

// AllowSubscribe reports whether node may change another subscription.
func (l *NodeRateLimiter) AllowSubscribe(node string) bool {
	return l.limiter(l.subscribe, node, l.subRate, l.subBurst).Allow()
}

func (l *NodeRateLimiter) limiter(m map[string]*rate.Limiter, node string, r rate.Limit, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := m[node]
	if !ok {
		lim = rate.NewLimiter(r, burst)
		m[node] = lim
	}
	return lim
}

// Remove drops the limiters of a disconnected node.
func (l *NodeRateLimiter) Remove(node string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.send, node)
	delete(l.subscribe, node)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Send       LimitConfig      `yaml:"send"`
	Subscribe  LimitConfig      `yaml:"subscribe"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // connections per second per IP
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for stale entries
}

// LimitConfig holds a per-node request rate.
type LimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // requests per second per node
	Burst   int     `yaml:"burst"` // burst allowance
}

// DefaultConfig returns rate limiting disabled with usable limits.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Send: LimitConfig{
			Enabled: true,
			Rate:    200,
			Burst:   50,
		},
		Subscribe: LimitConfig{
			Enabled: true,
			Rate:    20,
			Burst:   10,
		},
	}
}

// Manager coordinates all rate limiters. A nil *Manager allows everything.
type Manager struct {
	config Config
	ip     *IPRateLimiter
	node   *NodeRateLimiter
}

func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Send.Enabled || cfg.Subscribe.Enabled {
		m.node = NewNodeRateLimiter(cfg.Send.Rate, cfg.Send.Burst, cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// Allow checks whether a new connection from addr is allowed.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

func (m *Manager) AllowSend(node string) bool {
	if m == nil || m.node == nil || !m.config.Send.Enabled {
		return true
	}
	return m.node.AllowSend(node)
}

func (m *Manager) AllowSubscribe(node string) bool {
	if m == nil || m.node == nil || !m.config.Subscribe.Enabled {
		return true
	}
	return m.node.AllowSubscribe(node)
}

// OnNodeDisconnect releases the limiters of node.
func (m *Manager) OnNodeDisconnect(node string) {
	if m == nil || m.node == nil {
		return
	}
	m.node.Remove(node)
}

func (m *Manager) Stop() {
	if m == nil || m.ip == nil {
		return
	}
	m.ip.Stop()
}
