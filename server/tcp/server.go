// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves the client protocol over raw TCP (optionally TLS) with
// one JSON envelope per line.
package tcp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/netsim/gateway"
	"github.com/absmach/netsim/internal/bufpool"
	"github.com/absmach/netsim/protocol"
	"github.com/absmach/netsim/ratelimit"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// ErrConnClosed is returned by sends on a closed connection.
var ErrConnClosed = errors.New("tcp connection closed")

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	Logger          *slog.Logger
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	TCPKeepAlive    time.Duration
	MaxConnections  int
	MaxLineSize     int
	DisableNoDelay  bool
}

// Server accepts connections and hands each to the gateway as a session.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	config   Config
	gw       *gateway.Gateway
	limiter  *ratelimit.Manager
	listener net.Listener
	connSem  chan struct{}
}

// New creates a new TCP server with the given configuration and gateway.
func New(cfg Config, gw *gateway.Gateway, limiter *ratelimit.Manager) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.MaxLineSize == 0 {
		cfg.MaxLineSize = 1 << 20
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		config:  cfg,
		gw:      gw,
		limiter: limiter,
		connSem: connSem,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// Open connections are given ShutdownTimeout to finish before they are cut.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := s.createListener()
	if err != nil {
		return err
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := s.runAcceptLoop(ctx, connCtx, listener)

	<-ctx.Done()
	return s.gracefulShutdown(listener, acceptDone, connCancel)
}

func (s *Server) createListener() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
	}

	s.config.Logger.Info("tcp_server_started",
		slog.String("addr", listener.Addr().String()),
		slog.Bool("tls", s.config.TLSConfig != nil))
	return listener, nil
}

func (s *Server) runAcceptLoop(ctx, connCtx context.Context, listener net.Listener) <-chan struct{} {
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("tcp_accept_failed", slog.String("error", err.Error()))
				continue
			}

			if !s.limiter.Allow(conn.RemoteAddr()) {
				s.config.Logger.Warn("tcp_connection_rate_limited",
					slog.String("remote_addr", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			if !s.tryAcquireConnectionSlot(ctx, conn) {
				continue
			}

			if tcpConn, ok := conn.(*net.TCPConn); ok {
				if err := s.configureTCPConn(tcpConn); err != nil {
					s.config.Logger.Error("tcp_configure_failed", slog.String("error", err.Error()))
					s.releaseConnectionSlot()
					conn.Close()
					continue
				}
			}

			s.wg.Add(1)
			go s.handleConnection(connCtx, conn)
		}
	}()
	return acceptDone
}

func (s *Server) tryAcquireConnectionSlot(ctx context.Context, conn net.Conn) bool {
	if s.connSem == nil {
		return true
	}

	select {
	case s.connSem <- struct{}{}:
		return true
	case <-ctx.Done():
		conn.Close()
		return false
	default:
		s.config.Logger.Warn("tcp_connection_limit_reached",
			slog.String("remote_addr", conn.RemoteAddr().String()))
		conn.Close()
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) handleConnection(connCtx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseConnectionSlot()

	lc := &lineConn{conn: conn, writeTimeout: s.config.WriteTimeout}
	defer lc.Close()

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.config.Logger.Warn("tls_handshake_failed",
				slog.String("remote_addr", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return
		}
	}

	// Forced shutdown closes the socket, which ends the read loop below.
	stop := context.AfterFunc(connCtx, func() { lc.Close() })
	defer stop()

	s.config.Logger.Debug("tcp_connection_accepted", slog.String("remote_addr", lc.RemoteAddr()))

	sess := s.gw.Open(lc)
	defer sess.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), s.config.MaxLineSize)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		if !scanner.Scan() {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		sess.Handle(line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.config.Logger.Debug("tcp_read_error",
			slog.String("remote_addr", lc.RemoteAddr()),
			slog.String("error", err.Error()))
	}

	s.config.Logger.Debug("tcp_connection_closed",
		slog.String("remote_addr", lc.RemoteAddr()),
		slog.String("node", sess.Node()))
}

func (s *Server) gracefulShutdown(listener net.Listener, acceptDone <-chan struct{}, connCancel context.CancelFunc) error {
	s.config.Logger.Info("tcp_server_shutdown_initiated")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("tcp_listener_close_failed", slog.String("error", err.Error()))
	}

	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("tcp_server_stopped")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("tcp_shutdown_timeout_exceeded")
		connCancel()

		select {
		case <-done:
			return ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return ErrShutdownTimeout
		}
	}
}

func (s *Server) configureTCPConn(conn *net.TCPConn) error {
	if s.config.TCPKeepAlive > 0 {
		if err := conn.SetKeepAlive(true); err != nil {
			return fmt.Errorf("failed to enable keepalive: %w", err)
		}
		if err := conn.SetKeepAlivePeriod(s.config.TCPKeepAlive); err != nil {
			return fmt.Errorf("failed to set keepalive period: %w", err)
		}
	}

	if !s.config.DisableNoDelay {
		if err := conn.SetNoDelay(true); err != nil {
			return fmt.Errorf("failed to set TCP_NODELAY: %w", err)
		}
	}

	return nil
}

// Addr returns the listener's network address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// lineConn writes one encoded envelope per line. Writes are serialized and
// bounded by writeTimeout.
type lineConn struct {
	conn         net.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (c *lineConn) Send(event string, data any) error {
	frame, err := protocol.Encode(event, data)
	if err != nil {
		return err
	}

	buf := bufpool.Line(frame)
	defer bufpool.Put(buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		c.closed = true
		c.conn.Close()
		return err
	}
	return nil
}

func (c *lineConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *lineConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
