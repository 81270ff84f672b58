// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package gateway translates client events into registry and delivery engine
// operations. It is independent of the transport: a server hands every
// accepted connection to Open and every inbound frame to Session.Handle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/netsim/engine"
	"github.com/absmach/netsim/events"
	"github.com/absmach/netsim/protocol"
	"github.com/absmach/netsim/ratelimit"
	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/simconfig"
	"github.com/absmach/netsim/topics"
)

// Send rejection reasons.
const (
	RejectInvalidRequest = "invalid_request"
	RejectInvalidMethod  = "invalid_method"
	RejectInvalidTopic   = "invalid_topic"
	RejectSenderMismatch = "sender_mismatch"
	RejectRateLimited    = "rate_limited"
	RejectShuttingDown   = "shutting_down"
)

var (
	ErrNotRegistered = errors.New("node not registered")
	ErrUnknownEvent  = errors.New("unknown event")
	ErrNodeMismatch  = errors.New("ack node does not match registered node")
	ErrRateLimited   = errors.New("rate limit exceeded")
)

// Notifier receives lifecycle events for external delivery.
type Notifier interface {
	Notify(ctx context.Context, e events.Event) error
}

// Gateway is shared by all sessions.
type Gateway struct {
	reg      *registry.Registry
	eng      *engine.Engine
	configs  *simconfig.Store
	limiter  *ratelimit.Manager
	notifier Notifier
	topics   []string
	logger   *slog.Logger

	sessMu   sync.RWMutex
	sessions map[*Session]struct{}
}

// New creates a gateway and subscribes it to configuration updates, which
// are broadcast as config_updated to every open session whatever their
// origin.
func New(reg *registry.Registry, eng *engine.Engine, configs *simconfig.Store, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		reg:     reg,
		eng:     eng,
		configs:  configs,
		logger:   logger,
		sessions: make(map[*Session]struct{}),
	}
	configs.OnUpdate(g.configUpdated)
	return g
}

// SetRateLimiter enables per-node send and subscribe limits.
func (g *Gateway) SetRateLimiter(m *ratelimit.Manager) {
	g.limiter = m
}

func (g *Gateway) SetNotifier(n Notifier) {
	g.notifier = n
}

// SetDefaultTopics sets the topic filters every node is subscribed to on
// registration.
func (g *Gateway) SetDefaultTopics(filters []string) {
	g.topics = append([]string(nil), filters...)
}

// Open starts a session for a new connection and greets it.
func (g *Gateway) Open(conn registry.Conn) *Session {
	s := &Session{g: g, conn: conn}
	g.sessMu.Lock()
	g.sessions[s] = struct{}{}
	g.sessMu.Unlock()

	s.send(protocol.EventConnected, protocol.Connected{
		Msg:    "connected",
		Config: protocol.ConfigFrom(g.configs.Get()),
	})
	return s
}

// Broadcast sends an event to every open session, registered or not.
func (g *Gateway) Broadcast(event string, data any) {
	g.sessMu.RLock()
	targets := make([]*Session, 0, len(g.sessions))
	for s := range g.sessions {
		targets = append(targets, s)
	}
	g.sessMu.RUnlock()

	for _, s := range targets {
		s.send(event, data)
	}
}

// Sessions returns the number of open sessions.
func (g *Gateway) Sessions() int {
	g.sessMu.RLock()
	defer g.sessMu.RUnlock()
	return len(g.sessions)
}

func (g *Gateway) configUpdated(cfg simconfig.Config) {
	wire := protocol.ConfigFrom(cfg)
	g.Broadcast(protocol.EventConfigUpdated, wire)
	g.notify(events.ConfigUpdated{
		LossRate:   wire.LossRate,
		LatencyMin: wire.LatencyMin,
		LatencyMax: wire.LatencyMax,
		MaxRetries: wire.MaxRetries,
		AckTimeout: wire.AckTimeout,
		Version:    wire.Version,
	})
	g.logger.Info("network_config_updated",
		slog.Float64("loss_rate", cfg.LossRate),
		slog.Duration("latency_min", cfg.LatencyMin),
		slog.Duration("latency_max", cfg.LatencyMax),
		slog.Int("max_retries", cfg.MaxRetries),
		slog.Duration("ack_timeout", cfg.AckTimeout),
		slog.Uint64("version", cfg.Version))
}

func (g *Gateway) notify(e events.Event) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(context.Background(), e); err != nil {
		g.logger.Debug("webhook_notify_failed",
			slog.String("event_type", e.Type()),
			slog.String("error", err.Error()))
	}
}

// Session is the server side of one client connection. Handle is called from
// the connection's read loop; Close may be called from any goroutine.
type Session struct {
	g    *Gateway
	conn registry.Conn

	mu   sync.Mutex
	node string
}

// Node returns the node id bound to the session, empty before register.
func (s *Session) Node() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.node
}

// Handle processes one inbound frame. Failures are reported to the client
// and never end the session.
func (s *Session) Handle(frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		s.fail(err)
		return
	}

	switch env.Event {
	case protocol.EventRegister:
		err = s.register(env)
	case protocol.EventUpdateConfig:
		err = s.updateConfig(env)
	case protocol.EventGetConfig:
		s.send(protocol.EventConfigUpdated, protocol.ConfigFrom(s.g.configs.Get()))
	case protocol.EventSendMessage:
		err = s.sendMessage(env)
	case protocol.EventAck:
		err = s.ack(env)
	case protocol.EventPubSubAck:
		err = s.pubSubAck(env)
	case protocol.EventSubscribe:
		err = s.subscribe(env)
	case protocol.EventUnsubscribe:
		err = s.unsubscribe(env)
	case protocol.EventNodeStatus:
		err = s.nodeStatus(env)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if err != nil {
		s.fail(err)
	}
}

// Close ends the session and releases the node binding if this session still
// holds it.
func (s *Session) Close() {
	s.g.sessMu.Lock()
	delete(s.g.sessions, s)
	s.g.sessMu.Unlock()

	s.mu.Lock()
	node := s.node
	s.node = ""
	s.mu.Unlock()

	if node == "" || !s.g.reg.Unregister(node, s.conn) {
		return
	}
	s.g.limiter.OnNodeDisconnect(node)
	pending := s.g.eng.PendingFor(node)
	s.g.notify(events.NodeDisconnected{
		Node:       node,
		RemoteAddr: s.conn.RemoteAddr(),
		Pending:    pending,
	})
	s.g.logger.Info("node_disconnected",
		slog.String("node", node),
		slog.String("remote_addr", s.conn.RemoteAddr()),
		slog.Int("pending", pending))
}

func (s *Session) register(env protocol.Envelope) error {
	var req protocol.Register
	if err := env.Payload(&req); err != nil {
		return err
	}

	prev, err := s.g.reg.Register(req.Node, s.conn)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.node
	s.node = req.Node
	s.mu.Unlock()

	// Re-registering under a new id releases the old one.
	if old != "" && old != req.Node && s.g.reg.Unregister(old, s.conn) {
		s.g.limiter.OnNodeDisconnect(old)
	}
	if prev != nil && prev != s.conn {
		prev.Close()
	}

	var subscribed []string
	for _, f := range s.g.topics {
		if err := s.g.reg.Subscribe(req.Node, f); err != nil {
			s.g.logger.Warn("default_subscription_failed",
				slog.String("node", req.Node),
				slog.String("filter", f),
				slog.String("error", err.Error()))
			continue
		}
		subscribed = append(subscribed, f)
	}

	s.send(protocol.EventRegistered, protocol.Registered{Node: req.Node, Topics: subscribed})
	s.g.notify(events.NodeRegistered{
		Node:       req.Node,
		RemoteAddr: s.conn.RemoteAddr(),
		Replaced:   prev != nil && prev != s.conn,
	})
	s.g.logger.Info("node_registered",
		slog.String("node", req.Node),
		slog.String("remote_addr", s.conn.RemoteAddr()),
		slog.Bool("replaced", prev != nil && prev != s.conn))
	return nil
}

func (s *Session) updateConfig(env protocol.Envelope) error {
	var req protocol.UpdateConfig
	if err := env.Payload(&req); err != nil {
		s.send(protocol.EventConfigRejected, protocol.ConfigRejected{Error: err.Error()})
		return nil
	}

	p := req.Patch()
	if p.Empty() {
		s.send(protocol.EventConfigUpdated, protocol.ConfigFrom(s.g.configs.Get()))
		return nil
	}

	if _, err := s.g.configs.Update(p); err != nil {
		s.g.logger.Debug("network_config_rejected", slog.String("error", err.Error()))
		s.send(protocol.EventConfigRejected, protocol.ConfigRejected{Error: err.Error()})
		return nil
	}
	return nil
}

func (s *Session) sendMessage(env protocol.Envelope) error {
	node, err := s.registered()
	if err != nil {
		return err
	}

	var req protocol.SendMessage
	if err := env.Payload(&req); err != nil {
		s.reject(RejectInvalidRequest, err)
		return nil
	}
	if req.From == "" {
		req.From = node
	}
	if req.From != node {
		s.reject(RejectSenderMismatch, fmt.Errorf("sender %q is not the registered node %q", req.From, node))
		return nil
	}
	method, err := engine.ParseMethod(req.Method)
	if err != nil {
		s.reject(RejectInvalidMethod, err)
		return nil
	}
	if method == engine.PubSub {
		if err := topics.ValidateTopic(req.To); err != nil {
			s.reject(RejectInvalidTopic, err)
			return nil
		}
	}
	if !s.g.limiter.AllowSend(node) {
		s.reject(RejectRateLimited, ErrRateLimited)
		return nil
	}

	_, err = s.g.eng.Send(engine.SendRequest{
		From:    req.From,
		To:      req.To,
		Method:  method,
		Content: req.Content,
		OnAccepted: func(m *engine.Message) {
			s.send(protocol.EventSentAck, protocol.SentAck{MsgID: m.ID, Method: string(m.Method)})
		},
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrEngineClosed):
		s.reject(RejectShuttingDown, err)
	default:
		s.reject(RejectInvalidRequest, err)
	}
	return nil
}

func (s *Session) ack(env protocol.Envelope) error {
	node, err := s.registered()
	if err != nil {
		return err
	}
	var req protocol.Ack
	if err := env.Payload(&req); err != nil {
		return err
	}
	return s.acknowledge(req.MsgID, node, req.Attempt)
}

func (s *Session) pubSubAck(env protocol.Envelope) error {
	node, err := s.registered()
	if err != nil {
		return err
	}
	var req protocol.PubSubAck
	if err := env.Payload(&req); err != nil {
		return err
	}
	if req.Node != "" && req.Node != node {
		return fmt.Errorf("%w: %q", ErrNodeMismatch, req.Node)
	}
	return s.acknowledge(req.MsgID, node, req.Attempt)
}

// acknowledge drops late, duplicate and unknown acks silently; they are
// expected under simulated loss.
func (s *Session) acknowledge(msgID, node string, attempt int) error {
	err := s.g.eng.Ack(msgID, node, attempt)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrStaleAck), errors.Is(err, engine.ErrUnknownMessage):
		s.g.logger.Debug("ack_ignored",
			slog.String("msg_id", msgID),
			slog.String("node", node),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return nil
	default:
		return err
	}
}

func (s *Session) subscribe(env protocol.Envelope) error {
	node, err := s.registered()
	if err != nil {
		return err
	}
	var req protocol.Subscription
	if err := env.Payload(&req); err != nil {
		return err
	}
	if !s.g.limiter.AllowSubscribe(node) {
		return ErrRateLimited
	}
	if err := s.g.reg.Subscribe(node, req.Topic); err != nil {
		return err
	}

	s.send(protocol.EventSubscribed, protocol.Subscription{Topic: req.Topic})
	s.g.notify(events.SubscriptionCreated{Node: node, TopicFilter: req.Topic})
	s.g.logger.Debug("node_subscribed", slog.String("node", node), slog.String("filter", req.Topic))
	return nil
}

func (s *Session) unsubscribe(env protocol.Envelope) error {
	node, err := s.registered()
	if err != nil {
		return err
	}
	var req protocol.Subscription
	if err := env.Payload(&req); err != nil {
		return err
	}
	s.g.reg.Unsubscribe(node, req.Topic)

	s.send(protocol.EventUnsubscribed, protocol.Subscription{Topic: req.Topic})
	s.g.notify(events.SubscriptionRemoved{Node: node, TopicFilter: req.Topic})
	s.g.logger.Debug("node_unsubscribed", slog.String("node", node), slog.String("filter", req.Topic))
	return nil
}

func (s *Session) nodeStatus(env protocol.Envelope) error {
	var req protocol.NodeStatusRequest
	if err := env.Payload(&req); err != nil {
		return err
	}
	if req.Node == "" {
		req.Node = s.Node()
	}
	if req.Node == "" {
		return ErrNotRegistered
	}
	s.send(protocol.EventNodeStatus, s.g.Status(req.Node))
	return nil
}

// Status reports the registration and pending deliveries of node.
func (g *Gateway) Status(node string) protocol.NodeStatus {
	st := protocol.NodeStatus{Node: node, Pending: g.eng.PendingFor(node)}
	if info, ok := g.reg.Node(node); ok {
		st.Online = true
		st.RemoteAddr = info.RemoteAddr
		st.Topics = info.Topics
		at := info.RegisteredAt
		st.RegisteredAt = &at
	}
	return st
}

func (s *Session) registered() (string, error) {
	node := s.Node()
	if node == "" {
		return "", ErrNotRegistered
	}
	return node, nil
}

func (s *Session) reject(reason string, err error) {
	s.send(protocol.EventSendRejected, protocol.SendRejected{Reason: reason, Error: err.Error()})
}

func (s *Session) fail(err error) {
	s.send(protocol.EventError, protocol.Error{Error: err.Error()})
}

func (s *Session) send(event string, data any) {
	if err := s.conn.Send(event, data); err != nil {
		s.g.logger.Debug("session_send_failed",
			slog.String("node", s.Node()),
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
