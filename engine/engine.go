// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the delivery state machine of the simulated
// unreliable network: loss and latency per attempt, acknowledgment waits,
// timeout-driven retries and terminal outcome reporting.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/netsim/outcome"
	"github.com/absmach/netsim/protocol"
	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/simconfig"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Directory resolves destinations. It is implemented by *registry.Registry;
// alternative topic resolution plugs in here.
type Directory interface {
	Lookup(node string) (registry.Conn, bool)
	SubscribersOf(topic string) []string
}

// ConfigSource provides the configuration captured by new messages.
type ConfigSource interface {
	Get() simconfig.Config
}

// Recorder receives delivery statistics.
type Recorder interface {
	RecordSent(method string)
	RecordDelivered(method string, latency time.Duration)
	RecordLost(method string)
	RecordFailed(method string)
}

// Observer is notified once per message with its terminal result.
type Observer interface {
	OnResult(Result)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Result)

// OnResult calls f(r).
func (f ObserverFunc) OnResult(r Result) { f(r) }

type record struct {
	msg    *Message
	tracks map[string]*track
	span   trace.Span

	mu        sync.Mutex
	remaining int
	results   []TargetResult
}

// Engine owns every message from acceptance to its terminal state.
type Engine struct {
	dir      Directory
	configs  ConfigSource
	model    outcome.Model
	recorder Recorder
	logger   *slog.Logger
	tracer   trace.Tracer

	obsMu     sync.RWMutex
	observers []Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	inflight map[string]*record
	closed   bool
}

// New creates a delivery engine. A nil recorder discards statistics.
func New(dir Directory, configs ConfigSource, model outcome.Model, recorder Recorder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		dir:      dir,
		configs:  configs,
		model:    model,
		recorder: recorder,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("netsim"),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[string]*record),
	}
}

// SetTracer enables per-message spans.
func (e *Engine) SetTracer(t trace.Tracer) {
	if t != nil {
		e.tracer = t
	}
}

// AddObserver registers o for terminal results.
func (e *Engine) AddObserver(o Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, o)
}

// Send accepts a message for delivery and returns immediately. Routing
// failures are reported asynchronously like any other terminal outcome.
func (e *Engine) Send(req SendRequest) (*Message, error) {
	if req.From == "" || req.To == "" {
		return nil, fmt.Errorf("%w: from and to are required", ErrInvalidRequest)
	}
	if req.Method != Direct && req.Method != PubSub {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}

	msg := &Message{
		ID:        newID(),
		From:      req.From,
		To:        req.To,
		Method:    req.Method,
		Content:   jsonContent(req.Content),
		Config:    e.configs.Get(),
		CreatedAt: time.Now(),
	}

	var targets []string
	reason := ReasonNone
	switch msg.Method {
	case Direct:
		if _, ok := e.dir.Lookup(msg.To); ok {
			targets = []string{msg.To}
		} else {
			reason = ReasonUnreachableNode
		}
	case PubSub:
		targets = e.dir.SubscribersOf(msg.To)
		if len(targets) == 0 {
			reason = ReasonNoSubscribers
		}
	}

	_, span := e.tracer.Start(e.ctx, "netsim.deliver", trace.WithAttributes(
		attribute.String("msg.id", msg.ID),
		attribute.String("msg.method", string(msg.Method)),
		attribute.String("msg.from", msg.From),
		attribute.String("msg.to", msg.To),
		attribute.Int("msg.targets", len(targets)),
		attribute.Int("msg.max_attempts", msg.Config.MaxAttempts()),
	))

	rec := &record{
		msg:       msg,
		tracks:    make(map[string]*track, len(targets)),
		span:      span,
		remaining: len(targets),
	}
	for _, node := range targets {
		rec.tracks[node] = newTrack(node)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		span.End()
		return nil, ErrEngineClosed
	}
	if reason == ReasonNone {
		e.inflight[msg.ID] = rec
		e.wg.Add(len(targets))
	}
	e.mu.Unlock()

	e.recorder.RecordSent(string(msg.Method))
	if req.OnAccepted != nil {
		req.OnAccepted(msg)
	}

	e.logger.Debug("message_accepted",
		slog.String("msg_id", msg.ID),
		slog.String("method", string(msg.Method)),
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.Int("targets", len(targets)))

	if reason != ReasonNone {
		e.resolve(rec, reason)
		return msg, nil
	}

	for _, node := range targets {
		go e.run(rec, rec.tracks[node])
	}
	return msg, nil
}

// Ack acknowledges delivery of msgID to node. attempt is the attempt number
// being acknowledged, or zero for the outstanding one. For Direct messages
// node may be empty.
func (e *Engine) Ack(msgID, node string, attempt int) error {
	e.mu.RLock()
	closed := e.closed
	rec, ok := e.inflight[msgID]
	e.mu.RUnlock()

	if closed {
		return ErrEngineClosed
	}
	if !ok {
		return ErrUnknownMessage
	}
	if node == "" && rec.msg.Method == Direct {
		node = rec.msg.To
	}
	t, ok := rec.tracks[node]
	if !ok {
		return ErrUnknownTarget
	}
	return t.ack(attempt)
}

// Pending returns the number of messages not yet resolved.
func (e *Engine) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.inflight)
}

// PendingFor returns the number of unresolved deliveries addressed to node.
func (e *Engine) PendingFor(node string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	n := 0
	for _, rec := range e.inflight {
		if t, ok := rec.tracks[node]; ok && t.pending() {
			n++
		}
	}
	return n
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close cancels every outstanding timer and waits for in-flight attempts to
// stop. Messages that were not resolved are discarded without reporting.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.mu.Lock()
	dropped := len(e.inflight)
	for id, rec := range e.inflight {
		rec.span.SetAttributes(attribute.Bool("msg.discarded", true))
		rec.span.End()
		delete(e.inflight, id)
	}
	e.mu.Unlock()

	e.logger.Info("delivery_engine_stopped", slog.Int("discarded", dropped))
	return nil
}

func (e *Engine) run(rec *record, t *track) {
	defer e.wg.Done()

	res, ok := e.deliver(rec, t)
	if !ok {
		return
	}
	e.complete(rec, res)
}

// deliver runs the attempt sequence of one track. It returns false if the
// engine was closed before the track reached a terminal state.
func (e *Engine) deliver(rec *record, t *track) (TargetResult, bool) {
	msg := rec.msg
	method := string(msg.Method)

	for n := 1; n <= msg.Config.MaxAttempts(); n++ {
		if e.ctx.Err() != nil {
			return TargetResult{}, false
		}
		if n > 1 {
			t.set(StateRetrying)
		}

		d := e.model.Decide(msg.Config)
		t.schedule(n, d.Latency)
		rec.span.AddEvent("attempt", trace.WithAttributes(
			attribute.String("node", t.node),
			attribute.Int("attempt", n),
			attribute.Bool("lost", d.Lost),
			attribute.Int64("latency_us", d.Latency.Microseconds()),
		))

		if d.Lost {
			t.markLost()
			e.attemptLost(msg, t.node, n, "simulated_loss")
			continue
		}

		t.set(StateInTransit)
		if !e.sleep(d.Latency) {
			return TargetResult{}, false
		}

		conn, ok := e.dir.Lookup(t.node)
		if !ok {
			// The node went away while the attempt was in flight.
			t.markLost()
			e.attemptLost(msg, t.node, n, "node_unreachable")
			continue
		}

		t.set(StateAwaitingAck)
		event, payload := delivery(msg, t.node, n)
		if err := conn.Send(event, payload); err != nil {
			if t.markLost() {
				e.attemptLost(msg, t.node, n, "send_failed")
				continue
			}
			return t.result(ReasonNone), true
		}

		timer := time.NewTimer(msg.Config.AckTimeout)
		select {
		case <-t.acked:
			timer.Stop()
			return t.result(ReasonNone), true
		case <-timer.C:
			if t.markLost() {
				e.attemptLost(msg, t.node, n, "ack_timeout")
				continue
			}
			return t.result(ReasonNone), true
		case <-e.ctx.Done():
			timer.Stop()
			return TargetResult{}, false
		}
	}

	t.fail()
	e.logger.Debug("delivery_retries_exhausted",
		slog.String("msg_id", msg.ID),
		slog.String("method", method),
		slog.String("node", t.node),
		slog.Int("attempts", msg.Config.MaxAttempts()))
	return t.result(ReasonMaxRetriesExceeded), true
}

func (e *Engine) sleep(d time.Duration) bool {
	if d <= 0 {
		return e.ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *Engine) attemptLost(msg *Message, node string, attempt int, cause string) {
	e.recorder.RecordLost(string(msg.Method))
	e.logger.Debug("delivery_attempt_lost",
		slog.String("msg_id", msg.ID),
		slog.String("method", string(msg.Method)),
		slog.String("node", node),
		slog.Int("attempt", attempt),
		slog.String("cause", cause))
}

// complete records a terminal track and resolves the message once no track
// remains pending.
func (e *Engine) complete(rec *record, res TargetResult) {
	method := string(rec.msg.Method)
	if res.State == StateDelivered {
		e.recorder.RecordDelivered(method, res.Latency)
	} else {
		e.recorder.RecordFailed(method)
	}

	rec.mu.Lock()
	rec.results = append(rec.results, res)
	rec.remaining--
	done := rec.remaining == 0
	rec.mu.Unlock()

	if done {
		e.resolve(rec, ReasonNone)
	}
}

// resolve determines the message-level outcome and reports it. reason is
// set for routing failures that never produced a track.
func (e *Engine) resolve(rec *record, reason Reason) {
	e.mu.Lock()
	delete(e.inflight, rec.msg.ID)
	e.mu.Unlock()

	rec.mu.Lock()
	targets := make([]TargetResult, len(rec.results))
	copy(targets, rec.results)
	rec.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].Node < targets[j].Node })

	res := Result{
		Message:    rec.msg,
		State:      StateDelivered,
		Reason:     reason,
		Targets:    targets,
		ResolvedAt: time.Now(),
	}
	if reason != ReasonNone {
		res.State = StateFailed
		e.recorder.RecordFailed(string(rec.msg.Method))
	} else if len(res.Failed()) > 0 {
		res.State = StateFailed
		res.Reason = ReasonMaxRetriesExceeded
	}

	e.report(res)

	if res.State == StateFailed {
		rec.span.SetStatus(codes.Error, string(res.Reason))
	}
	rec.span.SetAttributes(attribute.String("msg.state", res.State.String()))
	rec.span.End()

	e.obsMu.RLock()
	observers := e.observers
	e.obsMu.RUnlock()
	for _, o := range observers {
		o.OnResult(res)
	}
}

// report sends the single terminal event for a message to its sender.
func (e *Engine) report(res Result) {
	msg := res.Message

	logAttrs := []any{
		slog.String("msg_id", msg.ID),
		slog.String("method", string(msg.Method)),
		slog.String("from", msg.From),
		slog.String("to", msg.To),
	}
	if res.State == StateDelivered {
		e.logger.Debug("message_delivered", logAttrs...)
	} else {
		e.logger.Debug("delivery_failed", append(logAttrs, slog.String("reason", string(res.Reason)))...)
	}

	conn, ok := e.dir.Lookup(msg.From)
	if !ok {
		e.logger.Debug("delivery_report_dropped",
			slog.String("msg_id", msg.ID),
			slog.String("sender", msg.From))
		return
	}

	var err error
	if res.State == StateDelivered {
		ev := protocol.Delivered{
			MsgID:    msg.ID,
			Method:   string(msg.Method),
			Attempts: res.Attempts(),
		}
		if msg.Method == PubSub {
			ev.Subscribers = res.Delivered()
		}
		err = conn.Send(protocol.EventDelivered, ev)
	} else {
		ev := protocol.DeliveryFailed{
			MsgID:  msg.ID,
			Method: string(msg.Method),
			Reason: string(res.Reason),
		}
		if msg.Method == PubSub {
			ev.FailedSubscribers = res.Failed()
			ev.DeliveredSubscribers = res.Delivered()
		}
		err = conn.Send(protocol.EventDeliveryFailed, ev)
	}
	if err != nil {
		e.logger.Debug("delivery_report_failed",
			slog.String("msg_id", msg.ID),
			slog.String("sender", msg.From),
			slog.String("error", err.Error()))
	}
}

func delivery(msg *Message, node string, attempt int) (string, any) {
	if msg.Method == Direct {
		return protocol.EventMessage, protocol.Message{
			MsgID:   msg.ID,
			From:    msg.From,
			To:      msg.To,
			Method:  string(msg.Method),
			Content: json.RawMessage(msg.Content),
			Attempt: attempt,
		}
	}
	return protocol.EventPubSubMessage, protocol.PubSubMessage{
		MsgID:   msg.ID,
		From:    msg.From,
		To:      node,
		Topic:   msg.To,
		Content: json.RawMessage(msg.Content),
		Attempt: attempt,
	}
}

// jsonContent keeps valid JSON payloads as they are and wraps anything
// else as a JSON string.
func jsonContent(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	if json.Valid(b) {
		return b
	}
	s, _ := json.Marshal(string(b))
	return s
}

// newID returns a time-ordered message id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type nopRecorder struct{}

func (nopRecorder) RecordSent(string)                     {}
func (nopRecorder) RecordDelivered(string, time.Duration) {}
func (nopRecorder) RecordLost(string)                     {}
func (nopRecorder) RecordFailed(string)                   {}
