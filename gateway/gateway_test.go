// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/netsim/engine"
	"github.com/absmach/netsim/events"
	"github.com/absmach/netsim/gateway"
	"github.com/absmach/netsim/metrics"
	"github.com/absmach/netsim/protocol"
	"github.com/absmach/netsim/ratelimit"
	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/simconfig"
	"github.com/absmach/netsim/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type notifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *notifier) Notify(_ context.Context, e events.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *notifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.events {
		out = append(out, e.Type())
	}
	return out
}

type fixture struct {
	reg      *registry.Registry
	configs  *simconfig.Store
	eng      *engine.Engine
	gw       *gateway.Gateway
	notifier *notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	configs, err := simconfig.NewStore(simconfig.Config{
		LatencyMin: time.Millisecond,
		LatencyMax: time.Millisecond,
		MaxRetries: 1,
		AckTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	f := &fixture{
		reg:      registry.New(nil),
		configs:  configs,
		notifier: &notifier{},
	}
	f.eng = engine.New(f.reg, configs, testutil.NewScriptedModel(), nil, nil)
	t.Cleanup(func() { _ = f.eng.Close() })

	f.gw = gateway.New(f.reg, f.eng, configs, nil)
	f.gw.SetNotifier(f.notifier)
	return f
}

// open connects a client and drops its greeting.
func (f *fixture) open(addr string) (*gateway.Session, *testutil.Conn) {
	conn := testutil.NewConn(addr)
	s := f.gw.Open(conn)
	conn.Reset()
	return s, conn
}

func (f *fixture) node(t *testing.T, id string) (*gateway.Session, *testutil.Conn) {
	t.Helper()
	s, conn := f.open(id + ":9000")
	s.Handle(frame(t, protocol.EventRegister, protocol.Register{Node: id}))
	conn.WaitFor(t, protocol.EventRegistered, 1, waitTimeout)
	conn.Reset()
	return s, conn
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	b, err := protocol.Encode(event, data)
	require.NoError(t, err)
	return b
}

func lastError(t *testing.T, conn *testutil.Conn) string {
	t.Helper()
	frames := conn.WaitFor(t, protocol.EventError, 1, waitTimeout)
	var e protocol.Error
	require.NoError(t, frames[len(frames)-1].Decode(&e))
	return e.Error
}

func TestOpenGreetsWithConfig(t *testing.T) {
	f := newFixture(t)
	conn := testutil.NewConn("client:1")
	f.gw.Open(conn)

	frames := conn.Events(protocol.EventConnected)
	require.Len(t, frames, 1)
	var c protocol.Connected
	require.NoError(t, frames[0].Decode(&c))
	assert.Equal(t, "connected", c.Msg)
	assert.Equal(t, 1, c.Config.MaxRetries)
	assert.InDelta(t, 50.0, c.Config.AckTimeout, 1e-9)
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	f.gw.SetDefaultTopics([]string{"chat", "alerts/#"})
	s, conn := f.open("a:1")

	s.Handle(frame(t, protocol.EventRegister, protocol.Register{Node: "A"}))

	frames := conn.Events(protocol.EventRegistered)
	require.Len(t, frames, 1)
	var r protocol.Registered
	require.NoError(t, frames[0].Decode(&r))
	assert.Equal(t, "A", r.Node)
	assert.Equal(t, []string{"chat", "alerts/#"}, r.Topics)
	assert.Equal(t, "A", s.Node())

	got, ok := f.reg.Lookup("A")
	require.True(t, ok)
	assert.Same(t, conn, got)
	assert.Equal(t, []string{"A"}, f.reg.SubscribersOf("alerts/disk"))
	assert.Equal(t, []string{events.TypeNodeRegistered}, f.notifier.types())
}

func TestRegisterInvalidNode(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open("a:1")

	s.Handle(frame(t, protocol.EventRegister, protocol.Register{Node: "bad/+"}))

	assert.Contains(t, lastError(t, conn), registry.ErrInvalidNodeID.Error())
	assert.Empty(t, s.Node())
	assert.Equal(t, 0, f.reg.Len())
}

func TestRegisterReplacesConnection(t *testing.T) {
	f := newFixture(t)
	first, firstConn := f.node(t, "A")
	_, secondConn := f.node(t, "A")

	assert.True(t, firstConn.Closed())
	got, ok := f.reg.Lookup("A")
	require.True(t, ok)
	assert.Same(t, secondConn, got)

	// The displaced session no longer owns the node.
	first.Close()
	_, ok = f.reg.Lookup("A")
	assert.True(t, ok)
	assert.NotContains(t, f.notifier.types(), events.TypeNodeDisconnected)
}

func TestReRegisterUnderNewID(t *testing.T) {
	f := newFixture(t)
	s, _ := f.node(t, "A")

	s.Handle(frame(t, protocol.EventRegister, protocol.Register{Node: "B"}))

	_, ok := f.reg.Lookup("A")
	assert.False(t, ok)
	_, ok = f.reg.Lookup("B")
	assert.True(t, ok)
	assert.Equal(t, "B", s.Node())
}

func TestActionsRequireRegistration(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open("a:1")

	for _, fr := range [][]byte{
		frame(t, protocol.EventSendMessage, protocol.SendMessage{To: "B", Method: "Direct"}),
		frame(t, protocol.EventAck, protocol.Ack{MsgID: "x"}),
		frame(t, protocol.EventPubSubAck, protocol.PubSubAck{MsgID: "x"}),
		frame(t, protocol.EventSubscribe, protocol.Subscription{Topic: "chat"}),
		frame(t, protocol.EventUnsubscribe, protocol.Subscription{Topic: "chat"}),
		frame(t, protocol.EventNodeStatus, nil),
	} {
		s.Handle(fr)
	}

	frames := conn.Events(protocol.EventError)
	require.Len(t, frames, 6)
	for _, fr := range frames {
		var e protocol.Error
		require.NoError(t, fr.Decode(&e))
		assert.Equal(t, gateway.ErrNotRegistered.Error(), e.Error)
	}
	assert.Equal(t, 0, f.eng.Pending())
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open("a:1")

	s.Handle([]byte(`{not json`))
	assert.Contains(t, lastError(t, conn), protocol.ErrMalformedFrame.Error())

	conn.Reset()
	s.Handle([]byte(`{"event":"teleport"}`))
	assert.Contains(t, lastError(t, conn), gateway.ErrUnknownEvent.Error())
}

func TestDirectDeliveryFlow(t *testing.T) {
	f := newFixture(t)
	sa, aConn := f.node(t, "A")
	sb, bConn := f.node(t, "B")
	bConn.OnSend(func(_ string, data any) {
		if m, ok := data.(protocol.Message); ok {
			sb.Handle(frame(t, protocol.EventAck, protocol.Ack{MsgID: m.MsgID, Attempt: m.Attempt}))
		}
	})

	// The sender defaults to the session's node.
	sa.Handle(frame(t, protocol.EventSendMessage, protocol.SendMessage{
		To:      "B",
		Method:  "direct",
		Content: []byte(`{"text":"hi"}`),
	}))

	delivered := aConn.WaitFor(t, protocol.EventDelivered, 1, waitTimeout)
	all := aConn.Frames()
	require.GreaterOrEqual(t, len(all), 2)
	assert.Equal(t, protocol.EventSentAck, all[0].Event)

	var ack protocol.SentAck
	require.NoError(t, all[0].Decode(&ack))
	assert.Equal(t, "Direct", ack.Method)

	var d protocol.Delivered
	require.NoError(t, delivered[0].Decode(&d))
	assert.Equal(t, ack.MsgID, d.MsgID)
	assert.Equal(t, 1, d.Attempts)

	msgs := bConn.Events(protocol.EventMessage)
	require.Len(t, msgs, 1)
	var m protocol.Message
	require.NoError(t, msgs[0].Decode(&m))
	assert.Equal(t, "A", m.From)
	assert.JSONEq(t, `{"text":"hi"}`, string(m.Content))
	assert.Empty(t, aConn.Events(protocol.EventError))
	assert.Empty(t, bConn.Events(protocol.EventError))
}

func TestPubSubDeliveryFlow(t *testing.T) {
	f := newFixture(t)
	sa, aConn := f.node(t, "A")
	for _, id := range []string{"B", "C"} {
		s, conn := f.node(t, id)
		s.Handle(frame(t, protocol.EventSubscribe, protocol.Subscription{Topic: "sensors/#"}))
		conn.WaitFor(t, protocol.EventSubscribed, 1, waitTimeout)
		conn.OnSend(func(_ string, data any) {
			if m, ok := data.(protocol.PubSubMessage); ok {
				s.Handle(frame(t, protocol.EventPubSubAck, protocol.PubSubAck{MsgID: m.MsgID, Node: m.To, Attempt: m.Attempt}))
			}
		})
	}

	sa.Handle(frame(t, protocol.EventSendMessage, protocol.SendMessage{
		From:    "A",
		To:      "sensors/temp",
		Method:  "PubSub",
		Content: []byte(`21.5`),
	}))

	frames := aConn.WaitFor(t, protocol.EventDelivered, 1, waitTimeout)
	var d protocol.Delivered
	require.NoError(t, frames[0].Decode(&d))
	assert.Equal(t, "PubSub", d.Method)
	assert.Equal(t, []string{"B", "C"}, d.Subscribers)
}

func TestPubSubAckForAnotherNode(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")

	s.Handle(frame(t, protocol.EventPubSubAck, protocol.PubSubAck{MsgID: "m1", Node: "B"}))

	assert.Contains(t, lastError(t, conn), gateway.ErrNodeMismatch.Error())
}

func TestStaleAcksAreIgnored(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")

	s.Handle(frame(t, protocol.EventAck, protocol.Ack{MsgID: "no-such-message"}))
	s.Handle(frame(t, protocol.EventPubSubAck, protocol.PubSubAck{MsgID: "no-such-message", Node: "A"}))

	assert.Empty(t, conn.Frames())
}

func TestSendRejections(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")

	cases := []struct {
		desc   string
		req    protocol.SendMessage
		reason string
	}{
		{
			desc:   "unknown method",
			req:    protocol.SendMessage{To: "B", Method: "Broadcast"},
			reason: gateway.RejectInvalidMethod,
		},
		{
			desc:   "spoofed sender",
			req:    protocol.SendMessage{From: "Z", To: "B", Method: "Direct"},
			reason: gateway.RejectSenderMismatch,
		},
		{
			desc:   "wildcard topic",
			req:    protocol.SendMessage{To: "sensors/+", Method: "PubSub"},
			reason: gateway.RejectInvalidTopic,
		},
		{
			desc:   "missing destination",
			req:    protocol.SendMessage{Method: "Direct"},
			reason: gateway.RejectInvalidRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			conn.Reset()
			s.Handle(frame(t, protocol.EventSendMessage, tc.req))

			frames := conn.Events(protocol.EventSendRejected)
			require.Len(t, frames, 1)
			var r protocol.SendRejected
			require.NoError(t, frames[0].Decode(&r))
			assert.Equal(t, tc.reason, r.Reason)
			assert.NotEmpty(t, r.Error)
			assert.Empty(t, conn.Events(protocol.EventSentAck))
		})
	}
	assert.Equal(t, 0, f.eng.Pending())
}

func TestSendRateLimited(t *testing.T) {
	f := newFixture(t)
	cfg := ratelimit.DefaultConfig()
	cfg.Enabled = true
	cfg.Send = ratelimit.LimitConfig{Enabled: true, Rate: 0.001, Burst: 1}
	f.gw.SetRateLimiter(ratelimit.NewManager(cfg))
	s, conn := f.node(t, "A")

	req := protocol.SendMessage{To: "nobody", Method: "Direct"}
	s.Handle(frame(t, protocol.EventSendMessage, req))
	s.Handle(frame(t, protocol.EventSendMessage, req))

	assert.Len(t, conn.Events(protocol.EventSentAck), 1)
	frames := conn.Events(protocol.EventSendRejected)
	require.Len(t, frames, 1)
	var r protocol.SendRejected
	require.NoError(t, frames[0].Decode(&r))
	assert.Equal(t, gateway.RejectRateLimited, r.Reason)
}

func TestSendToUnknownNodeFails(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")

	s.Handle(frame(t, protocol.EventSendMessage, protocol.SendMessage{To: "ghost", Method: "Direct"}))

	frames := conn.WaitFor(t, protocol.EventDeliveryFailed, 1, waitTimeout)
	var df protocol.DeliveryFailed
	require.NoError(t, frames[0].Decode(&df))
	assert.Equal(t, string(engine.ReasonUnreachableNode), df.Reason)
	assert.Equal(t, protocol.EventSentAck, conn.Frames()[0].Event)
}

func TestUpdateConfigBroadcast(t *testing.T) {
	f := newFixture(t)
	_, aConn := f.node(t, "A")
	_, bConn := f.node(t, "B")
	panel, panelConn := f.open("panel:1")

	loss := 0.25
	latencyMax := 80.0
	panel.Handle(frame(t, protocol.EventUpdateConfig, protocol.UpdateConfig{LossRate: &loss, LatencyMax: &latencyMax}))

	for _, conn := range []*testutil.Conn{aConn, bConn, panelConn} {
		frames := conn.Events(protocol.EventConfigUpdated)
		require.Len(t, frames, 1)
		var c protocol.Config
		require.NoError(t, frames[0].Decode(&c))
		assert.InDelta(t, 0.25, c.LossRate, 1e-9)
		assert.InDelta(t, 80.0, c.LatencyMax, 1e-9)
		assert.InDelta(t, 1.0, c.LatencyMin, 1e-9)
		assert.Equal(t, uint64(2), c.Version)
	}

	assert.InDelta(t, 0.25, f.configs.Get().LossRate, 1e-9)
	assert.Equal(t, 80*time.Millisecond, f.configs.Get().LatencyMax)
	assert.Contains(t, f.notifier.types(), events.TypeConfigUpdated)
}

func TestConfigUpdateReachesUnregisteredConnections(t *testing.T) {
	f := newFixture(t)
	a, aConn := f.node(t, "A")
	_, watcher := f.open("dashboard:1")
	closed, closedConn := f.open("dashboard:2")
	closed.Close()
	require.Equal(t, 2, f.gw.Sessions())

	loss := 0.5
	a.Handle(frame(t, protocol.EventUpdateConfig, protocol.UpdateConfig{LossRate: &loss}))

	for _, conn := range []*testutil.Conn{aConn, watcher} {
		frames := conn.Events(protocol.EventConfigUpdated)
		require.Len(t, frames, 1)
		var c protocol.Config
		require.NoError(t, frames[0].Decode(&c))
		assert.InDelta(t, 0.5, c.LossRate, 1e-9)
	}
	assert.Empty(t, closedConn.Events(protocol.EventConfigUpdated))
}

func TestMetricsBroadcastReachesAllSessions(t *testing.T) {
	f := newFixture(t)
	_, aConn := f.node(t, "A")
	_, watcher := f.open("dashboard:1")

	agg := metrics.NewAggregator("Direct", "PubSub")
	agg.RecordSent("Direct")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go metrics.NewBroadcaster(agg, f.gw, 5*time.Millisecond, nil).Run(ctx)

	for _, conn := range []*testutil.Conn{aConn, watcher} {
		frames := conn.WaitFor(t, protocol.EventMetricsUpdate, 1, waitTimeout)
		var m protocol.MetricsUpdate
		require.NoError(t, frames[0].Decode(&m))
		assert.Equal(t, uint64(1), m["Direct"].Sent)
	}
}

func TestUpdateConfigRejected(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")
	before := f.configs.Get()

	loss := 1.5
	s.Handle(frame(t, protocol.EventUpdateConfig, protocol.UpdateConfig{LossRate: &loss}))

	frames := conn.Events(protocol.EventConfigRejected)
	require.Len(t, frames, 1)
	var r protocol.ConfigRejected
	require.NoError(t, frames[0].Decode(&r))
	assert.Contains(t, r.Error, simconfig.ErrInvalidConfig.Error())
	assert.Empty(t, conn.Events(protocol.EventConfigUpdated))
	assert.Equal(t, before, f.configs.Get())
}

func TestGetConfig(t *testing.T) {
	f := newFixture(t)
	s, conn := f.open("panel:1")

	s.Handle(frame(t, protocol.EventGetConfig, nil))

	frames := conn.Events(protocol.EventConfigUpdated)
	require.Len(t, frames, 1)
	var c protocol.Config
	require.NoError(t, frames[0].Decode(&c))
	assert.Equal(t, protocol.ConfigFrom(f.configs.Get()), c)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	f := newFixture(t)
	s, conn := f.node(t, "A")

	s.Handle(frame(t, protocol.EventSubscribe, protocol.Subscription{Topic: "rooms/+/temp"}))
	require.Len(t, conn.Events(protocol.EventSubscribed), 1)
	assert.Equal(t, []string{"A"}, f.reg.SubscribersOf("rooms/kitchen/temp"))

	s.Handle(frame(t, protocol.EventUnsubscribe, protocol.Subscription{Topic: "rooms/+/temp"}))
	require.Len(t, conn.Events(protocol.EventUnsubscribed), 1)
	assert.Empty(t, f.reg.SubscribersOf("rooms/kitchen/temp"))

	s.Handle(frame(t, protocol.EventSubscribe, protocol.Subscription{Topic: "rooms/#/temp"}))
	assert.NotEmpty(t, lastError(t, conn))

	assert.Equal(t, []string{
		events.TypeNodeRegistered,
		events.TypeSubscriptionCreated,
		events.TypeSubscriptionRemoved,
	}, f.notifier.types())
}

func TestNodeStatus(t *testing.T) {
	f := newFixture(t)
	f.gw.SetDefaultTopics([]string{"chat"})
	s, conn := f.node(t, "A")

	s.Handle(frame(t, protocol.EventNodeStatus, nil))
	s.Handle(frame(t, protocol.EventNodeStatus, protocol.NodeStatusRequest{Node: "B"}))

	frames := conn.Events(protocol.EventNodeStatus)
	require.Len(t, frames, 2)

	var self, other protocol.NodeStatus
	require.NoError(t, frames[0].Decode(&self))
	require.NoError(t, frames[1].Decode(&other))

	assert.Equal(t, "A", self.Node)
	assert.True(t, self.Online)
	assert.Equal(t, "A:9000", self.RemoteAddr)
	assert.Equal(t, []string{"chat"}, self.Topics)
	assert.NotNil(t, self.RegisteredAt)

	assert.Equal(t, "B", other.Node)
	assert.False(t, other.Online)
	assert.Nil(t, other.RegisteredAt)
}

func TestCloseUnregisters(t *testing.T) {
	f := newFixture(t)
	s, _ := f.node(t, "A")

	s.Close()

	_, ok := f.reg.Lookup("A")
	assert.False(t, ok)
	assert.Empty(t, s.Node())
	assert.Equal(t, []string{events.TypeNodeRegistered, events.TypeNodeDisconnected}, f.notifier.types())

	// Closing twice is harmless.
	s.Close()
	assert.Len(t, f.notifier.types(), 2)
}
