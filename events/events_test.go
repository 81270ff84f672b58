// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/netsim/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope(t *testing.T) {
	env := NodeRegistered{Node: "A", RemoteAddr: "10.0.0.1:1"}.Wrap("netsim-1")

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, TypeNodeRegistered, got["event_type"])
	assert.Equal(t, "netsim-1", got["instance_id"])
	assert.NotEmpty(t, got["event_id"])

	ts, err := time.Parse(time.RFC3339Nano, got["timestamp"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
	assert.Equal(t, map[string]any{"node": "A", "remote_addr": "10.0.0.1:1", "replaced": false}, got["data"])
}

func TestFromResult(t *testing.T) {
	msg := &engine.Message{ID: "m1", From: "A", To: "chat", Method: engine.PubSub, Content: []byte(`"hi"`)}

	delivered := FromResult(engine.Result{
		Message: msg,
		State:   engine.StateDelivered,
		Targets: []engine.TargetResult{
			{Node: "B", State: engine.StateDelivered, Attempts: 2},
			{Node: "C", State: engine.StateDelivered, Attempts: 1},
		},
	}, false)
	require.IsType(t, MessageDelivered{}, delivered)
	d := delivered.(MessageDelivered)
	assert.Equal(t, TypeMessageDelivered, d.Type())
	assert.Equal(t, "chat", d.Topic())
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, []string{"B", "C"}, d.Subscribers)
	assert.Nil(t, d.Content)

	failed := FromResult(engine.Result{
		Message: msg,
		State:   engine.StateFailed,
		Reason:  engine.ReasonMaxRetriesExceeded,
		Targets: []engine.TargetResult{
			{Node: "B", State: engine.StateDelivered},
			{Node: "C", State: engine.StateFailed},
		},
	}, true)
	f := failed.(MessageFailed)
	assert.Equal(t, "max_retries_exceeded", f.Reason)
	assert.Equal(t, []string{"C"}, f.FailedSubscribers)
	assert.Equal(t, []string{"B"}, f.DeliveredSubscribers)
	assert.JSONEq(t, `"hi"`, string(f.Content))
}
