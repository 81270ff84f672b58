// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/absmach/netsim/simconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	frame, err := Encode(EventSentAck, SentAck{MsgID: "m1", Method: "Direct"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"sent_ack","data":{"msg_id":"m1","method":"Direct"}}`, string(frame))

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, EventSentAck, env.Event)

	var ack SentAck
	require.NoError(t, env.Payload(&ack))
	assert.Equal(t, "m1", ack.MsgID)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	env, err := Decode([]byte(`{"event":"register","data":"oops"}`))
	require.NoError(t, err)
	var reg Register
	assert.ErrorIs(t, env.Payload(&reg), ErrMalformedFrame)
}

func TestPayloadAbsent(t *testing.T) {
	env, err := Decode([]byte(`{"event":"get_config"}`))
	require.NoError(t, err)

	var u UpdateConfig
	require.NoError(t, env.Payload(&u))
	assert.True(t, u.Patch().Empty())
}

func TestUpdateConfigPatch(t *testing.T) {
	var u UpdateConfig
	require.NoError(t, json.Unmarshal([]byte(`{"loss_rate":0.25,"latency_min":10,"latency_max":20.5,"ack_timeout":1000}`), &u))

	p := u.Patch()
	cfg := p.Apply(simconfig.Default())
	assert.Equal(t, 0.25, cfg.LossRate)
	assert.Equal(t, 10*time.Millisecond, cfg.LatencyMin)
	assert.Equal(t, 20500*time.Microsecond, cfg.LatencyMax)
	assert.Equal(t, time.Second, cfg.AckTimeout)
	assert.Equal(t, simconfig.Default().MaxRetries, cfg.MaxRetries)
}

func TestConfigFrom(t *testing.T) {
	c := simconfig.Default()
	c.Version = 7

	wire := ConfigFrom(c)
	assert.Equal(t, Config{
		LossRate:   0.1,
		LatencyMin: 50,
		LatencyMax: 250,
		MaxRetries: 2,
		AckTimeout: 600,
		Version:    7,
	}, wire)
}

func TestMessageContentPassThrough(t *testing.T) {
	frame, err := Encode(EventMessage, Message{
		MsgID:   "m1",
		From:    "A",
		To:      "B",
		Method:  "Direct",
		Content: json.RawMessage(`"hi"`),
		Attempt: 1,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"message","data":{"msg_id":"m1","from":"A","to":"B","method":"Direct","content":"hi","attempt":1}}`, string(frame))
}
