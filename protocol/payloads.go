// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"math"
	"time"

	"github.com/absmach/netsim/simconfig"
)

// Connected greets a new connection with the current network config.
type Connected struct {
	Msg    string `json:"msg"`
	Config Config `json:"config"`
}

type Register struct {
	Node string `json:"node"`
}

type Registered struct {
	Node   string   `json:"node"`
	Topics []string `json:"topics,omitempty"`
}

// UpdateConfig is a partial configuration update; absent fields are kept.
type UpdateConfig struct {
	LossRate   *float64 `json:"loss_rate,omitempty"`
	LatencyMin *float64 `json:"latency_min,omitempty"`
	LatencyMax *float64 `json:"latency_max,omitempty"`
	MaxRetries *int     `json:"max_retries,omitempty"`
	AckTimeout *float64 `json:"ack_timeout,omitempty"`
}

// Patch converts the update into a simconfig patch.
func (u UpdateConfig) Patch() simconfig.Patch {
	var p simconfig.Patch
	p.LossRate = u.LossRate
	p.MaxRetries = u.MaxRetries
	if u.LatencyMin != nil {
		d := Duration(*u.LatencyMin)
		p.LatencyMin = &d
	}
	if u.LatencyMax != nil {
		d := Duration(*u.LatencyMax)
		p.LatencyMax = &d
	}
	if u.AckTimeout != nil {
		d := Duration(*u.AckTimeout)
		p.AckTimeout = &d
	}
	return p
}

// Config is the full configuration as broadcast in config_updated.
type Config struct {
	LossRate   float64 `json:"loss_rate"`
	LatencyMin float64 `json:"latency_min"`
	LatencyMax float64 `json:"latency_max"`
	MaxRetries int     `json:"max_retries"`
	AckTimeout float64 `json:"ack_timeout"`
	Version    uint64  `json:"version"`
}

// ConfigFrom converts a simulation config to its wire form.
func ConfigFrom(c simconfig.Config) Config {
	return Config{
		LossRate:   c.LossRate,
		LatencyMin: Millis(c.LatencyMin),
		LatencyMax: Millis(c.LatencyMax),
		MaxRetries: c.MaxRetries,
		AckTimeout: Millis(c.AckTimeout),
		Version:    c.Version,
	}
}

type ConfigRejected struct {
	Error string `json:"error"`
}

type SendMessage struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Method  string          `json:"method"`
	Content json.RawMessage `json:"content"`
}

type SentAck struct {
	MsgID  string `json:"msg_id"`
	Method string `json:"method"`
}

type SendRejected struct {
	Reason string `json:"reason"`
	Error  string `json:"error,omitempty"`
}

// Ack acknowledges a Direct delivery. Attempt echoes the attempt field of
// the delivered message; zero means the attempt currently outstanding.
type Ack struct {
	MsgID   string `json:"msg_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// PubSubAck acknowledges one subscriber's copy of a PubSub delivery.
type PubSubAck struct {
	MsgID   string `json:"msg_id"`
	Node    string `json:"node"`
	Attempt int    `json:"attempt,omitempty"`
}

type Subscription struct {
	Topic string `json:"topic"`
}

type NodeStatusRequest struct {
	Node string `json:"node"`
}

type NodeStatus struct {
	Node         string     `json:"node"`
	Online       bool       `json:"online"`
	RemoteAddr   string     `json:"remote_addr,omitempty"`
	Topics       []string   `json:"topics,omitempty"`
	Pending      int        `json:"pending"`
	RegisteredAt *time.Time `json:"registered_at,omitempty"`
}

// Message is a Direct delivery to its destination node.
type Message struct {
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Method  string          `json:"method"`
	Content json.RawMessage `json:"content"`
	Attempt int             `json:"attempt"`
}

// PubSubMessage is one subscriber's copy of a PubSub delivery. To is the
// subscriber, Topic the topic the message was published to.
type PubSubMessage struct {
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Topic   string          `json:"topic"`
	Content json.RawMessage `json:"content"`
	Attempt int             `json:"attempt"`
}

// Delivered reports successful resolution of a message to its sender.
type Delivered struct {
	MsgID       string   `json:"msg_id"`
	Method      string   `json:"method"`
	Subscribers []string `json:"subscribers,omitempty"`
	Attempts    int      `json:"attempts"`
}

// DeliveryFailed reports a terminal failure to the sender. For PubSub it
// lists the subscribers that exhausted their retries.
type DeliveryFailed struct {
	MsgID                string   `json:"msg_id"`
	Method               string   `json:"method"`
	Reason               string   `json:"reason"`
	FailedSubscribers    []string `json:"failed_subscribers,omitempty"`
	DeliveredSubscribers []string `json:"delivered_subscribers,omitempty"`
}

// MethodMetrics is one method's entry of a metrics_update.
type MethodMetrics struct {
	Sent       uint64  `json:"sent"`
	Delivered  uint64  `json:"delivered"`
	Lost       uint64  `json:"lost"`
	Failed     uint64  `json:"failed"`
	AvgLatency float64 `json:"avg_latency"`
}

// MetricsUpdate is keyed by method name.
type MetricsUpdate map[string]MethodMetrics

type Error struct {
	Error string `json:"error"`
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Duration converts fractional milliseconds to a duration.
func Duration(ms float64) time.Duration {
	return time.Duration(math.Round(ms * float64(time.Millisecond)))
}
