// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package events defines the notifications emitted to external systems.
package events

import (
	"encoding/json"
	"time"

	"github.com/absmach/netsim/engine"
	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeMessageDelivered    = "message.delivered"
	TypeMessageFailed       = "message.failed"
	TypeConfigUpdated       = "config.updated"
	TypeNodeRegistered      = "node.registered"
	TypeNodeDisconnected    = "node.disconnected"
	TypeSubscriptionCreated = "subscription.created"
	TypeSubscriptionRemoved = "subscription.removed"
)

// Event is the common interface for all webhook events.
type Event interface {
	// Type returns the event type identifier (e.g., "message.delivered")
	Type() string

	// Topic returns the destination node or topic for message and
	// subscription events, empty for others
	Topic() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(instanceID string) *Envelope
}

// Envelope is the common wrapper for all webhook events.
type Envelope struct {
	EventType  string `json:"event_type"`
	EventID    string `json:"event_id"`
	Timestamp  string `json:"timestamp"`
	InstanceID string `json:"instance_id"`
	Data       any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type plain Envelope
	return json.Marshal((*plain)(e))
}

func wrap(e Event, instanceID string) *Envelope {
	return &Envelope{
		EventType:  e.Type(),
		EventID:    uuid.New().String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		InstanceID: instanceID,
		Data:       e,
	}
}

// MessageDelivered is emitted when every destination acknowledged a message.
type MessageDelivered struct {
	MsgID       string          `json:"msg_id"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Method      string          `json:"method"`
	Attempts    int             `json:"attempts"`
	Subscribers []string        `json:"subscribers,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
}

func (e MessageDelivered) Type() string                     { return TypeMessageDelivered }
func (e MessageDelivered) Topic() string                    { return e.To }
func (e MessageDelivered) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// MessageFailed is emitted when a message reached the failed state.
type MessageFailed struct {
	MsgID                string          `json:"msg_id"`
	From                 string          `json:"from"`
	To                   string          `json:"to"`
	Method               string          `json:"method"`
	Reason               string          `json:"reason"`
	FailedSubscribers    []string        `json:"failed_subscribers,omitempty"`
	DeliveredSubscribers []string        `json:"delivered_subscribers,omitempty"`
	Content              json.RawMessage `json:"content,omitempty"`
}

func (e MessageFailed) Type() string                     { return TypeMessageFailed }
func (e MessageFailed) Topic() string                    { return e.To }
func (e MessageFailed) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// FromResult converts a terminal result into its event. Content is only
// included when withContent is set.
func FromResult(r engine.Result, withContent bool) Event {
	msg := r.Message
	var content json.RawMessage
	if withContent {
		content = json.RawMessage(msg.Content)
	}

	if r.State == engine.StateDelivered {
		e := MessageDelivered{
			MsgID:    msg.ID,
			From:     msg.From,
			To:       msg.To,
			Method:   string(msg.Method),
			Attempts: r.Attempts(),
			Content:  content,
		}
		if msg.Method == engine.PubSub {
			e.Subscribers = r.Delivered()
		}
		return e
	}

	e := MessageFailed{
		MsgID:   msg.ID,
		From:    msg.From,
		To:      msg.To,
		Method:  string(msg.Method),
		Reason:  string(r.Reason),
		Content: content,
	}
	if msg.Method == engine.PubSub {
		e.FailedSubscribers = r.Failed()
		e.DeliveredSubscribers = r.Delivered()
	}
	return e
}

// ConfigUpdated is emitted after a network configuration update was applied.
type ConfigUpdated struct {
	LossRate   float64 `json:"loss_rate"`
	LatencyMin float64 `json:"latency_min"`
	LatencyMax float64 `json:"latency_max"`
	MaxRetries int     `json:"max_retries"`
	AckTimeout float64 `json:"ack_timeout"`
	Version    uint64  `json:"version"`
}

func (e ConfigUpdated) Type() string                     { return TypeConfigUpdated }
func (e ConfigUpdated) Topic() string                    { return "" }
func (e ConfigUpdated) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// NodeRegistered is emitted when a connection binds a node id.
type NodeRegistered struct {
	Node       string `json:"node"`
	RemoteAddr string `json:"remote_addr"`
	Replaced   bool   `json:"replaced"` // a previous connection was displaced
}

func (e NodeRegistered) Type() string                     { return TypeNodeRegistered }
func (e NodeRegistered) Topic() string                    { return "" }
func (e NodeRegistered) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// NodeDisconnected is emitted when a registered node's connection closes.
type NodeDisconnected struct {
	Node       string `json:"node"`
	RemoteAddr string `json:"remote_addr"`
	Pending    int    `json:"pending"` // deliveries still in flight towards the node
}

func (e NodeDisconnected) Type() string                     { return TypeNodeDisconnected }
func (e NodeDisconnected) Topic() string                    { return "" }
func (e NodeDisconnected) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// SubscriptionCreated is emitted when a node subscribes to a topic filter.
type SubscriptionCreated struct {
	Node        string `json:"node"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionCreated) Type() string                     { return TypeSubscriptionCreated }
func (e SubscriptionCreated) Topic() string                    { return e.TopicFilter }
func (e SubscriptionCreated) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }

// SubscriptionRemoved is emitted when a node unsubscribes from a topic filter.
type SubscriptionRemoved struct {
	Node        string `json:"node"`
	TopicFilter string `json:"topic_filter"`
}

func (e SubscriptionRemoved) Type() string                     { return TypeSubscriptionRemoved }
func (e SubscriptionRemoved) Topic() string                    { return e.TopicFilter }
func (e SubscriptionRemoved) Wrap(instanceID string) *Envelope { return wrap(e, instanceID) }
