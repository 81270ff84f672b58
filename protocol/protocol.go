// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the JSON events exchanged with clients over the
// real-time channel. Every frame is an Envelope naming the event and
// carrying its payload.
//
// Durations are expressed in milliseconds and loss_rate as a fraction in
// [0, 1].
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client to server events.
const (
	EventRegister     = "register"
	EventUpdateConfig = "update_config"
	EventGetConfig    = "get_config"
	EventSendMessage  = "send_message"
	EventAck          = "ack"
	EventPubSubAck    = "pubsub_ack"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventNodeStatus   = "node_status"
)

// Server to client events.
const (
	EventConnected      = "connected"
	EventRegistered     = "registered"
	EventConfigUpdated  = "config_updated"
	EventConfigRejected = "config_rejected"
	EventSentAck        = "sent_ack"
	EventSendRejected   = "send_rejected"
	EventMessage        = "message"
	EventPubSubMessage  = "pubsub_message"
	EventDelivered      = "delivered"
	EventDeliveryFailed = "delivery_failed"
	EventMetricsUpdate  = "metrics_update"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventError          = "error"
)

// ErrMalformedFrame is returned for frames that are not a valid envelope.
var ErrMalformedFrame = errors.New("malformed frame")

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event with data as its payload.
func Encode(event string, data any) ([]byte, error) {
	env := struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", event, err)
	}
	return b, nil
}

// Decode parses a frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformedFrame)
	}
	return env, nil
}

// Payload unmarshals the envelope data into v. An absent payload leaves v
// untouched.
func (e Envelope) Payload(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, e.Event, err)
	}
	return nil
}
