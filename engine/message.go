// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/absmach/netsim/simconfig"
)

// Method is the delivery method of a message.
type Method string

const (
	// Direct delivers to a single destination node.
	Direct Method = "Direct"
	// PubSub fans out to every subscriber of a topic, each acknowledged
	// independently.
	PubSub Method = "PubSub"
)

// Methods lists the supported delivery methods.
var Methods = []Method{Direct, PubSub}

// ParseMethod accepts the canonical names case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return Direct, nil
	case "pubsub":
		return PubSub, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMethod, s)
}

// State is the delivery state of a message or of one of its targets.
type State int

const (
	StateCreated State = iota
	StateScheduled
	StateInTransit
	// StateAwaitingAck is the part of InTransit after the attempt reached the
	// destination and before it was acknowledged or timed out.
	StateAwaitingAck
	StateLostPendingRetry
	StateRetrying
	StateDelivered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StateInTransit:
		return "in_transit"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateLostPendingRetry:
		return "lost_pending_retry"
	case StateRetrying:
		return "retrying"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Reason explains a terminal failure.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonUnreachableNode    Reason = "unreachable_node"
	ReasonNoSubscribers      Reason = "no_subscribers"
	ReasonMaxRetriesExceeded Reason = "max_retries_exceeded"
)

// Message is one logical send request. It is immutable once accepted.
type Message struct {
	ID      string
	From    string
	To      string
	Method  Method
	Content []byte
	// Config is the configuration captured at creation; every attempt of
	// the message uses it regardless of later updates.
	Config    simconfig.Config
	CreatedAt time.Time
}

// SendRequest asks the engine to deliver Content from one node to another
// node (Direct) or to a topic (PubSub).
type SendRequest struct {
	From    string
	To      string
	Method  Method
	Content []byte

	// OnAccepted, if set, is called once the message is accepted and before
	// any delivery or failure event is emitted for it.
	OnAccepted func(*Message)
}

// TargetResult is the terminal outcome for one destination of a message.
type TargetResult struct {
	Node     string        `json:"node"`
	State    State         `json:"-"`
	Reason   Reason        `json:"reason,omitempty"`
	Attempts int           `json:"attempts"`
	Lost     int           `json:"lost"`
	Latency  time.Duration `json:"latency"`
}

// Result is the terminal outcome of a message, reported exactly once.
type Result struct {
	Message    *Message
	State      State
	Reason     Reason
	Targets    []TargetResult
	ResolvedAt time.Time
}

// Delivered returns the nodes that acknowledged the message.
func (r Result) Delivered() []string {
	return r.nodes(StateDelivered)
}

// Failed returns the nodes whose retry budget was exhausted.
func (r Result) Failed() []string {
	return r.nodes(StateFailed)
}

// Attempts returns the highest attempt number used by any target.
func (r Result) Attempts() int {
	n := 0
	for _, t := range r.Targets {
		if t.Attempts > n {
			n = t.Attempts
		}
	}
	return n
}

func (r Result) nodes(s State) []string {
	var nodes []string
	for _, t := range r.Targets {
		if t.State == s {
			nodes = append(nodes, t.Node)
		}
	}
	return nodes
}
