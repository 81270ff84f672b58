// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry maps logical node identifiers to their live connection
// and tracks which topics each node is subscribed to.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/absmach/netsim/topics"
)

// ErrInvalidNodeID is returned for empty or malformed node identifiers.
var ErrInvalidNodeID = errors.New("invalid node id")

// Conn is an outbound channel to a connected client.
type Conn interface {
	// Send delivers a named event with its payload. It must be safe for
	// concurrent use.
	Send(event string, data any) error
	RemoteAddr() string
	Close() error
}

// NodeInfo describes a registered node.
type NodeInfo struct {
	ID           string    `json:"id"`
	RemoteAddr   string    `json:"remote_addr"`
	Topics       []string  `json:"topics"`
	RegisteredAt time.Time `json:"registered_at"`
}

type entry struct {
	conn         Conn
	filters      map[string]struct{}
	registeredAt time.Time
}

// Registry is safe for concurrent use by many client connections.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*entry
	logger *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nodes:  make(map[string]*entry),
		logger: logger,
	}
}

// ValidateNodeID checks that id can be used as a node identifier. Because a
// node id doubles as its default topic it must also be a valid topic name.
func ValidateNodeID(id string) error {
	if strings.TrimSpace(id) != id || topics.ValidateTopic(id) != nil {
		return ErrInvalidNodeID
	}
	return nil
}

// Register binds conn to node, replacing any previous connection. It
// returns the replaced connection, if any. Existing subscriptions are kept.
func (r *Registry) Register(node string, conn Conn) (Conn, error) {
	if err := ValidateNodeID(node); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[node]
	if !ok {
		r.nodes[node] = &entry{
			conn:         conn,
			filters:      make(map[string]struct{}),
			registeredAt: time.Now(),
		}
		return nil, nil
	}

	prev := e.conn
	e.conn = conn
	e.registeredAt = time.Now()
	if prev == conn {
		return nil, nil
	}
	r.logger.Debug("node_connection_replaced",
		slog.String("node", node),
		slog.String("previous_addr", prev.RemoteAddr()),
		slog.String("remote_addr", conn.RemoteAddr()))
	return prev, nil
}

// Lookup returns the live connection of node.
func (r *Registry) Lookup(node string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[node]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Unregister removes node if conn is still its current connection. A nil
// conn removes the node unconditionally. It reports whether the node was
// removed.
func (r *Registry) Unregister(node string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[node]
	if !ok {
		return false
	}
	if conn != nil && e.conn != conn {
		return false
	}
	delete(r.nodes, node)
	r.logger.Debug("node_unregistered", slog.String("node", node), slog.Int("filters", len(e.filters)))
	return true
}

// Subscribe adds a topic filter subscription for a registered node.
func (r *Registry) Subscribe(node, filter string) error {
	if err := topics.ValidateFilter(filter); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.nodes[node]
	if !ok {
		return ErrInvalidNodeID
	}
	e.filters[filter] = struct{}{}
	return nil
}

// Unsubscribe removes a topic filter subscription. Removing an unknown
// subscription is not an error.
func (r *Registry) Unsubscribe(node, filter string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.nodes[node]; ok {
		delete(e.filters, filter)
	}
}

// SubscribersOf returns the nodes a message published to topic fans out to:
// the node whose id equals topic, plus every node holding a matching filter.
// The result is sorted.
func (r *Registry) SubscribersOf(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var subs []string
	for id, e := range r.nodes {
		if id == topic {
			subs = append(subs, id)
			continue
		}
		for f := range e.filters {
			if topics.Match(f, topic) {
				subs = append(subs, id)
				break
			}
		}
	}
	sort.Strings(subs)
	return subs
}

// Node returns information about a registered node.
func (r *Registry) Node(id string) (NodeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return info(id, e), true
}

// Nodes returns all registered nodes sorted by id.
func (r *Registry) Nodes() []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]NodeInfo, 0, len(r.nodes))
	for id, e := range r.nodes {
		nodes = append(nodes, info(id, e))
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func info(id string, e *entry) NodeInfo {
	filters := make([]string, 0, len(e.filters))
	for f := range e.filters {
		filters = append(filters, f)
	}
	sort.Strings(filters)

	return NodeInfo{
		ID:           id,
		RemoteAddr:   e.conn.RemoteAddr(),
		Topics:       filters,
		RegisteredAt: e.registeredAt,
	}
}
