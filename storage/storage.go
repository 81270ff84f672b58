// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storage keeps a journal of resolved messages.
package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/netsim/engine"
	"github.com/absmach/netsim/protocol"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// Target is the outcome of a message for one destination node.
type Target struct {
	Node     string `json:"node"`
	State    string `json:"state"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Lost     int    `json:"lost"`
	// Latency is the transit latency of the acknowledged attempt in ms.
	Latency float64 `json:"latency,omitempty"`
}

// Record is the journal entry of one resolved message.
type Record struct {
	ID         string          `json:"msg_id"`
	From       string          `json:"from"`
	To         string          `json:"to"`
	Method     string          `json:"method"`
	Content    json.RawMessage `json:"content,omitempty"`
	State      string          `json:"state"`
	Reason     string          `json:"reason,omitempty"`
	Targets    []Target        `json:"targets,omitempty"`
	Config     protocol.Config `json:"config"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// RecordFrom builds a journal entry from an engine result.
func RecordFrom(r engine.Result) Record {
	msg := r.Message
	rec := Record{
		ID:         msg.ID,
		From:       msg.From,
		To:         msg.To,
		Method:     string(msg.Method),
		Content:    json.RawMessage(msg.Content),
		State:      r.State.String(),
		Reason:     string(r.Reason),
		Config:     protocol.ConfigFrom(msg.Config),
		CreatedAt:  msg.CreatedAt,
		ResolvedAt: r.ResolvedAt,
	}
	for _, t := range r.Targets {
		rec.Targets = append(rec.Targets, Target{
			Node:     t.Node,
			State:    t.State.String(),
			Reason:   string(t.Reason),
			Attempts: t.Attempts,
			Lost:     t.Lost,
			Latency:  protocol.Millis(t.Latency),
		})
	}
	return rec
}

// Store persists journal records.
type Store interface {
	// Save stores rec, replacing any record with the same id.
	Save(rec Record) error

	// Get returns the record with the given message id or ErrNotFound.
	Get(id string) (Record, error)

	// List returns up to limit records, newest first. A
	// non-positive limit returns every record.
	List(limit int) ([]Record, error)

	Close() error
}

// Journal saves every resolved message. It is an engine.Observer.
type Journal struct {
	store  Store
	logger *slog.Logger
}

func NewJournal(store Store, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{store: store, logger: logger}
}

func (j *Journal) OnResult(r engine.Result) {
	if err := j.store.Save(RecordFrom(r)); err != nil {
		j.logger.Warn("journal_save_failed",
			slog.String("msg_id", r.Message.ID),
			slog.String("error", err.Error()))
	}
}
