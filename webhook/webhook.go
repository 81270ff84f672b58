// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook posts simulator events to operator-configured endpoints.
// Delivery outcomes, config changes and node lifecycle events are wrapped
// once in an events.Envelope and fanned out to every endpoint whose filters
// match.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/absmach/netsim/events"
)

// Notifier fans events out to endpoints in the background.
type Notifier interface {
	Notify(ctx context.Context, event events.Event) error
	Close() error
}

// Request is a single envelope bound for a single endpoint. Retries of the
// same event reuse the Request, so EventID is stable across attempts.
type Request struct {
	URL       string
	Headers   map[string]string
	EventType string
	EventID   string
	Body      []byte
}

// Sender carries a Request to its endpoint. The deadline comes from ctx.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// StatusError is returned when an endpoint answers outside the 2xx range.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook %s answered %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Permanent reports whether the endpoint rejected the event itself. Client
// errors are final except 408 and 429.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

func permanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}
