// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Headers set on every webhook POST besides the endpoint's own.
const (
	HeaderEvent   = "X-Netsim-Event"
	HeaderEventID = "X-Netsim-Event-Id"
)

const userAgent = "netsim-webhook"

var _ Sender = (*HTTPSender)(nil)

// HTTPSender delivers envelopes as JSON POST requests.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender returns a sender using client, or a pooled default client
// when client is nil.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPSender{client: client}
}

func (s *HTTPSender) Send(ctx context.Context, r Request) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, r.EventType)
	req.Header.Set(HeaderEventID, r.EventID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post %s: %w", r.EventType, err)
	}
	defer resp.Body.Close()
	// Drain so the connection returns to the pool.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode/100 != 2 {
		return &StatusError{URL: r.URL, Code: resp.StatusCode}
	}
	return nil
}
