// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import "errors"

var (
	ErrEngineClosed   = errors.New("delivery engine closed")
	ErrInvalidMethod  = errors.New("invalid delivery method")
	ErrInvalidRequest = errors.New("invalid send request")
	// ErrUnknownMessage is returned for acks of messages that are not in
	// flight, either never sent or already resolved.
	ErrUnknownMessage = errors.New("unknown or resolved message")
	ErrUnknownTarget  = errors.New("node is not a target of message")
	// ErrStaleAck is returned for acks that do not match the outstanding
	// attempt of a target.
	ErrStaleAck = errors.New("stale acknowledgment")
)
