// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package simconfig

import (
	"sync"
	"sync/atomic"
)

// Listener is called after a successful update with the new version.
type Listener func(Config)

// Store holds the current configuration version. Reads are lock-free;
// updates are serialized.
type Store struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []Listener
}

// NewStore creates a store holding initial as version 1.
func NewStore(initial Config) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	initial.Version = 1

	s := &Store{}
	s.current.Store(&initial)
	return s, nil
}

// Get returns the current configuration.
func (s *Store) Get() Config {
	return *s.current.Load()
}

// Update merges p into the current configuration, validates the result and
// swaps it in. On error the current configuration is left untouched and no
// listener is notified.
func (s *Store) Update(p Patch) (Config, error) {
	s.mu.Lock()
	prev := s.current.Load()
	next := p.Apply(*prev)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return *prev, err
	}
	next.Version = prev.Version + 1
	s.current.Store(&next)
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
	return next, nil
}

// OnUpdate registers fn to be called after every successful update.
func (s *Store) OnUpdate(fn Listener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
