// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"

	"github.com/absmach/netsim/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

var _ storage.Store = (*Store)(nil)

// DefaultSize is the number of records kept when no size is configured.
const DefaultSize = 1000

// Store is a bounded in-memory journal. Once full, the oldest records are
// evicted.
type Store struct {
	mu     sync.RWMutex
	cache  *lru.Cache[string, storage.Record]
	closed bool
}

// New creates a store holding at most size records.
func New(size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	cache, err := lru.New[string, storage.Record](size)
	if err != nil {
		return nil, err
	}
	return &Store{cache: cache}, nil
}

func (s *Store) Save(rec storage.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.cache.Add(rec.ID, rec)
	return nil
}

func (s *Store) Get(id string) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Record{}, storage.ErrClosed
	}
	rec, ok := s.cache.Peek(id)
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

// List walks the cache from the newest entry. Lookups use Peek so reading
// the journal never changes eviction order.
func (s *Store) List(limit int) ([]storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	keys := s.cache.Keys()
	if limit <= 0 || limit > len(keys) {
		limit = len(keys)
	}

	out := make([]storage.Record, 0, limit)
	for i := len(keys) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := s.cache.Peek(keys[i]); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cache.Purge()
	return nil
}
