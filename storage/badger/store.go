// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/netsim/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.Store = (*Store)(nil)

// Key format: msg/{msg_id}. Message ids are UUIDv7, so key order is
// creation order.
const recordPrefix = "msg/"

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string        // Directory for BadgerDB data
	Compression Compression   // Value compression
	Retention   time.Duration // Record TTL; zero keeps records forever
	GCInterval  time.Duration // Value log GC period; zero means 5 minutes
}

// Store is a persistent journal backed by BadgerDB.
type Store struct {
	db          *badger.DB
	compression Compression
	retention   time.Duration

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// New opens or creates the journal in cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Journal entries are diagnostic; losing the tail on crash is fine.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger journal: %w", err)
	}

	gc := cfg.GCInterval
	if gc <= 0 {
		gc = 5 * time.Minute
	}

	s := &Store{
		db:          db,
		compression: cfg.Compression,
		retention:   cfg.Retention,
		gcInterval:  gc,
		gcStopCh:    make(chan struct{}),
		gcDone:      make(chan struct{}),
	}

	go s.runGC()

	return s, nil
}

func (s *Store) Save(rec storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	val, err := encode(data, s.compression)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(rec.ID), val)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
}

func (s *Store) Get(id string) (storage.Record, error) {
	var rec storage.Record

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return unmarshal(val, &rec)
		})
	})
	if err != nil {
		return storage.Record{}, err
	}
	return rec, nil
}

// List iterates keys in reverse so the newest messages come first.
func (s *Store) List(limit int) ([]storage.Record, error) {
	var records []storage.Record

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// In reverse mode Seek positions at the last key <= the seek key.
		for it.Seek(append([]byte(recordPrefix), 0xff)); it.Valid(); it.Next() {
			if limit > 0 && len(records) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var rec storage.Record
				if err := unmarshal(val, &rec); err != nil {
					return err
				}
				records = append(records, rec)
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read record: %w", err)
			}
		}
		return nil
	})

	return records, err
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there was nothing to collect.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func key(id string) []byte {
	return []byte(recordPrefix + id)
}

func unmarshal(val []byte, rec *storage.Record) error {
	data, err := decode(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, rec)
}
