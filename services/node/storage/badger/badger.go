// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger stores materialized document views in BadgerDB.
//
// The operation log lives in SQL; this store holds the views the reducer
// derived from it, keyed for the lookups the materializer and the query
// executor need:
//
//	v/<view id>              -> JSON encoded DocumentView
//	d/<document id>          -> view id of the latest view
//	s/<schema id>/<document> -> view id of the latest view
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

var (
	// ErrPathRequired indicates a persistent store without a directory.
	ErrPathRequired = errors.New("path is required for persistent view store")

	// ErrInvalidView indicates a view that cannot be stored.
	ErrInvalidView = errors.New("invalid document view")
)

// Config holds configuration for the view store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval is how often value log GC runs. 0 disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that makes a value log file
	// eligible for rewrite.
	GCDiscardRatio float64

	// Logger receives store and BadgerDB events. Nil silences BadgerDB and
	// uses slog.Default() for the store.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration rooted at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes BadgerDB's printf style logging into slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...interface{}) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// ViewStore is the BadgerDB backed document view store.
//
// Thread Safety: safe for concurrent use.
type ViewStore struct {
	db       *badger.DB
	logger   *slog.Logger
	inMemory bool

	stopGC context.CancelFunc
	gcDone chan struct{}
}

// Open opens the view store described by cfg.
//
// Description:
//
//	Creates the directory for persistent stores, opens BadgerDB with one
//	version per key and starts value log GC when GCInterval is set.
//
// Outputs:
//
//	*ViewStore - The store. Call Close when done.
//	error - ErrPathRequired, or the BadgerDB open error.
func Open(cfg Config) (*ViewStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	if !cfg.InMemory {
		if cfg.Path == "" {
			return nil, ErrPathRequired
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create view store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: logger.With(slog.String("component", "badger"))})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open view store: %w", err)
	}

	s := &ViewStore{
		db:       db,
		logger:   logger.With(slog.String("component", "viewstore")),
		inMemory: cfg.InMemory,
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.startGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

// OpenInMemory opens an in-memory view store.
func OpenInMemory() (*ViewStore, error) {
	return Open(InMemoryConfig())
}

// Close stops GC and closes BadgerDB.
func (s *ViewStore) Close() error {
	if s.stopGC != nil {
		s.stopGC()
		<-s.gcDone
		s.stopGC = nil
	}
	return s.db.Close()
}

// Sync flushes pending writes. No-op in memory.
func (s *ViewStore) Sync() error {
	if s.inMemory {
		return nil
	}
	return s.db.Sync()
}

func (s *ViewStore) startGC(interval time.Duration, ratio float64) {
	ctx, cancel := context.WithCancel(context.Background())
	s.stopGC = cancel
	s.gcDone = make(chan struct{})

	go func() {
		defer close(s.gcDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.collectGarbage(ratio)
			}
		}
	}()
}

func (s *ViewStore) collectGarbage(ratio float64) {
	err := s.db.RunValueLogGC(ratio)
	switch {
	case err == nil:
		s.logger.Debug("value log GC rewrote a file")
	case errors.Is(err, badger.ErrNoRewrite):
		// nothing to collect
	default:
		s.logger.Warn("value log GC failed", slog.String("error", err.Error()))
	}
}

// update runs fn in a read-write transaction and commits it.
func (s *ViewStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(fn)
}

// view runs fn in a read-only transaction.
func (s *ViewStore) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(fn)
}
