// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sqlstore persists operations and their field rows in SQL.
//
// # Description
//
// Every operation is one row in operations_v1 plus one row in
// operation_fields_v1 per scalar field or per element of a list field.
// Both SQLite (modernc, pure Go) and PostgreSQL (pgx) are supported through
// database/sql and sqlx; queries are written with "?" placeholders and
// rebound for the active driver.
//
// # Thread Safety
//
// Store is safe for concurrent use. The connection pool is the only shared
// state; concurrent inserts of the same operation id race on the primary
// key and the loser gets ErrConflict.
package sqlstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Driver names as registered with database/sql.
const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// Config configures the SQL store.
type Config struct {
	// Driver is DriverSQLite or DriverPgx.
	Driver string

	// DSN is the data source name passed to the driver.
	DSN string

	// MaxOpenConns bounds the pool; 0 means the driver default.
	MaxOpenConns int

	// ConnectTimeout bounds the initial ping.
	ConnectTimeout time.Duration

	// Logger for store events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a file backed SQLite configuration.
func DefaultConfig() Config {
	return Config{
		Driver:         DriverSQLite,
		DSN:            "file:docnode.sqlite?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		ConnectTimeout: 5 * time.Second,
	}
}

// InMemoryConfig returns an in-memory SQLite configuration for tests.
//
// The pool is pinned to one connection; every SQLite connection to
// ":memory:" would otherwise see its own empty database.
func InMemoryConfig() Config {
	return Config{
		Driver:         DriverSQLite,
		DSN:            ":memory:",
		MaxOpenConns:   1,
		ConnectTimeout: 5 * time.Second,
	}
}

// Store is the SQL operation store.
type Store struct {
	db     *sqlx.DB
	driver string
	dsn    string
	logger *slog.Logger
	q      queries
}

// Open connects to the database described by cfg.
//
// Description:
//
//	Opens the pool and pings it. Open does not migrate; call Migrate.
//
// Outputs:
//
//	*Store - Ready to use after Migrate.
//	error - ErrUnknownDriver for unsupported drivers, ErrFatal on connect failure.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPgx {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", ErrFatal)
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrFatal, cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.Driver == DriverSQLite && cfg.DSN == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetMaxIdleConns(1)
	}

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping %s: %w", ErrFatal, cfg.Driver, err)
	}

	s := New(db, cfg.Logger)
	s.dsn = cfg.DSN
	return s, nil
}

// OpenInMemory opens and migrates an in-memory SQLite store.
func OpenInMemory(ctx context.Context) (*Store, error) {
	s, err := Open(ctx, InMemoryConfig())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		driver: db.DriverName(),
		logger: logger.With(slog.String("component", "sqlstore")),
		q:      newQueries(db),
	}
}

// DB returns the underlying pool.
func (s *Store) DB() *sqlx.DB { return s.db }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %w", ErrFatal, err)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
