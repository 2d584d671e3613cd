// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate brings the schema up to the latest version.
//
// Description:
//
//	Runs the embedded migrations against the store's own connection pool.
//	Running it on an up to date database is a no-op.
//
// Inputs:
//
//	ctx - Checked before starting; migrations themselves are not interrupted.
//
// Outputs:
//
//	error - Wraps ErrFatal if any migration fails.
func (s *Store) Migrate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m, release, err := s.migrator()
	if err != nil {
		return fmt.Errorf("%w: prepare migrations: %w", ErrFatal, err)
	}
	defer release()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: run migrations: %w", ErrFatal, err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("%w: read migration version: %w", ErrFatal, err)
	}
	s.logger.Info("schema migrated",
		slog.String("driver", s.driver),
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// migrator builds a migrate instance and the func that releases it.
//
// Closing a migrate instance closes the *sql.DB it runs on. PostgreSQL
// migrations therefore get a pool of their own when the DSN is known.
// SQLite keeps the shared pool because an in-memory database only exists
// on its own connection.
func (s *Store) migrator() (*migrate.Migrate, func(), error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	release := func() { _ = src.Close() }
	var driver database.Driver
	switch s.driver {
	case DriverSQLite:
		driver, err = migratesqlite.WithInstance(s.db.DB, &migratesqlite.Config{})
	case DriverPgx:
		db := s.db.DB
		if s.dsn != "" {
			if db, err = sql.Open(DriverPgx, s.dsn); err != nil {
				return nil, nil, fmt.Errorf("open migration pool: %w", err)
			}
		}
		driver, err = migratepgx.WithInstance(db, &migratepgx.Config{})
	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownDriver, s.driver)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.driver, driver)
	if err != nil {
		return nil, nil, err
	}
	if s.driver == DriverPgx && s.dsn != "" {
		release = func() { _, _ = m.Close() }
	}
	return m, release, nil
}
