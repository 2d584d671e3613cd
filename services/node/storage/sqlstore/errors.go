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
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrFatal indicates an I/O, connection or data integrity failure.
	// The store never retries; callers decide.
	ErrFatal = errors.New("storage failure")

	// ErrConflict indicates an insert that violated a uniqueness constraint,
	// usually a second publication of the same operation id.
	ErrConflict = errors.New("storage conflict")

	// ErrUnknownDriver indicates a database driver the store cannot talk to.
	ErrUnknownDriver = errors.New("unknown database driver")
)

// pgUniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// classify wraps err as ErrConflict for uniqueness violations and as
// ErrFatal otherwise.
func classify(err error, action string) error {
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %w", ErrConflict, action, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrFatal, action, err)
}

// isUniqueViolation matches primary key and unique constraint failures
// only. NOT NULL, CHECK and foreign key failures stay fatal. The sqlite
// driver reports extended result codes.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
