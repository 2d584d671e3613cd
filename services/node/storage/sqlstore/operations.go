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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/operation"
)

var tracer = otel.Tracer("docnode.storage.sqlstore")

// StorageOperation is an operation as stored, with its id, author and
// the document it belongs to.
type StorageOperation struct {
	ID         operation.OperationID
	PublicKey  operation.PublicKey
	DocumentID operation.DocumentID
	Action     operation.Action
	SchemaID   operation.SchemaID
	Previous   operation.DocumentViewID
	Fields     operation.Fields
}

// Operation returns the stored operation body.
func (o *StorageOperation) Operation() *operation.Operation {
	return &operation.Operation{
		Action:   o.Action,
		SchemaID: o.SchemaID,
		Previous: o.Previous,
		Fields:   o.Fields,
	}
}

// =============================================================================
// Queries
// =============================================================================

const (
	insertOperationSQL = `
INSERT INTO operations_v1 (public_key, document_id, operation_id, action, schema_id, previous)
VALUES (:public_key, :document_id, :operation_id, :action, :schema_id, :previous)`

	insertFieldSQL = `
INSERT INTO operation_fields_v1 (operation_id, name, field_type, value, list_index, cursor)
VALUES (:operation_id, :name, :field_type, :value, :list_index, :cursor)`

	selectJoinedSQL = `
SELECT
    operations_v1.public_key,
    operations_v1.document_id,
    operations_v1.operation_id,
    operations_v1.action,
    operations_v1.schema_id,
    operations_v1.previous,
    operation_fields_v1.name,
    operation_fields_v1.field_type,
    operation_fields_v1.value,
    operation_fields_v1.list_index
FROM operations_v1
LEFT JOIN operation_fields_v1
    ON operation_fields_v1.operation_id = operations_v1.operation_id
`
	orderByListIndexSQL = `ORDER BY operation_fields_v1.list_index ASC`

	selectDocumentIDSQL = `SELECT document_id FROM operations_v1 WHERE operation_id = ?`

	countDeletesSQL = `SELECT COUNT(*) FROM operations_v1 WHERE document_id = ? AND action = ?`
)

// queries holds the read statements rebound for the pool's driver.
type queries struct {
	byOperationID string
	byDocumentID  string
	bySchemaID    string
	documentID    string
	deletes       string
}

func newQueries(db *sqlx.DB) queries {
	return queries{
		byOperationID: db.Rebind(selectJoinedSQL + `WHERE operations_v1.operation_id = ?
` + orderByListIndexSQL),
		byDocumentID: db.Rebind(selectJoinedSQL + `WHERE operations_v1.document_id = ?
` + orderByListIndexSQL),
		bySchemaID: db.Rebind(selectJoinedSQL + `WHERE operations_v1.schema_id = ?
` + orderByListIndexSQL),
		documentID: db.Rebind(selectDocumentIDSQL),
		deletes:    db.Rebind(countDeletesSQL),
	}
}

// =============================================================================
// Writes
// =============================================================================

// InsertOperation stores an operation and all of its field rows atomically.
//
// Description:
//
//	Writes the operation row, then one field row per scalar field or per
//	list element, in one transaction. An empty list is stored as a single
//	row with a NULL value so the field survives a round trip. The
//	transaction runs to commit or rollback even if ctx is cancelled.
//
// Inputs:
//
//	ctx - Carries the trace; its cancellation is ignored once called.
//	id - The operation id (content hash).
//	author - Public key of the operation's author.
//	op - The operation body.
//	documentID - The document the operation belongs to.
//
// Outputs:
//
//	error - ErrConflict if id is already stored, ErrFatal on any other failure.
//	        Nothing is written when an error is returned.
//
// Thread Safety: Safe for concurrent use.
func (s *Store) InsertOperation(
	ctx context.Context,
	id operation.OperationID,
	author operation.PublicKey,
	op *operation.Operation,
	documentID operation.DocumentID,
) (err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.InsertOperation",
		trace.WithAttributes(
			attribute.String("operation.id", string(id)),
			attribute.String("document.id", string(documentID)),
		),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("insert", start, err, span) }()

	if op == nil {
		return fmt.Errorf("%w: nil operation", ErrFatal)
	}

	ctx = context.WithoutCancel(ctx)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", ErrFatal, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("rollback failed",
					slog.String("operation_id", string(id)),
					slog.String("error", rbErr.Error()),
				)
			}
		}
	}()

	row := operationRow{
		PublicKey:   string(author),
		DocumentID:  string(documentID),
		OperationID: string(id),
		Action:      string(op.Action),
		SchemaID:    string(op.SchemaID),
		Previous:    sql.NullString{String: string(op.Previous), Valid: !op.Previous.IsEmpty()},
	}
	if _, err = tx.NamedExecContext(ctx, insertOperationSQL, row); err != nil {
		return classify(err, "insert operation")
	}

	for _, field := range fieldRows(id, op.Fields) {
		if _, err = tx.NamedExecContext(ctx, insertFieldSQL, field); err != nil {
			return classify(err, fmt.Sprintf("insert field %q[%d]", field.Name, field.ListIndex))
		}
	}

	if err = tx.Commit(); err != nil {
		return classify(err, "commit")
	}

	s.logger.Debug("operation inserted",
		slog.String("operation_id", string(id)),
		slog.String("document_id", string(documentID)),
		slog.String("action", string(op.Action)),
		slog.Int("fields", len(op.Fields)),
	)
	return nil
}

// fieldRows flattens fields into rows in name order, list elements in
// index order.
func fieldRows(id operation.OperationID, fields operation.Fields) []fieldRow {
	rows := make([]fieldRow, 0, len(fields))
	for _, name := range fields.Names() {
		value := fields[name]
		values := value.Strings()

		if len(values) == 0 && value.Type().IsList() {
			rows = append(rows, fieldRow{
				OperationID: string(id),
				Name:        name,
				FieldType:   string(value.Type()),
				ListIndex:   0,
				Cursor:      string(cursor.NewOperationCursor(0, name, id)),
			})
			continue
		}

		for index, v := range values {
			rows = append(rows, fieldRow{
				OperationID: string(id),
				Name:        name,
				FieldType:   string(value.Type()),
				Value:       sql.NullString{String: v, Valid: true},
				ListIndex:   index,
				Cursor:      string(cursor.NewOperationCursor(index, name, id)),
			})
		}
	}
	return rows
}

// =============================================================================
// Reads
// =============================================================================

// GetOperation returns one operation with its fields, or nil if id is not stored.
func (s *Store) GetOperation(ctx context.Context, id operation.OperationID) (op *StorageOperation, err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.GetOperation",
		trace.WithAttributes(attribute.String("operation.id", string(id))),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("get", start, err, span) }()

	ops, err := s.selectOperations(ctx, s.q.byOperationID, string(id))
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return ops[0], nil
}

// GetOperationsByDocumentID returns every stored operation of a document,
// ordered by operation id.
func (s *Store) GetOperationsByDocumentID(ctx context.Context, id operation.DocumentID) (ops []*StorageOperation, err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.GetOperationsByDocumentID",
		trace.WithAttributes(attribute.String("document.id", string(id))),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("by_document", start, err, span) }()

	ops, err = s.selectOperations(ctx, s.q.byDocumentID, string(id))
	span.SetAttributes(attribute.Int("operations", len(ops)))
	return ops, err
}

// GetOperationsBySchemaID returns every stored operation of a schema,
// ordered by operation id.
func (s *Store) GetOperationsBySchemaID(ctx context.Context, id operation.SchemaID) (ops []*StorageOperation, err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.GetOperationsBySchemaID",
		trace.WithAttributes(attribute.String("schema.id", string(id))),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("by_schema", start, err, span) }()

	ops, err = s.selectOperations(ctx, s.q.bySchemaID, string(id))
	span.SetAttributes(attribute.Int("operations", len(ops)))
	return ops, err
}

// GetDocumentIDByOperationID returns the document an operation belongs to.
//
// Outputs:
//
//	operation.DocumentID - The document id, if found.
//	bool - False if the operation is not stored.
//	error - ErrFatal on storage failure.
func (s *Store) GetDocumentIDByOperationID(ctx context.Context, id operation.OperationID) (_ operation.DocumentID, _ bool, err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.GetDocumentIDByOperationID",
		trace.WithAttributes(attribute.String("operation.id", string(id))),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("document_id", start, err, span) }()

	var documentID string
	if err = s.db.GetContext(ctx, &documentID, s.q.documentID, string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: select document id: %w", ErrFatal, err)
	}
	return operation.DocumentID(documentID), true, nil
}

// IsDocumentDeleted reports whether a delete operation is stored for the
// document.
func (s *Store) IsDocumentDeleted(ctx context.Context, id operation.DocumentID) (_ bool, err error) {
	ctx, span := tracer.Start(ctx, "sqlstore.IsDocumentDeleted",
		trace.WithAttributes(attribute.String("document.id", string(id))),
	)
	defer span.End()
	start := time.Now()
	defer func() { observe("deleted", start, err, span) }()

	var n int
	if err = s.db.GetContext(ctx, &n, s.q.deletes, string(id), string(operation.ActionDelete)); err != nil {
		return false, fmt.Errorf("%w: count deletes: %w", ErrFatal, err)
	}
	return n > 0, nil
}

func (s *Store) selectOperations(ctx context.Context, query string, arg string) ([]*StorageOperation, error) {
	var rows []joinedRow
	if err := s.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, fmt.Errorf("%w: select operations: %w", ErrFatal, err)
	}
	ops, err := assemble(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFatal, err)
	}
	return ops, nil
}

// =============================================================================
// Instrumentation
// =============================================================================

func observe(op string, start time.Time, err error, span trace.Span) {
	status := "ok"
	switch {
	case errors.Is(err, ErrConflict):
		status = "conflict"
	case err != nil:
		status = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	storeOperationsTotal.WithLabelValues(op, status).Inc()
	storeOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
