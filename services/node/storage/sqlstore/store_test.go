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
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/operation"
)

// =============================================================================
// Helpers
// =============================================================================

var (
	testAuthor = operation.PublicKey(strings.Repeat("2f", 32))
	testSchema = operation.NewApplicationSchemaID("venue",
		operation.NewDocumentViewID(hashID("schema")))
)

func hashID(seed string) operation.OperationID {
	return operation.OperationID(operation.NewHash([]byte(seed)))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createOp(fields operation.Fields) *operation.Operation {
	return &operation.Operation{
		Action:   operation.ActionCreate,
		SchemaID: testSchema,
		Fields:   fields,
	}
}

func updateOp(previous operation.OperationID, fields operation.Fields) *operation.Operation {
	return &operation.Operation{
		Action:   operation.ActionUpdate,
		SchemaID: testSchema,
		Previous: operation.NewDocumentViewID(previous),
		Fields:   fields,
	}
}

func scalarFields() operation.Fields {
	return operation.Fields{
		"bool":  operation.NewBool(true),
		"float": operation.NewFloat(1.0),
		"int":   operation.NewInt(1),
		"text":  operation.NewString("yes"),
		"bytes": operation.NewBytes([]byte{0, 1, 2, 3}),
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mysql", DSN: "x"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpen_MissingDSN(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: DriverSQLite})
	assert.ErrorIs(t, err, ErrFatal)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestInsertOperation_ScalarRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := hashID("create")
	doc := operation.DocumentID(id)
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, createOp(scalarFields()), doc))

	got, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, id, got.ID)
	assert.Equal(t, testAuthor, got.PublicKey)
	assert.Equal(t, doc, got.DocumentID)
	assert.Equal(t, operation.ActionCreate, got.Action)
	assert.Equal(t, testSchema, got.SchemaID)
	assert.True(t, got.Previous.IsEmpty())
	assert.Equal(t, scalarFields(), got.Fields)

	byDoc, err := s.GetOperationsByDocumentID(ctx, doc)
	require.NoError(t, err)
	require.Len(t, byDoc, 1)
	assert.Equal(t, got, byDoc[0])
}

func TestInsertOperation_ListRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var related []operation.DocumentID
	for i := 0; i < 12; i++ {
		related = append(related, operation.DocumentID(hashID(fmt.Sprintf("doc-%d", i))))
	}
	// Duplicates must keep their positions.
	related = append(related, related[3], related[0])

	pinned := []operation.DocumentViewID{
		operation.NewDocumentViewID(hashID("p2"), hashID("p1")),
		operation.NewDocumentViewID(hashID("p0")),
	}

	fields := operation.Fields{
		"venues":  operation.NewRelationList(related...),
		"pinned":  operation.NewPinnedRelationList(pinned...),
		"empty":   operation.NewRelationList(),
		"single":  operation.NewRelation(related[5]),
		"version": operation.NewPinnedRelation(pinned[0]),
	}

	id := hashID("lists")
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, createOp(fields), operation.DocumentID(id)))

	got, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fields, got.Fields)
	assert.Equal(t, related, got.Fields["venues"].RelationList())
	assert.Empty(t, got.Fields["empty"].RelationList())
	assert.Equal(t, operation.FieldTypeRelationList, got.Fields["empty"].Type())
}

func TestInsertOperation_FieldCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := operation.DocumentID(hashID("a"))
	id := hashID("cursors")
	fields := operation.Fields{"venues": operation.NewRelationList(a, a)}
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, createOp(fields), operation.DocumentID(id)))

	var cursors []string
	err := s.DB().SelectContext(ctx, &cursors, s.DB().Rebind(
		`SELECT cursor FROM operation_fields_v1 WHERE operation_id = ? ORDER BY list_index`), string(id))
	require.NoError(t, err)

	require.Len(t, cursors, 2)
	assert.Equal(t, string(cursor.NewOperationCursor(0, "venues", id)), cursors[0])
	assert.Equal(t, string(cursor.NewOperationCursor(1, "venues", id)), cursors[1])
	assert.NotEqual(t, cursors[0], cursors[1])
}

func TestInsertOperation_Conflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := hashID("dup")
	doc := operation.DocumentID(id)
	first := createOp(operation.Fields{"text": operation.NewString("first")})
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, first, doc))

	second := createOp(operation.Fields{
		"text":  operation.NewString("second"),
		"extra": operation.NewInt(7),
	})
	err := s.InsertOperation(ctx, id, testAuthor, second, doc)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrFatal)

	got, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.Fields, got.Fields)
}

func TestInsertOperation_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "ops.sqlite") +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	s, err := Open(ctx, Config{Driver: DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(ctx))

	const writers = 4
	id := hashID("raced")
	var stored, conflicts atomic.Int32

	var g errgroup.Group
	for range writers {
		g.Go(func() error {
			err := s.InsertOperation(ctx, id, testAuthor, createOp(scalarFields()), operation.DocumentID(id))
			switch {
			case err == nil:
				stored.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), stored.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	got, err := s.GetOperation(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scalarFields(), got.Fields)
}

func TestClassify_OnlyUniquenessIsConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.DB().ExecContext(ctx, s.DB().Rebind(
		`INSERT INTO operations_v1 (public_key, document_id, operation_id, action, schema_id) VALUES (NULL, ?, ?, ?, ?)`),
		"doc", "op", "create", string(testSchema))
	require.Error(t, err)

	classified := classify(err, "insert operation")
	assert.ErrorIs(t, classified, ErrFatal)
	assert.NotErrorIs(t, classified, ErrConflict)
}

func TestInsertOperation_RollsBackOnFieldFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A pre-existing field row for the new id makes the field insert fail
	// after the operation row was written.
	id := hashID("partial")
	_, err := s.DB().ExecContext(ctx, s.DB().Rebind(
		`INSERT INTO operation_fields_v1 (operation_id, name, field_type, value, list_index, cursor) VALUES (?, ?, ?, ?, ?, ?)`),
		string(id), "text", "str", "stale", 0, "c")
	require.NoError(t, err)

	err = s.InsertOperation(ctx, id, testAuthor, createOp(operation.Fields{"text": operation.NewString("x")}), operation.DocumentID(id))
	require.ErrorIs(t, err, ErrConflict)

	_, found, err := s.GetDocumentIDByOperationID(ctx, id)
	require.NoError(t, err)
	assert.False(t, found, "operation row must be rolled back")
}

func TestInsertOperation_IgnoresCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id := hashID("cancelled")
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, createOp(scalarFields()), operation.DocumentID(id)))

	got, err := s.GetOperation(context.Background(), id)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestInsertOperation_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := hashID("c")
	doc := operation.DocumentID(create)
	require.NoError(t, s.InsertOperation(ctx, create, testAuthor, createOp(scalarFields()), doc))

	deleted, err := s.IsDocumentDeleted(ctx, doc)
	require.NoError(t, err)
	assert.False(t, deleted)

	del := hashID("d")
	op := &operation.Operation{
		Action:   operation.ActionDelete,
		SchemaID: testSchema,
		Previous: operation.NewDocumentViewID(create),
	}
	require.NoError(t, s.InsertOperation(ctx, del, testAuthor, op, doc))

	deleted, err = s.IsDocumentDeleted(ctx, doc)
	require.NoError(t, err)
	assert.True(t, deleted)

	got, err := s.GetOperation(ctx, del)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, operation.ActionDelete, got.Action)
	assert.Empty(t, got.Fields)
	assert.Equal(t, op.Previous, got.Previous)
	assert.Equal(t, op, got.Operation())
}

func TestGetOperation_Missing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetOperation(context.Background(), hashID("nothing"))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetDocumentIDByOperationID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := hashID("create")
	doc := operation.DocumentID(create)

	_, found, err := s.GetDocumentIDByOperationID(ctx, create)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.InsertOperation(ctx, create, testAuthor, createOp(scalarFields()), doc))

	got, found, err := s.GetDocumentIDByOperationID(ctx, create)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc, got)

	update := hashID("update")
	require.NoError(t, s.InsertOperation(ctx, update, testAuthor,
		updateOp(create, operation.Fields{"int": operation.NewInt(2)}), doc))

	got, found, err = s.GetDocumentIDByOperationID(ctx, update)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc, got)
}

func TestGetOperationsByDocumentID_TenOperations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	create := hashID("op-0")
	doc := operation.DocumentID(create)
	require.NoError(t, s.InsertOperation(ctx, create, testAuthor, createOp(scalarFields()), doc))

	previous := create
	for i := 1; i < 10; i++ {
		id := hashID(fmt.Sprintf("op-%d", i))
		fields := operation.Fields{
			"int":    operation.NewInt(int64(i)),
			"venues": operation.NewRelationList(doc, operation.DocumentID(hashID(fmt.Sprint(i)))),
		}
		require.NoError(t, s.InsertOperation(ctx, id, testAuthor, updateOp(previous, fields), doc))
		previous = id
	}

	// Another document must not leak into the result.
	other := hashID("other")
	require.NoError(t, s.InsertOperation(ctx, other, testAuthor, createOp(scalarFields()), operation.DocumentID(other)))

	ops, err := s.GetOperationsByDocumentID(ctx, doc)
	require.NoError(t, err)
	require.Len(t, ops, 10)

	for i := 1; i < len(ops); i++ {
		assert.Less(t, string(ops[i-1].ID), string(ops[i].ID), "ordered by operation id")
	}
	for _, op := range ops {
		assert.Equal(t, doc, op.DocumentID)
		if op.Action == operation.ActionCreate {
			assert.Equal(t, scalarFields(), op.Fields)
			continue
		}
		require.Len(t, op.Fields, 2)
		assert.Equal(t, doc, op.Fields["venues"].RelationList()[0])
	}
}

func TestGetOperationsBySchemaID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	otherSchema := operation.NewApplicationSchemaID("person", operation.NewDocumentViewID(hashID("person")))
	for i := 0; i < 3; i++ {
		id := hashID(fmt.Sprintf("venue-%d", i))
		require.NoError(t, s.InsertOperation(ctx, id, testAuthor, createOp(scalarFields()), operation.DocumentID(id)))
	}
	id := hashID("person-0")
	op := &operation.Operation{Action: operation.ActionCreate, SchemaID: otherSchema, Fields: operation.Fields{"name": operation.NewString("sam")}}
	require.NoError(t, s.InsertOperation(ctx, id, testAuthor, op, operation.DocumentID(id)))

	venues, err := s.GetOperationsBySchemaID(ctx, testSchema)
	require.NoError(t, err)
	assert.Len(t, venues, 3)

	people, err := s.GetOperationsBySchemaID(ctx, otherSchema)
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, "sam", people[0].Fields["name"].Str())

	none, err := s.GetOperationsBySchemaID(ctx, "unknown_schema")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAssemble_GroupsInterleavedRows(t *testing.T) {
	a := hashID("a")
	b := hashID("b")
	row := func(id operation.OperationID, name string, index int64, value string) joinedRow {
		r := joinedRow{
			operationRow: operationRow{
				PublicKey:   string(testAuthor),
				DocumentID:  string(a),
				OperationID: string(id),
				Action:      "create",
				SchemaID:    string(testSchema),
			},
		}
		r.Name.String, r.Name.Valid = name, true
		r.FieldType.String, r.FieldType.Valid = "relation_list", true
		r.Value.String, r.Value.Valid = value, true
		r.ListIndex.Int64, r.ListIndex.Valid = index, true
		return r
	}

	x := string(hashID("x"))
	y := string(hashID("y"))
	rows := []joinedRow{
		row(b, "list", 1, y),
		row(a, "list", 1, y),
		row(b, "list", 0, x),
		row(a, "list", 0, x),
	}

	ops, err := assemble(rows)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	ids := []operation.OperationID{ops[0].ID, ops[1].ID}
	assert.ElementsMatch(t, []operation.OperationID{a, b}, ids)
	assert.Less(t, string(ops[0].ID), string(ops[1].ID))
	for _, op := range ops {
		list := op.Fields["list"].RelationList()
		require.Len(t, list, 2)
		assert.Equal(t, operation.DocumentID(x), list[0])
		assert.Equal(t, operation.DocumentID(y), list[1])
	}
}
