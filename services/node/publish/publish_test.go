// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package publish

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/docnode/services/node/bus"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
	"github.com/AleutianAI/docnode/services/node/storage/sqlstore"
)

var (
	author = operation.PublicKey(strings.Repeat("12", 32))

	noteSchema = &schema.Schema{
		ID: operation.NewApplicationSchemaID("note", operation.NewDocumentViewID(
			operation.OperationID(operation.NewHash([]byte("note-schema"))),
		)),
		Fields: []schema.FieldDef{
			{Name: "title", Type: operation.FieldTypeString},
			{Name: "pinned", Type: operation.FieldTypeBool},
		},
	}
)

type fixture struct {
	store *sqlstore.Store
	bus   *bus.Bus
	svc   *Service
}

func newFixture(t *testing.T, withSchemas bool) *fixture {
	t.Helper()
	store, err := sqlstore.OpenInMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := bus.New(nil)
	t.Cleanup(b.Close)

	cfg := Config{Bus: b}
	if withSchemas {
		cfg.Schemas = schema.NewMemoryProvider(noteSchema)
	}
	return &fixture{store: store, bus: b, svc: New(store, cfg)}
}

func createNote(title string) *operation.Operation {
	return &operation.Operation{
		Action:   operation.ActionCreate,
		SchemaID: noteSchema.ID,
		Fields: operation.Fields{
			"title":  operation.NewString(title),
			"pinned": operation.NewBool(false),
		},
	}
}

func TestPublish_CreateAnnounces(t *testing.T) {
	f := newFixture(t, true)
	sub := f.bus.Subscribe(1)
	ctx := context.Background()

	op := createNote("hello")
	receipt, err := f.svc.Publish(ctx, "", author, op, "")
	require.NoError(t, err)

	want, err := op.ID()
	require.NoError(t, err)
	assert.Equal(t, want, receipt.OperationID)
	assert.Equal(t, operation.DocumentID(want), receipt.DocumentID)
	assert.Equal(t, 1, receipt.Delivered)

	msg := <-sub.C
	assert.Equal(t, bus.KindNewOperation, msg.Kind)
	assert.Equal(t, want, msg.OperationID)
	assert.Equal(t, noteSchema.ID, msg.SchemaID)

	stored, err := f.store.GetOperation(ctx, want)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, author, stored.PublicKey)
}

func TestPublish_NoSubscribersIsSilent(t *testing.T) {
	f := newFixture(t, false)

	receipt, err := f.svc.Publish(context.Background(), "", author, createNote("x"), "")
	require.NoError(t, err)
	assert.Zero(t, receipt.Delivered)
}

func TestPublish_UpdateInheritsDocument(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.svc.Publish(ctx, "", author, createNote("v1"), "")
	require.NoError(t, err)

	update := &operation.Operation{
		Action:   operation.ActionUpdate,
		SchemaID: noteSchema.ID,
		Previous: operation.NewDocumentViewID(created.OperationID),
		Fields:   operation.Fields{"title": operation.NewString("v2")},
	}
	updated, err := f.svc.Publish(ctx, "", author, update, "")
	require.NoError(t, err)
	assert.Equal(t, created.DocumentID, updated.DocumentID)

	del := &operation.Operation{
		Action:   operation.ActionDelete,
		SchemaID: noteSchema.ID,
		Previous: operation.NewDocumentViewID(updated.OperationID),
	}
	deleted, err := f.svc.Publish(ctx, "", author, del, created.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, created.DocumentID, deleted.DocumentID)

	ops, err := f.store.GetOperationsByDocumentID(ctx, created.DocumentID)
	require.NoError(t, err)
	assert.Len(t, ops, 3)
}

func TestPublish_DeletedDocumentIsFinal(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.svc.Publish(ctx, "", author, createNote("gone"), "")
	require.NoError(t, err)
	deleted, err := f.svc.Publish(ctx, "", author, &operation.Operation{
		Action:   operation.ActionDelete,
		SchemaID: noteSchema.ID,
		Previous: operation.NewDocumentViewID(created.OperationID),
	}, "")
	require.NoError(t, err)

	sub := f.bus.Subscribe(2)
	tests := []struct {
		name string
		op   *operation.Operation
	}{
		{"update after delete", &operation.Operation{
			Action:   operation.ActionUpdate,
			SchemaID: noteSchema.ID,
			Previous: operation.NewDocumentViewID(deleted.OperationID),
			Fields:   operation.Fields{"title": operation.NewString("back")},
		}},
		{"update from before the delete", &operation.Operation{
			Action:   operation.ActionUpdate,
			SchemaID: noteSchema.ID,
			Previous: operation.NewDocumentViewID(created.OperationID),
			Fields:   operation.Fields{"title": operation.NewString("fork")},
		}},
		{"second delete", &operation.Operation{
			Action:   operation.ActionDelete,
			SchemaID: noteSchema.ID,
			Previous: operation.NewDocumentViewID(deleted.OperationID),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Publish(ctx, "", author, tt.op, "")
			assert.ErrorIs(t, err, ErrDocumentDeleted)
		})
	}
	assert.Len(t, sub.C, 0, "rejected operations are not announced")

	ops, err := f.store.GetOperationsByDocumentID(ctx, created.DocumentID)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestPublish_Duplicate(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.svc.Publish(ctx, "", author, createNote("once"), "")
	require.NoError(t, err)

	sub := f.bus.Subscribe(1)
	_, err = f.svc.Publish(ctx, "", author, createNote("once"), "")
	assert.ErrorIs(t, err, sqlstore.ErrConflict)
	assert.Len(t, sub.C, 0, "rejected operations are not announced")
}

func TestPublish_Rejections(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	created, err := f.svc.Publish(ctx, "", author, createNote("base"), "")
	require.NoError(t, err)
	unknownPrev := operation.NewDocumentViewID(operation.OperationID(operation.NewHash([]byte("ghost"))))

	tests := []struct {
		name   string
		id     operation.OperationID
		author operation.PublicKey
		op     *operation.Operation
		doc    operation.DocumentID
		want   error
	}{
		{
			name: "nil operation",
			want: operation.ErrInvalidOperation,
		},
		{
			name:   "create with previous",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionCreate, SchemaID: noteSchema.ID,
				Previous: operation.NewDocumentViewID(created.OperationID),
				Fields:   operation.Fields{"title": operation.NewString("x")},
			},
			want: operation.ErrInvalidOperation,
		},
		{
			name:   "update without fields",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionUpdate, SchemaID: noteSchema.ID,
				Previous: operation.NewDocumentViewID(created.OperationID),
			},
			want: operation.ErrInvalidOperation,
		},
		{
			name:   "bad author",
			author: "not-a-key",
			op:     createNote("x"),
			want:   operation.ErrInvalidOperation,
		},
		{
			name:   "id mismatch",
			id:     created.OperationID,
			author: author,
			op:     createNote("different"),
			want:   ErrIDMismatch,
		},
		{
			name:   "unknown schema",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionCreate, SchemaID: "schema_definition_v1",
				Fields: operation.Fields{"name": operation.NewString("x")},
			},
			want: schema.ErrSchemaNotFound,
		},
		{
			name:   "undeclared field",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionUpdate, SchemaID: noteSchema.ID,
				Previous: operation.NewDocumentViewID(created.OperationID),
				Fields:   operation.Fields{"colour": operation.NewString("red")},
			},
			want: schema.ErrFieldMismatch,
		},
		{
			name:   "unknown previous",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionDelete, SchemaID: noteSchema.ID,
				Previous: unknownPrev,
			},
			want: ErrUnknownPrevious,
		},
		{
			name:   "create with foreign document",
			author: author,
			op:     createNote("new"),
			doc:    created.DocumentID,
			want:   ErrDocumentMismatch,
		},
		{
			name:   "update with wrong document",
			author: author,
			op: &operation.Operation{
				Action: operation.ActionDelete, SchemaID: noteSchema.ID,
				Previous: operation.NewDocumentViewID(created.OperationID),
			},
			doc:  operation.DocumentID(operation.NewHash([]byte("elsewhere"))),
			want: ErrDocumentMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Publish(ctx, tt.id, tt.author, tt.op, tt.doc)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
