// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
)

func hashID(seed string) operation.OperationID {
	return operation.OperationID(operation.NewHash([]byte(seed)))
}

func venueSchema() *schema.Schema {
	return &schema.Schema{
		ID: operation.NewApplicationSchemaID("venue", operation.NewDocumentViewID(hashID("schema"))),
		Fields: []schema.FieldDef{
			{Name: "name", Type: operation.FieldTypeString},
			{Name: "capacity", Type: operation.FieldTypeInt},
			{Name: "rating", Type: operation.FieldTypeFloat},
			{Name: "open", Type: operation.FieldTypeBool},
			{Name: "logo", Type: operation.FieldTypeBytes},
			{Name: "city", Type: operation.FieldTypeRelation},
			{Name: "events", Type: operation.FieldTypeRelationList},
		},
	}
}

func metaDeletedFalse() Condition {
	return Condition{
		Field:    NewMetaField(MetaDeleted),
		Operator: OpEq,
		Values:   []operation.Value{operation.NewBool(false)},
	}
}

func TestBuild_Defaults(t *testing.T) {
	s := venueSchema()
	q, err := Build(Request{}, s)
	require.NoError(t, err)

	assert.Equal(t, s.ID, q.SchemaID)
	assert.Equal(t, DefaultPageSize, q.Pagination.First)
	assert.Nil(t, q.Pagination.After)
	assert.Nil(t, q.Order.Field)
	assert.Equal(t, Ascending, q.Order.Direction)
	assert.Equal(t, s.FieldNames(), q.Select)
	assert.Equal(t, []Condition{metaDeletedFalse()}, q.Filter.Conditions())
}

func TestBuild_NilSchema(t *testing.T) {
	_, err := Build(Request{}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuild_Pagination(t *testing.T) {
	after := cursor.New(cursor.NewOperationCursor(0, "", hashID("doc")))

	q, err := Build(Request{First: 5, After: after.Encode()}, venueSchema())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), q.Pagination.First)
	require.NotNil(t, q.Pagination.After)
	assert.Equal(t, after, *q.Pagination.After)

	_, err = Build(Request{After: "not-a-cursor"}, venueSchema())
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, err, cursor.ErrMalformedCursor)
}

func TestBuild_Select(t *testing.T) {
	s := venueSchema()

	q, err := Build(Request{Selections: []string{"city", "name", "city"}}, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "city"}, q.Select, "declaration order, no duplicates")

	_, err = Build(Request{Selections: []string{"name", "secret"}}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuild_Order(t *testing.T) {
	s := venueSchema()

	tests := []struct {
		orderBy string
		want    Field
	}{
		{"OWNER", NewMetaField(MetaOwner)},
		{"DOCUMENT_ID", NewMetaField(MetaDocumentID)},
		{"DOCUMENT_VIEW_ID", NewMetaField(MetaViewID)},
		{"capacity", NewField("capacity")},
	}
	for _, tt := range tests {
		t.Run(tt.orderBy, func(t *testing.T) {
			q, err := Build(Request{OrderBy: tt.orderBy, OrderDirection: "desc"}, s)
			require.NoError(t, err)
			require.NotNil(t, q.Order.Field)
			assert.Equal(t, tt.want, *q.Order.Field)
			assert.Equal(t, Descending, q.Order.Direction)
		})
	}

	_, err := Build(Request{OrderBy: "unknown"}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Build(Request{OrderBy: "events"}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Build(Request{OrderDirection: "sideways"}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuild_Filter(t *testing.T) {
	s := venueSchema()
	city := string(hashID("city"))

	q, err := Build(Request{Filter: []FilterCondition{
		{Field: "capacity", Operator: OpGte, Value: float64(100)},
		{Field: "name", Operator: OpContains, Value: "hall"},
		{Field: "city", Operator: OpEq, Value: city},
		{Field: "events", Operator: OpIn, Values: []any{city}},
		{Field: "logo", Operator: OpEq, Value: "0001"},
		{Field: "rating", Operator: OpLt, Value: 4},
	}}, s)
	require.NoError(t, err)

	conds := q.Filter.Conditions()
	require.Len(t, conds, 7)
	assert.Equal(t, metaDeletedFalse(), conds[0])
	assert.Equal(t, operation.NewInt(100), conds[1].Value())
	assert.Equal(t, operation.NewString("hall"), conds[2].Value())
	assert.Equal(t, operation.NewRelation(operation.DocumentID(city)), conds[3].Value())
	assert.Equal(t, []operation.Value{operation.NewRelation(operation.DocumentID(city))}, conds[4].Values)
	assert.Equal(t, operation.NewBytes([]byte{0, 1}), conds[5].Value())
	assert.Equal(t, operation.NewFloat(4), conds[6].Value())
}

func TestBuild_FilterReplacesSameOperator(t *testing.T) {
	q, err := Build(Request{Filter: []FilterCondition{
		{Field: "capacity", Operator: OpGt, Value: 1},
		{Field: "capacity", Operator: OpLt, Value: 50},
		{Field: "capacity", Operator: OpGt, Value: 10},
	}}, venueSchema())
	require.NoError(t, err)

	conds := q.Filter.Conditions()
	require.Len(t, conds, 3)
	assert.Equal(t, OpGt, conds[1].Operator)
	assert.Equal(t, operation.NewInt(10), conds[1].Value())
	assert.Equal(t, OpLt, conds[2].Operator)
}

func TestBuild_FilterErrors(t *testing.T) {
	s := venueSchema()

	tests := map[string]FilterCondition{
		"undeclared field":        {Field: "secret", Operator: OpEq, Value: "x"},
		"no field":                {Operator: OpEq, Value: "x"},
		"contains on int":         {Field: "capacity", Operator: OpContains, Value: 1},
		"not contains on bool":    {Field: "open", Operator: OpNotContains, Value: true},
		"gt on relation":          {Field: "city", Operator: OpGt, Value: string(hashID("c"))},
		"type mismatch":           {Field: "capacity", Operator: OpEq, Value: "ten"},
		"fractional int":          {Field: "capacity", Operator: OpEq, Value: 1.5},
		"bad relation":            {Field: "city", Operator: OpEq, Value: "nope"},
		"empty in":                {Field: "name", Operator: OpIn},
		"bad element in":          {Field: "name", Operator: OpNotIn, Values: []any{"a", 1}},
		"unknown operator":        {Field: "name", Operator: "like", Value: "a"},
		"unknown meta":            {Meta: "author", Operator: OpEq, Value: "a"},
		"missing value":           {Field: "name", Operator: OpEq},
		"bytes not hex":           {Field: "logo", Operator: OpEq, Value: "zz"},
		"meta edited wrong type":  {Meta: MetaEdited, Operator: OpEq, Value: "yes"},
		"meta owner not string":   {Meta: MetaOwner, Operator: OpContains, Value: 1},
	}
	for name, cond := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Build(Request{Filter: []FilterCondition{cond}}, s)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestBuild_MetaFilter(t *testing.T) {
	owner := strings.Repeat("cd", 32)
	doc := string(hashID("doc"))
	view := string(operation.NewDocumentViewID(hashID("v")))
	yes := true

	q, err := Build(Request{Meta: MetaFilter{
		Owner:      &owner,
		DocumentID: &doc,
		ViewID:     &view,
		Edited:     &yes,
		Deleted:    &yes,
	}}, venueSchema())
	require.NoError(t, err)

	conds := q.Filter.Conditions()
	require.Len(t, conds, 5)
	assert.Equal(t, NewMetaField(MetaOwner), conds[0].Field)
	assert.Equal(t, operation.NewString(owner), conds[0].Value())
	assert.Equal(t, operation.NewRelation(operation.DocumentID(doc)), conds[1].Value())
	assert.Equal(t, operation.NewPinnedRelation(operation.DocumentViewID(view)), conds[2].Value())
	assert.Equal(t, operation.NewBool(true), conds[3].Value())
	assert.Equal(t, operation.NewBool(true), conds[4].Value())

	bad := "nope"
	_, err = Build(Request{Meta: MetaFilter{DocumentID: &bad}}, venueSchema())
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = Build(Request{Meta: MetaFilter{Owner: &bad}}, venueSchema())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestBuild_MetaConditionOverridesShortcut(t *testing.T) {
	q, err := Build(Request{Filter: []FilterCondition{
		{Meta: MetaDeleted, Operator: OpEq, Value: true},
	}}, venueSchema())
	require.NoError(t, err)

	conds := q.Filter.Conditions()
	require.Len(t, conds, 1)
	assert.Equal(t, operation.NewBool(true), conds[0].Value())
}
