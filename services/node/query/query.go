// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query defines the storage agnostic collection query.
//
// # Description
//
// Wire adapters translate client requests into a Request and call Build,
// which validates every part against the collection's schema and returns
// a normalized Query. Executors only ever see a built Query.
package query

import (
	"errors"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/operation"
)

// ErrInvalidArgument marks client errors: malformed cursors, type
// mismatches and references to undeclared fields.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultPageSize is used when a request asks for zero or no rows.
const DefaultPageSize uint64 = 200

// =============================================================================
// Fields
// =============================================================================

// MetaField names a document attribute that is not a schema field.
type MetaField string

const (
	MetaOwner      MetaField = "owner"
	MetaDocumentID MetaField = "documentId"
	MetaViewID     MetaField = "viewId"
	MetaEdited     MetaField = "edited"
	MetaDeleted    MetaField = "deleted"
)

// Type returns the value type conditions on the meta field carry.
func (m MetaField) Type() (operation.FieldType, bool) {
	switch m {
	case MetaOwner:
		return operation.FieldTypeString, true
	case MetaDocumentID:
		return operation.FieldTypeRelation, true
	case MetaViewID:
		return operation.FieldTypePinnedRelation, true
	case MetaEdited, MetaDeleted:
		return operation.FieldTypeBool, true
	}
	return "", false
}

// Field references either a schema field or a meta field.
type Field struct {
	Meta MetaField
	Name string
}

// NewField references a schema field.
func NewField(name string) Field { return Field{Name: name} }

// NewMetaField references a meta field.
func NewMetaField(m MetaField) Field { return Field{Meta: m} }

// IsMeta reports whether the field is a meta field.
func (f Field) IsMeta() bool { return f.Meta != "" }

func (f Field) String() string {
	if f.IsMeta() {
		return "meta." + string(f.Meta)
	}
	return f.Name
}

// =============================================================================
// Filter
// =============================================================================

// Operator is a filter comparison.
type Operator string

const (
	OpEq          Operator = "eq"
	OpNotEq       Operator = "not_eq"
	OpGt          Operator = "gt"
	OpGte         Operator = "gte"
	OpLt          Operator = "lt"
	OpLte         Operator = "lte"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// IsSet reports whether the operator compares against a set of values.
func (o Operator) IsSet() bool { return o == OpIn || o == OpNotIn }

// Condition is one filter clause.
//
// Values holds exactly one value, except for in and not_in which hold
// one or more.
type Condition struct {
	Field    Field
	Operator Operator
	Values   []operation.Value
}

// Value returns the single comparison value.
func (c Condition) Value() operation.Value {
	if len(c.Values) == 0 {
		return operation.Value{}
	}
	return c.Values[0]
}

// Filter is an ordered set of conditions, all of which must hold.
type Filter struct {
	conditions []Condition
}

// Add appends a condition. A condition on the same field with the same
// operator replaces the earlier one in place.
func (f *Filter) Add(c Condition) {
	for i, existing := range f.conditions {
		if existing.Field == c.Field && existing.Operator == c.Operator {
			f.conditions[i] = c
			return
		}
	}
	f.conditions = append(f.conditions, c)
}

// Conditions returns the conditions in insertion order.
func (f Filter) Conditions() []Condition {
	return append([]Condition(nil), f.conditions...)
}

// Len returns the number of conditions.
func (f Filter) Len() int { return len(f.conditions) }

// =============================================================================
// Order, Pagination, Query
// =============================================================================

// Direction is a sort direction.
type Direction string

const (
	Ascending  Direction = "ASC"
	Descending Direction = "DESC"
)

// Order selects the sort key. A nil Field sorts by document id.
//
// Executors break ties by document id and then by row cursor, so every
// order is total.
type Order struct {
	Field     *Field
	Direction Direction
}

// Pagination bounds a page and names where it starts.
type Pagination struct {
	First uint64
	After *cursor.PaginationCursor
}

// Query is a validated collection query.
type Query struct {
	SchemaID   operation.SchemaID
	Pagination Pagination
	Order      Order
	Filter     Filter
	// Select lists the schema fields to return, in declaration order.
	Select []string
}
