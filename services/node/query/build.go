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
	"fmt"
	"strings"

	"github.com/AleutianAI/docnode/services/node/cursor"
	"github.com/AleutianAI/docnode/services/node/operation"
	"github.com/AleutianAI/docnode/services/node/schema"
)

// Request is a collection query as received from a client, before
// validation.
type Request struct {
	// First is the page size. 0 selects DefaultPageSize.
	First uint64

	// After is an encoded pagination cursor from a previous page.
	After string

	// Meta holds equality shortcuts on meta fields.
	Meta MetaFilter

	// Filter holds field conditions.
	Filter []FilterCondition

	// OrderBy is OWNER, DOCUMENT_ID, DOCUMENT_VIEW_ID or a field name.
	OrderBy string

	// OrderDirection is ASC or DESC. Empty means ASC.
	OrderDirection Direction

	// Selections lists fields to return. Empty returns every declared field.
	Selections []string
}

// MetaFilter holds equality conditions on meta fields. Nil entries are
// unconstrained, except Deleted which defaults to false.
type MetaFilter struct {
	Owner      *string
	DocumentID *string
	ViewID     *string
	Edited     *bool
	Deleted    *bool
}

// FilterCondition is one client supplied condition.
//
// Value carries single value operators, Values carries in and not_in.
// Either may hold bool, any Go integer or float kind, json.Number,
// string, []byte, operation.DocumentID or operation.DocumentViewID; the
// declared type of the field decides which are accepted.
type FilterCondition struct {
	Field    string
	Meta     MetaField
	Operator Operator
	Value    any
	Values   []any
}

// Build validates a request against a schema and returns the query.
//
// Description:
//
//	Every failure wraps ErrInvalidArgument. The after cursor is decoded
//	here, so a malformed cursor fails before any storage access.
//
// Inputs:
//
//	req - The client request.
//	s - The schema of the requested collection.
//
// Outputs:
//
//	*Query - The normalized query.
//	error - Wraps ErrInvalidArgument.
func Build(req Request, s *schema.Schema) (*Query, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: schema is required", ErrInvalidArgument)
	}
	q := &Query{SchemaID: s.ID}

	pagination, err := buildPagination(req)
	if err != nil {
		return nil, err
	}
	q.Pagination = pagination

	if err := buildMetaFilter(&q.Filter, req.Meta); err != nil {
		return nil, err
	}
	for _, cond := range req.Filter {
		c, err := buildCondition(cond, s)
		if err != nil {
			return nil, err
		}
		q.Filter.Add(c)
	}

	order, err := buildOrder(req, s)
	if err != nil {
		return nil, err
	}
	q.Order = order

	sel, err := BuildSelection(req.Selections, s)
	if err != nil {
		return nil, err
	}
	q.Select = sel

	return q, nil
}

func buildPagination(req Request) (Pagination, error) {
	p := Pagination{First: req.First}
	if p.First == 0 {
		p.First = DefaultPageSize
	}
	if req.After != "" {
		after, err := cursor.Decode(req.After)
		if err != nil {
			return Pagination{}, fmt.Errorf("%w: after: %w", ErrInvalidArgument, err)
		}
		p.After = &after
	}
	return p, nil
}

func buildMetaFilter(f *Filter, meta MetaFilter) error {
	if meta.Owner != nil {
		owner, err := operation.ParsePublicKey(*meta.Owner)
		if err != nil {
			return fmt.Errorf("%w: meta owner: %w", ErrInvalidArgument, err)
		}
		f.Add(Condition{Field: NewMetaField(MetaOwner), Operator: OpEq, Values: []operation.Value{operation.NewString(string(owner))}})
	}
	if meta.DocumentID != nil {
		v, err := coerce(operation.FieldTypeRelation, *meta.DocumentID)
		if err != nil {
			return fmt.Errorf("%w: meta documentId: %w", ErrInvalidArgument, err)
		}
		f.Add(Condition{Field: NewMetaField(MetaDocumentID), Operator: OpEq, Values: []operation.Value{v}})
	}
	if meta.ViewID != nil {
		v, err := coerce(operation.FieldTypePinnedRelation, *meta.ViewID)
		if err != nil {
			return fmt.Errorf("%w: meta viewId: %w", ErrInvalidArgument, err)
		}
		f.Add(Condition{Field: NewMetaField(MetaViewID), Operator: OpEq, Values: []operation.Value{v}})
	}
	if meta.Edited != nil {
		f.Add(Condition{Field: NewMetaField(MetaEdited), Operator: OpEq, Values: []operation.Value{operation.NewBool(*meta.Edited)}})
	}

	deleted := false
	if meta.Deleted != nil {
		deleted = *meta.Deleted
	}
	f.Add(Condition{Field: NewMetaField(MetaDeleted), Operator: OpEq, Values: []operation.Value{operation.NewBool(deleted)}})
	return nil
}

func buildCondition(req FilterCondition, s *schema.Schema) (Condition, error) {
	var (
		field     Field
		fieldType operation.FieldType
	)
	switch {
	case req.Meta != "":
		t, ok := req.Meta.Type()
		if !ok {
			return Condition{}, fmt.Errorf("%w: unknown meta field %q", ErrInvalidArgument, req.Meta)
		}
		field, fieldType = NewMetaField(req.Meta), t
	case req.Field != "":
		def, ok := s.Field(req.Field)
		if !ok {
			return Condition{}, fmt.Errorf("%w: filter on undeclared field %q", ErrInvalidArgument, req.Field)
		}
		field, fieldType = NewField(req.Field), def.Type
	default:
		return Condition{}, fmt.Errorf("%w: filter condition without field", ErrInvalidArgument)
	}

	if err := checkOperator(req.Operator, fieldType); err != nil {
		return Condition{}, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, field, err)
	}

	// Conditions on list fields compare against single elements.
	elemType := fieldType
	switch fieldType {
	case operation.FieldTypeRelationList:
		elemType = operation.FieldTypeRelation
	case operation.FieldTypePinnedRelationList:
		elemType = operation.FieldTypePinnedRelation
	}

	raw := []any{req.Value}
	if req.Operator.IsSet() {
		if len(req.Values) == 0 {
			return Condition{}, fmt.Errorf("%w: %s %s needs at least one value", ErrInvalidArgument, field, req.Operator)
		}
		raw = req.Values
	}

	values := make([]operation.Value, 0, len(raw))
	for _, r := range raw {
		v, err := coerce(elemType, r)
		if err != nil {
			return Condition{}, fmt.Errorf("%w: %s: %w", ErrInvalidArgument, field, err)
		}
		values = append(values, v)
	}
	return Condition{Field: field, Operator: req.Operator, Values: values}, nil
}

// checkOperator rejects operators that make no sense for a field type.
func checkOperator(op Operator, t operation.FieldType) error {
	switch op {
	case OpEq, OpNotEq, OpIn, OpNotIn:
		return nil
	case OpContains, OpNotContains:
		if t != operation.FieldTypeString {
			return fmt.Errorf("%s can only be used on string fields", op)
		}
		return nil
	case OpGt, OpGte, OpLt, OpLte:
		switch t {
		case operation.FieldTypeInt, operation.FieldTypeFloat, operation.FieldTypeString, operation.FieldTypeBytes:
			return nil
		}
		return fmt.Errorf("%s is not defined for %s fields", op, t)
	}
	return fmt.Errorf("unknown operator %q", op)
}

func buildOrder(req Request, s *schema.Schema) (Order, error) {
	order := Order{Direction: Ascending}
	switch Direction(strings.ToUpper(string(req.OrderDirection))) {
	case "", Ascending:
	case Descending:
		order.Direction = Descending
	default:
		return Order{}, fmt.Errorf("%w: unknown order direction %q", ErrInvalidArgument, req.OrderDirection)
	}

	var field Field
	switch req.OrderBy {
	case "":
		return order, nil
	case "OWNER":
		field = NewMetaField(MetaOwner)
	case "DOCUMENT_ID":
		field = NewMetaField(MetaDocumentID)
	case "DOCUMENT_VIEW_ID":
		field = NewMetaField(MetaViewID)
	default:
		def, ok := s.Field(req.OrderBy)
		if !ok {
			return Order{}, fmt.Errorf("%w: order by undeclared field %q", ErrInvalidArgument, req.OrderBy)
		}
		if def.Type.IsList() {
			return Order{}, fmt.Errorf("%w: cannot order by list field %q", ErrInvalidArgument, req.OrderBy)
		}
		field = NewField(def.Name)
	}
	order.Field = &field
	return order, nil
}

// BuildSelection validates selected field names against s and returns
// them in declaration order. An empty selection returns every declared
// field. Undeclared names wrap ErrInvalidArgument.
func BuildSelection(selections []string, s *schema.Schema) ([]string, error) {
	if len(selections) == 0 {
		return s.FieldNames(), nil
	}

	wanted := make(map[string]struct{}, len(selections))
	for _, name := range selections {
		if _, ok := s.Field(name); !ok {
			return nil, fmt.Errorf("%w: select undeclared field %q", ErrInvalidArgument, name)
		}
		wanted[name] = struct{}{}
	}

	out := make([]string, 0, len(wanted))
	for _, def := range s.Fields {
		if _, ok := wanted[def.Name]; ok {
			out = append(out, def.Name)
		}
	}
	return out, nil
}
